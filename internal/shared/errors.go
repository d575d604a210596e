package shared

import "errors"

var (
	// ErrNotFound indicates an unknown customer, booking or step.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a malformed request payload.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidAmount indicates a non-positive or non-finite gross amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrAlreadyCompleted is returned on a duplicate step completion attempt.
	ErrAlreadyCompleted = errors.New("step already completed")
	// ErrNotesRequired is returned when staff complete a step without notes.
	ErrNotesRequired = errors.New("completion notes required")
	// ErrStepNotActive is returned when the preceding step is still open.
	ErrStepNotActive = errors.New("step not active")
	// ErrAlreadyDistributed indicates commissions were already paid for a purchase event.
	ErrAlreadyDistributed = errors.New("commission already distributed")
	// ErrAlreadyReferred indicates the customer already has a referrer.
	ErrAlreadyReferred = errors.New("customer already referred")
	// ErrCycleDetected indicates a referral assignment would create a loop.
	ErrCycleDetected = errors.New("referral cycle detected")
	// ErrIntegrationFailure wraps failed downstream writes or calls.
	ErrIntegrationFailure = errors.New("integration failure")
)

// IsCallerError reports whether err is a synchronous caller error that must not be retried.
func IsCallerError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyCompleted),
		errors.Is(err, ErrNotesRequired),
		errors.Is(err, ErrStepNotActive),
		errors.Is(err, ErrAlreadyReferred),
		errors.Is(err, ErrCycleDetected):
		return true
	default:
		return false
	}
}
