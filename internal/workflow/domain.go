package workflow

import "time"

// CertificateStep names the terminal template step filled in by certificate issuance.
const CertificateStep = "Certificate"

// StepTemplate is the ordered lifecycle every booking follows. Order is 1-based.
var StepTemplate = []string{
	"Site Survey",
	"Document Verification",
	"System Design Approval",
	"Payment Confirmation",
	"Material Dispatch",
	"Installation",
	"Quality Inspection",
	"Net Metering Application",
	"Grid Inspection",
	"Meter Installation",
	"Subsidy Processing",
	CertificateStep,
}

// TemplateSize is the progress denominator regardless of how many rows exist.
var TemplateSize = len(StepTemplate)

const (
	minDueDays = 1
	maxDueDays = 5
)

// StepState is derived on read and never stored.
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepCompleted StepState = "completed"
)

// Step is a persisted lead step.
type Step struct {
	ID          int64      `json:"id"`
	BookingID   int64      `json:"booking_id"`
	StepOrder   int        `json:"step_order"`
	Name        string     `json:"name"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}

// StepView is a step with its derived state and due days.
type StepView struct {
	Step
	State   StepState `json:"state"`
	DueDays int       `json:"due_days"`
}

// Booking is the slice of a booking the workflow reads and updates.
type Booking struct {
	ID              int64     `json:"id"`
	CustomerID      *int64    `json:"customer_id,omitempty"`
	CustomerName    string    `json:"customer_name"`
	ProjectType     string    `json:"project_type"`
	SystemSizeKW    float64   `json:"system_size_kw"`
	Address         string    `json:"address"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	ProgressPercent int       `json:"progress_percent"`
	CertificateURL  *string   `json:"certificate_url,omitempty"`
	CertificateID   *string   `json:"certificate_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasCertificate reports whether a certificate handle is recorded.
func (b Booking) HasCertificate() bool {
	return b.CertificateURL != nil && *b.CertificateURL != ""
}

// StepList is the response of ListStepsWithDueDays.
type StepList struct {
	BookingID       int64      `json:"booking_id"`
	ProgressPercent int        `json:"progress_percent"`
	CertificateURL  *string    `json:"certificate_url,omitempty"`
	Steps           []StepView `json:"steps"`
}

// CompleteInput is the completion payload.
type CompleteInput struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// CertificateOutcome reports what an issuance attempt did.
type CertificateOutcome struct {
	Issued        bool   `json:"issued"`
	URL           string `json:"url,omitempty"`
	CertificateID string `json:"certificate_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Certificate outcome reasons.
const (
	ReasonAlreadyIssued = "already_issued"
	ReasonStepsPending  = "steps_pending"
	ReasonLockHeld      = "lock_held"
	ReasonFailed        = "issuer_failed"
)

// CompletionResult is returned by the completion operations.
type CompletionResult struct {
	Step            Step                `json:"step"`
	ProgressPercent int                 `json:"progress_percent"`
	Certificate     *CertificateOutcome `json:"certificate,omitempty"`
}
