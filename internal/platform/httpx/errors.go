// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/solarix/solarix/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrInvalidAmount):
		Problem(w, http.StatusBadRequest, "Invalid Amount", err.Error())
	case errors.Is(err, shared.ErrNotesRequired):
		Problem(w, http.StatusBadRequest, "Notes Required", err.Error())
	case errors.Is(err, shared.ErrAlreadyCompleted):
		Problem(w, http.StatusConflict, "Already Completed", err.Error())
	case errors.Is(err, shared.ErrStepNotActive):
		Problem(w, http.StatusConflict, "Step Not Active", err.Error())
	case errors.Is(err, shared.ErrAlreadyDistributed):
		Problem(w, http.StatusConflict, "Already Distributed", err.Error())
	case errors.Is(err, shared.ErrAlreadyReferred):
		Problem(w, http.StatusConflict, "Already Referred", err.Error())
	case errors.Is(err, shared.ErrCycleDetected):
		Problem(w, http.StatusConflict, "Referral Cycle", err.Error())
	case errors.Is(err, shared.ErrIntegrationFailure):
		Problem(w, http.StatusBadGateway, "Integration Failure", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
