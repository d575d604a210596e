package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarix/solarix/internal/shared"
)

func newHandlerRouter(svc workflowService) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).MountRoutes(r)
	return r
}

func TestListStepsHandler(t *testing.T) {
	f := newFixture(t)
	f.repo.seedBooking(5, f.now)

	rr := httptest.NewRecorder()
	newHandlerRouter(f.svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/bookings/5/steps", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var list StepList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Steps, TemplateSize)
	assert.Equal(t, StepActive, list.Steps[0].State)
	assert.Equal(t, 1, list.Steps[0].DueDays)
}

func TestListStepsHandlerRejectsBadID(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	newHandlerRouter(f.svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/bookings/abc/steps", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCompleteStepHandlerStatusCodes(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	router := newHandlerRouter(f.svc)
	first := f.repo.stepID(1, 1)
	third := f.repo.stepID(1, 3)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"missing notes", fmt.Sprintf("/steps/%d/complete", first), ``, http.StatusBadRequest},
		{"blank notes", fmt.Sprintf("/steps/%d/complete", first), `{"notes":"  "}`, http.StatusBadRequest},
		{"not active", fmt.Sprintf("/steps/%d/complete", third), `{"notes":"early"}`, http.StatusConflict},
		{"unknown field", fmt.Sprintf("/steps/%d/complete", first), `{"note":"x"}`, http.StatusBadRequest},
		{"completed", fmt.Sprintf("/steps/%d/complete", first), `{"notes":"surveyed"}`, http.StatusOK},
		{"duplicate", fmt.Sprintf("/steps/%d/complete", first), `{"notes":"surveyed"}`, http.StatusConflict},
		{"unknown step", "/steps/999/complete", `{"notes":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestAdminCompleteHandlerAcceptsEmptyBody(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	id := f.repo.stepID(1, 6)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/admin/steps/%d/complete", id), nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), 77))
	rr := httptest.NewRecorder()
	newHandlerRouter(f.svc).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var result CompletionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.Step.Completed)
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, int64(77), f.audit.logs[0].ActorID)
}

func TestUndoStepHandler(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, 1)
	router := newHandlerRouter(f.svc)
	path := fmt.Sprintf("/admin/steps/%d/undo", f.repo.stepID(1, 1))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueCertificateHandler(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	router := newHandlerRouter(f.svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/bookings/1/certificate", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var outcome CertificateOutcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcome))
	assert.Equal(t, ReasonStepsPending, outcome.Reason)

	f.issuer.set(assert.AnError, 0)
	f.completeSteps(t, 1, 1, TemplateSize-1)
	f.issuer.set(nil, 0)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/bookings/1/certificate", nil))
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcome))
	assert.True(t, outcome.Issued)
	assert.NotEmpty(t, outcome.URL)
}

func TestIssueCertificateHandlerMapsIssuerFailure(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.issuer.set(assert.AnError, 0)
	f.completeSteps(t, 1, 1, TemplateSize-1)

	rr := httptest.NewRecorder()
	newHandlerRouter(f.svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/bookings/1/certificate", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}
