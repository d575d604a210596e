package commission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	events []PurchaseEvent
}

func (s *stubEnqueuer) EnqueuePurchase(ctx context.Context, event PurchaseEvent) (string, error) {
	s.events = append(s.events, event)
	return "commission:" + event.DedupeKey, nil
}

func newHandlerRouter(svc commissionService, enqueuer PurchaseEnqueuer) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, enqueuer).MountRoutes(r)
	return r
}

func TestDistributeHandlerReturnsResult(t *testing.T) {
	svc := newTestService(newMockRepository(), threeLevels(), nil)

	req := httptest.NewRequest(http.MethodPost, "/commissions/distribute", strings.NewReader(`{"source_customer_id":10,"gross_amount":100000}`))
	rr := httptest.NewRecorder()
	newHandlerRouter(svc, nil).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var result Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Count)
	assert.InDelta(t, 4000, result.TotalDistributed, 1e-9)
}

func TestDistributeHandlerRejectsNonPositiveGross(t *testing.T) {
	svc := newTestService(newMockRepository(), threeLevels(), nil)

	req := httptest.NewRequest(http.MethodPost, "/commissions/distribute", strings.NewReader(`{"source_customer_id":10,"gross_amount":-5}`))
	rr := httptest.NewRecorder()
	newHandlerRouter(svc, nil).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPurchaseHandlerEnqueuesWithDedupeKey(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	svc := newTestService(newMockRepository(), threeLevels(), nil)

	req := httptest.NewRequest(http.MethodPost, "/bookings/12/purchase", nil)
	rr := httptest.NewRecorder()
	newHandlerRouter(svc, enqueuer).ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, enqueuer.events, 1)
	assert.Equal(t, PurchaseEvent{BookingID: 12, DedupeKey: "booking:12"}, enqueuer.events[0])
}

func TestPurchaseHandlerInlineConflictsOnRedelivery(t *testing.T) {
	repo := newMockRepository()
	customer := int64(10)
	repo.bookings[3] = &Booking{ID: 3, CustomerID: &customer, TotalPayable: 1000}
	router := newHandlerRouter(newTestService(repo, threeLevels(), nil), nil)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/bookings/3/purchase", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/bookings/3/purchase", nil))
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestSettingsHandlerValidatesPercent(t *testing.T) {
	router := newHandlerRouter(newTestService(newMockRepository(), threeLevels(), nil), nil)

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, httptest.NewRequest(http.MethodPut, "/commissions/settings",
		strings.NewReader(`{"max_payout_percent":140,"level1_percent":2,"level2_percent":1,"level3_percent":1}`)))
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/commissions/settings", nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"max_payout_percent":4`)
}
