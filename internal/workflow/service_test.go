package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarix/solarix/internal/certificate"
	"github.com/solarix/solarix/internal/platform/cache"
	"github.com/solarix/solarix/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu       sync.Mutex
	bookings map[int64]*Booking
	steps    map[int64]*Step
	nextID   int64
	ensures  int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		bookings: make(map[int64]*Booking),
		steps:    make(map[int64]*Step),
	}
}

func (m *mockRepository) seedBooking(id int64, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customerID := int64(100 + id)
	m.bookings[id] = &Booking{
		ID:           id,
		CustomerID:   &customerID,
		CustomerName: "asha rao",
		ProjectType:  "residential rooftop",
		SystemSizeKW: 5.4,
		Address:      "12 MG Road",
		City:         "Pune",
		State:        "Maharashtra",
		CreatedAt:    createdAt,
	}
}

func (m *mockRepository) booking(id int64) Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bookings[id]
}

func (m *mockRepository) stepID(bookingID int64, order int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.BookingID == bookingID && s.StepOrder == order {
			return s.ID
		}
	}
	return 0
}

func (m *mockRepository) step(id int64) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.steps[id]
}

// WithTx runs fn against the shared store; the service tests assert committed state only.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("workflow: booking %d: %w", id, shared.ErrNotFound)
	}
	clone := *b
	return &clone, nil
}

func (m *mockRepository) EnsureSteps(ctx context.Context, bookingID int64, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	for i, name := range names {
		exists := false
		for _, s := range m.steps {
			if s.BookingID == bookingID && s.StepOrder == i+1 {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		m.nextID++
		m.steps[m.nextID] = &Step{ID: m.nextID, BookingID: bookingID, StepOrder: i + 1, Name: name}
	}
	return nil
}

func (m *mockRepository) ListSteps(ctx context.Context, bookingID int64) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Step
	for _, s := range m.steps {
		if s.BookingID == bookingID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (m *mockRepository) GetStepForUpdate(ctx context.Context, stepID int64) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrNotFound)
	}
	clone := *s
	return &clone, nil
}

func (m *mockRepository) GetStepByOrder(ctx context.Context, bookingID int64, order int) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.BookingID == bookingID && s.StepOrder == order {
			clone := *s
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("workflow: booking %d step %d: %w", bookingID, order, shared.ErrNotFound)
}

func (m *mockRepository) MarkCompleted(ctx context.Context, stepID int64, at time.Time, notes *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrNotFound)
	}
	if s.Completed {
		return fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrAlreadyCompleted)
	}
	s.Completed = true
	s.CompletedAt = &at
	s.Notes = notes
	return nil
}

func (m *mockRepository) MarkCompletedByName(ctx context.Context, bookingID int64, name string, at time.Time, notes *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.BookingID == bookingID && s.Name == name && !s.Completed {
			s.Completed = true
			s.CompletedAt = &at
			if notes != nil {
				s.Notes = notes
			}
		}
	}
	return nil
}

func (m *mockRepository) ResetStep(ctx context.Context, stepID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.steps[stepID]; ok {
		s.Completed = false
		s.CompletedAt = nil
	}
	return nil
}

func (m *mockRepository) CountCompleted(ctx context.Context, bookingID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.steps {
		if s.BookingID == bookingID && s.Completed {
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) UpdateProgress(ctx context.Context, bookingID int64, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookings[bookingID]; ok {
		b.ProgressPercent = percent
	}
	return nil
}

func (m *mockRepository) SetCertificate(ctx context.Context, bookingID int64, url, certificateID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return false, fmt.Errorf("workflow: booking %d: %w", bookingID, shared.ErrNotFound)
	}
	if b.HasCertificate() {
		return false, nil
	}
	b.CertificateURL = &url
	b.CertificateID = &certificateID
	return true, nil
}

func (m *mockRepository) ListAwaitingCertificate(ctx context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[int64]int)
	for _, s := range m.steps {
		if s.Completed && s.Name != CertificateStep {
			done[s.BookingID]++
		}
	}
	var ids []int64
	for id, b := range m.bookings {
		if !b.HasCertificate() && done[id] >= TemplateSize-1 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ============================================================================
// STUBS
// ============================================================================

type stubIssuer struct {
	mu       sync.Mutex
	calls    int
	requests []certificate.IssueRequest
	err      error
	delay    time.Duration
}

func (s *stubIssuer) Issue(ctx context.Context, req certificate.IssueRequest) (string, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	return "https://certs.solarix.test/" + req.CertificateID + ".pdf", nil
}

func (s *stubIssuer) set(err error, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.delay = delay
}

func (s *stubIssuer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingMetrics) ObserveCertificate(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[result]++
}

func (r *recordingMetrics) count(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[result]
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	repo    *mockRepository
	issuer  *stubIssuer
	audit   *recordingAudit
	metrics *recordingMetrics
	locker  *cache.Locker
	svc     *Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		repo:    newMockRepository(),
		issuer:  &stubIssuer{},
		audit:   &recordingAudit{},
		metrics: &recordingMetrics{},
		locker:  cache.NewLocker(client, time.Minute),
		now:     time.Date(2024, 5, 1, 9, 0, 0, 0, ist),
	}
	f.svc = NewService(f.repo, f.issuer, Options{
		Locker:   f.locker,
		Audit:    f.audit,
		Metrics:  f.metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location: ist,
	})
	f.svc.WithNow(func() time.Time { return f.now })
	return f
}

// booking seeds a booking created at the fixture clock and materialises its steps.
func (f *fixture) booking(t *testing.T, id int64) {
	t.Helper()
	f.repo.seedBooking(id, f.now)
	_, err := f.svc.ListStepsWithDueDays(context.Background(), id)
	require.NoError(t, err)
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// completeSteps completes steps first..last with staff notes, an hour apart.
func (f *fixture) completeSteps(t *testing.T, bookingID int64, first, last int) *CompletionResult {
	t.Helper()
	var result *CompletionResult
	for order := first; order <= last; order++ {
		f.advance(time.Hour)
		var err error
		result, err = f.svc.CompleteStep(context.Background(), f.repo.stepID(bookingID, order), "done")
		require.NoError(t, err, "step %d", order)
	}
	return result
}

// ============================================================================
// LIST
// ============================================================================

func TestListStepsMaterialisesTemplateOnce(t *testing.T) {
	f := newFixture(t)
	f.repo.seedBooking(7, f.now)
	ctx := context.Background()

	list, err := f.svc.ListStepsWithDueDays(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list.Steps, TemplateSize)
	for i, view := range list.Steps {
		assert.Equal(t, i+1, view.StepOrder)
		assert.Equal(t, StepTemplate[i], view.Name)
	}
	assert.Equal(t, StepActive, list.Steps[0].State)
	assert.Equal(t, 1, list.Steps[0].DueDays)
	assert.Equal(t, StepPending, list.Steps[1].State)

	again, err := f.svc.ListStepsWithDueDays(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.ensures)
	assert.Equal(t, list.Steps, again.Steps)
}

func TestListStepsUnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListStepsWithDueDays(context.Background(), 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListStepsCountsFromPredecessorCompletion(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, 1)

	f.advance(48 * time.Hour)
	list, err := f.svc.ListStepsWithDueDays(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, list.Steps[0].State)
	assert.Equal(t, StepActive, list.Steps[1].State)
	assert.Equal(t, 2, list.Steps[1].DueDays)
	assert.Equal(t, 8, list.ProgressPercent)
}

// ============================================================================
// COMPLETION
// ============================================================================

func TestCompleteStepRequiresNotes(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	id := f.repo.stepID(1, 1)

	_, err := f.svc.CompleteStep(context.Background(), id, "   ")
	require.ErrorIs(t, err, shared.ErrNotesRequired)
	assert.False(t, f.repo.step(id).Completed)
}

func TestCompleteStepUpdatesProgress(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)

	result := f.completeSteps(t, 1, 1, 1)
	assert.Equal(t, 8, result.ProgressPercent)
	assert.Nil(t, result.Certificate)
	require.NotNil(t, result.Step.Notes)
	assert.Equal(t, "done", *result.Step.Notes)
	assert.Equal(t, 8, f.repo.booking(1).ProgressPercent)
}

func TestCompleteStepRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, 1)
	id := f.repo.stepID(1, 1)
	first := *f.repo.step(id).CompletedAt

	f.advance(time.Hour)
	_, err := f.svc.CompleteStep(context.Background(), id, "again")
	require.ErrorIs(t, err, shared.ErrAlreadyCompleted)

	// The duplicate check precedes the notes check.
	_, err = f.svc.CompleteStep(context.Background(), id, "")
	require.ErrorIs(t, err, shared.ErrAlreadyCompleted)

	assert.True(t, first.Equal(*f.repo.step(id).CompletedAt))
}

func TestCompleteStepRequiresActiveStep(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)

	_, err := f.svc.CompleteStep(context.Background(), f.repo.stepID(1, 3), "early")
	require.ErrorIs(t, err, shared.ErrStepNotActive)
	assert.False(t, f.repo.step(f.repo.stepID(1, 3)).Completed)
}

func TestCompleteStepRejectsCertificateStep(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.issuer.set(errors.New("unavailable"), 0)
	f.completeSteps(t, 1, 1, TemplateSize-1)
	id := f.repo.stepID(1, TemplateSize)

	_, err := f.svc.CompleteStep(context.Background(), id, "closing by hand")
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.False(t, f.repo.step(id).Completed)
	assert.Equal(t, 92, f.repo.booking(1).ProgressPercent)
	assert.False(t, f.repo.booking(1).HasCertificate())
}

func TestCompleteStepUnknownStep(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteStep(context.Background(), 999, "notes")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAdminCompleteStepSkipsOrderAndNotes(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	id := f.repo.stepID(1, 5)

	result, err := f.svc.AdminCompleteStep(context.Background(), id, "", 42)
	require.NoError(t, err)
	assert.True(t, result.Step.Completed)
	assert.Nil(t, result.Step.Notes)
	assert.Equal(t, 8, result.ProgressPercent)

	require.Len(t, f.audit.logs, 1)
	log := f.audit.logs[0]
	assert.Equal(t, shared.AuditStepAdminComplete, log.Action)
	assert.Equal(t, int64(42), log.ActorID)
	assert.Equal(t, fmt.Sprint(id), log.EntityID)

	_, err = f.svc.AdminCompleteStep(context.Background(), id, "", 42)
	require.ErrorIs(t, err, shared.ErrAlreadyCompleted)
}

// ============================================================================
// CERTIFICATE CASCADE
// ============================================================================

func TestCascadeIssuesCertificateOnce(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	ctx := context.Background()

	before := f.completeSteps(t, 1, 1, TemplateSize-2)
	assert.Nil(t, before.Certificate)
	assert.Zero(t, f.issuer.callCount())

	last := f.completeSteps(t, 1, TemplateSize-1, TemplateSize-1)
	require.NotNil(t, last.Certificate)
	assert.True(t, last.Certificate.Issued)
	assert.Regexp(t, `^SLX-CERT-20240501-1-[0-9A-F]{8}$`, last.Certificate.CertificateID)

	booking := f.repo.booking(1)
	require.True(t, booking.HasCertificate())
	assert.Equal(t, last.Certificate.URL, *booking.CertificateURL)
	assert.Equal(t, 100, booking.ProgressPercent)
	assert.True(t, f.repo.step(f.repo.stepID(1, TemplateSize)).Completed)

	require.Equal(t, 1, f.issuer.callCount())
	req := f.issuer.requests[0]
	assert.Equal(t, "asha rao", req.CustomerName)
	assert.Equal(t, "12 MG Road, Pune, Maharashtra", req.Location)
	assert.True(t, req.InstallDate.Equal(*f.repo.step(f.repo.stepID(1, TemplateSize-1)).CompletedAt))

	outcome, err := f.svc.IssueCertificate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, outcome.Issued)
	assert.Equal(t, ReasonAlreadyIssued, outcome.Reason)
	assert.Equal(t, 1, f.issuer.callCount())
	assert.Equal(t, 1, f.metrics.count(resultIssued))
	assert.Contains(t, f.audit.actions(), shared.AuditCertificateIssued)
}

func TestCascadeRunsWhenFirstStepClosesLast(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	ctx := context.Background()

	for order := 2; order < TemplateSize; order++ {
		result, err := f.svc.AdminCompleteStep(ctx, f.repo.stepID(1, order), "", 7)
		require.NoError(t, err)
		assert.Nil(t, result.Certificate)
	}
	result, err := f.svc.CompleteStep(ctx, f.repo.stepID(1, 1), "survey signed")
	require.NoError(t, err)
	require.NotNil(t, result.Certificate)
	assert.True(t, result.Certificate.Issued)
	assert.Equal(t, 1, f.issuer.callCount())
}

func TestCascadeIssuerFailureKeepsCompletion(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.issuer.set(errors.New("gotenberg: connection refused"), 0)

	last := f.completeSteps(t, 1, 1, TemplateSize-1)
	require.NotNil(t, last.Certificate)
	assert.False(t, last.Certificate.Issued)
	assert.Equal(t, ReasonFailed, last.Certificate.Reason)
	assert.True(t, f.repo.step(f.repo.stepID(1, TemplateSize-1)).Completed)
	assert.False(t, f.repo.booking(1).HasCertificate())
	assert.Equal(t, 92, f.repo.booking(1).ProgressPercent)
	assert.Equal(t, 1, f.metrics.count(ReasonFailed))

	f.issuer.set(nil, 0)
	issued, err := f.svc.SweepCertificates(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	assert.True(t, f.repo.booking(1).HasCertificate())

	issued, err = f.svc.SweepCertificates(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, issued)
}

func TestIssueCertificateStepsPending(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, 3)

	outcome, err := f.svc.IssueCertificate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonStepsPending, outcome.Reason)
	assert.Zero(t, f.issuer.callCount())
}

func TestIssueCertificateUnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IssueCertificate(context.Background(), 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestIssueCertificateLockHeld(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	ctx := context.Background()
	f.completeSteps(t, 1, 1, TemplateSize-2)

	release, err := f.locker.Acquire(ctx, shared.CertificateLockKey(1))
	require.NoError(t, err)

	last := f.completeSteps(t, 1, TemplateSize-1, TemplateSize-1)
	require.NotNil(t, last.Certificate)
	assert.Equal(t, ReasonLockHeld, last.Certificate.Reason)
	assert.Zero(t, f.issuer.callCount())

	require.NoError(t, release(ctx))
	outcome, err := f.svc.IssueCertificate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, outcome.Issued)
}

func TestIssueCertificateConcurrentCallersIssueOnce(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.issuer.set(errors.New("unavailable"), 0)
	f.completeSteps(t, 1, 1, TemplateSize-1)
	baseline := f.issuer.callCount()
	f.issuer.set(nil, 50*time.Millisecond)

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.svc.IssueCertificate(context.Background(), 1)
			if !assert.NoError(t, err) {
				return
			}
			if outcome.Issued {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, issued)
	assert.Equal(t, baseline+1, f.issuer.callCount())
	assert.True(t, f.repo.booking(1).HasCertificate())
}

func TestSweepCertificatesReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.issuer.set(errors.New("unavailable"), 0)
	for _, id := range []int64{1, 2} {
		f.booking(t, id)
		f.completeSteps(t, id, 1, TemplateSize-1)
	}

	awaiting, err := f.svc.ListAwaitingCertificate(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, awaiting)

	issued, err := f.svc.SweepCertificates(context.Background(), 10)
	require.ErrorIs(t, err, shared.ErrIntegrationFailure)
	assert.Zero(t, issued)
}

// ============================================================================
// UNDO
// ============================================================================

func TestUndoStepReopensAndRecomputes(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, 2)
	id := f.repo.stepID(1, 2)

	result, err := f.svc.UndoStep(context.Background(), id, 9)
	require.NoError(t, err)
	assert.False(t, result.Step.Completed)
	assert.Nil(t, result.Step.CompletedAt)
	assert.Equal(t, 8, result.ProgressPercent)
	assert.False(t, f.repo.step(id).Completed)
	assert.Equal(t, []string{shared.AuditStepUndo}, f.audit.actions())

	_, err = f.svc.UndoStep(context.Background(), id, 9)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUndoStepKeepsIssuedCertificate(t *testing.T) {
	f := newFixture(t)
	f.booking(t, 1)
	f.completeSteps(t, 1, 1, TemplateSize-1)
	url := *f.repo.booking(1).CertificateURL

	result, err := f.svc.UndoStep(context.Background(), f.repo.stepID(1, 4), 9)
	require.NoError(t, err)
	assert.Equal(t, 92, result.ProgressPercent)
	booking := f.repo.booking(1)
	require.True(t, booking.HasCertificate())
	assert.Equal(t, url, *booking.CertificateURL)
}
