package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/solarix/solarix/internal/certificate"
	"github.com/solarix/solarix/internal/platform/cache"
	"github.com/solarix/solarix/internal/shared"
)

const (
	defaultSweepLimit = 100
	certificateNotes  = "Issued automatically"
	resultIssued      = "issued"
)

// Issuer produces a certificate and returns its handle.
type Issuer interface {
	Issue(ctx context.Context, req certificate.IssueRequest) (string, error)
}

// Locker provides per-booking mutual exclusion for issuance.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// Metrics receives certificate issuance outcomes.
type Metrics interface {
	ObserveCertificate(result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCertificate(string) {}

// Service runs the booking step lifecycle.
type Service struct {
	repo    Repository
	issuer  Issuer
	locker  Locker
	audit   shared.AuditRecorder
	metrics Metrics
	logger  *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Locker   Locker
	Audit    shared.AuditRecorder
	Metrics  Metrics
	Logger   *slog.Logger
	Location *time.Location
}

// NewService constructs a workflow Service. Without a Locker issuance is serialised only by
// the conditional certificate update.
func NewService(repo Repository, issuer Issuer, opts Options) *Service {
	s := &Service{
		repo:    repo,
		issuer:  issuer,
		locker:  opts.Locker,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		loc:     opts.Location,
		now:     time.Now,
	}
	if s.audit == nil {
		s.audit = shared.NopAuditRecorder{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "workflow"))
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListStepsWithDueDays materialises missing template steps and returns them with derived state.
func (s *Service) ListStepsWithDueDays(ctx context.Context, bookingID int64) (*StepList, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	steps, err := s.repo.ListSteps(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list steps: %w", err)
	}
	if len(steps) < TemplateSize {
		if err := s.repo.EnsureSteps(ctx, bookingID, StepTemplate); err != nil {
			return nil, fmt.Errorf("workflow: ensure steps: %w", err)
		}
		if steps, err = s.repo.ListSteps(ctx, bookingID); err != nil {
			return nil, fmt.Errorf("workflow: list steps: %w", err)
		}
	}
	return &StepList{
		BookingID:       booking.ID,
		ProgressPercent: booking.ProgressPercent,
		CertificateURL:  booking.CertificateURL,
		Steps:           ComputeDueDays(steps, booking.CreatedAt, s.now(), s.loc),
	}, nil
}

type completeOptions struct {
	admin   bool
	actorID int64
}

// CompleteStep is the staff transition: notes are mandatory and only an active step can be completed.
func (s *Service) CompleteStep(ctx context.Context, stepID int64, notes string) (*CompletionResult, error) {
	return s.complete(ctx, stepID, notes, completeOptions{})
}

// AdminCompleteStep completes any open step, with or without notes.
func (s *Service) AdminCompleteStep(ctx context.Context, stepID int64, notes string, actorID int64) (*CompletionResult, error) {
	return s.complete(ctx, stepID, notes, completeOptions{admin: true, actorID: actorID})
}

func (s *Service) complete(ctx context.Context, stepID int64, notes string, opts completeOptions) (*CompletionResult, error) {
	notes = strings.TrimSpace(notes)
	var result CompletionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		step, err := repo.GetStepForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if step.Completed {
			return fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrAlreadyCompleted)
		}
		if !opts.admin && step.Name == CertificateStep {
			return fmt.Errorf("workflow: step %d is closed by certificate issuance: %w", stepID, shared.ErrValidation)
		}
		if !opts.admin && notes == "" {
			return fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrNotesRequired)
		}
		if !opts.admin && step.StepOrder > 1 {
			prev, err := repo.GetStepByOrder(ctx, step.BookingID, step.StepOrder-1)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
			if prev == nil || !prev.Completed {
				return fmt.Errorf("workflow: step %d waits for step %d: %w", stepID, step.StepOrder-1, shared.ErrStepNotActive)
			}
		}
		at := s.now()
		var notesPtr *string
		if notes != "" {
			notesPtr = &notes
		}
		if err := repo.MarkCompleted(ctx, stepID, at, notesPtr); err != nil {
			return err
		}
		pct, err := s.recomputeProgress(ctx, repo, step.BookingID)
		if err != nil {
			return err
		}
		step.Completed = true
		step.CompletedAt = &at
		step.Notes = notesPtr
		result.Step = *step
		result.ProgressPercent = pct
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("step completed",
		slog.Int64("booking_id", result.Step.BookingID),
		slog.Int64("step_id", stepID),
		slog.String("step", result.Step.Name),
		slog.Int("progress_percent", result.ProgressPercent),
	)
	if opts.admin {
		s.recordAudit(ctx, opts.actorID, shared.AuditStepAdminComplete, "lead_step", stepID, map[string]any{
			"booking_id": result.Step.BookingID,
			"step":       result.Step.Name,
		})
	}
	result.Certificate = s.cascade(ctx, result.Step.BookingID)
	return &result, nil
}

// UndoStep reopens a completed step. An issued certificate is left in place.
func (s *Service) UndoStep(ctx context.Context, stepID, actorID int64) (*CompletionResult, error) {
	var result CompletionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		step, err := repo.GetStepForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if !step.Completed {
			return fmt.Errorf("workflow: step %d is not completed: %w", stepID, shared.ErrValidation)
		}
		if err := repo.ResetStep(ctx, stepID); err != nil {
			return err
		}
		pct, err := s.recomputeProgress(ctx, repo, step.BookingID)
		if err != nil {
			return err
		}
		step.Completed = false
		step.CompletedAt = nil
		result.Step = *step
		result.ProgressPercent = pct
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, shared.AuditStepUndo, "lead_step", stepID, map[string]any{
		"booking_id": result.Step.BookingID,
		"step":       result.Step.Name,
	})
	return &result, nil
}

func (s *Service) recomputeProgress(ctx context.Context, repo Repository, bookingID int64) (int, error) {
	completed, err := repo.CountCompleted(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	pct := progressPercent(completed)
	if err := repo.UpdateProgress(ctx, bookingID, pct); err != nil {
		return 0, err
	}
	return pct, nil
}

// cascade runs issuance after a committed completion. Failures are logged and surface only
// in the outcome.
func (s *Service) cascade(ctx context.Context, bookingID int64) *CertificateOutcome {
	outcome, err := s.IssueCertificate(ctx, bookingID)
	if err != nil {
		s.logger.Error("certificate issuance failed, left for retry",
			slog.Int64("booking_id", bookingID),
			slog.Any("error", err),
		)
		return &CertificateOutcome{Reason: ReasonFailed}
	}
	if outcome.Reason == ReasonStepsPending || outcome.Reason == ReasonAlreadyIssued {
		return nil
	}
	return outcome
}

// IssueCertificate issues the booking's certificate when every non-certificate step is done
// and none was issued yet. It is safe to call repeatedly.
func (s *Service) IssueCertificate(ctx context.Context, bookingID int64) (*CertificateOutcome, error) {
	if _, _, outcome, err := s.loadForCertificate(ctx, bookingID); err != nil || outcome != nil {
		return outcome, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.CertificateLockKey(bookingID))
		if err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				s.metrics.ObserveCertificate(ReasonLockHeld)
				return &CertificateOutcome{Reason: ReasonLockHeld}, nil
			}
			s.metrics.ObserveCertificate(ReasonFailed)
			return nil, fmt.Errorf("workflow: certificate lock: %w: %w", shared.ErrIntegrationFailure, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release certificate lock", slog.Int64("booking_id", bookingID), slog.Any("error", err))
			}
		}()
	}

	// Re-read under the lock; another holder may have finished in between.
	booking, steps, outcome, err := s.loadForCertificate(ctx, bookingID)
	if err != nil || outcome != nil {
		return outcome, err
	}
	installDate := latestCompletion(steps)
	if installDate.IsZero() {
		installDate = s.now()
	}
	installDate = installDate.In(s.loc)
	certID := certificate.NewID(installDate, booking.ID)

	url, err := s.issuer.Issue(ctx, certificate.IssueRequest{
		BookingID:     booking.ID,
		CustomerName:  booking.CustomerName,
		ProjectType:   booking.ProjectType,
		SizeKW:        booking.SystemSizeKW,
		InstallDate:   installDate,
		Location:      certificate.FormatLocation(booking.Address, booking.City, booking.State),
		CertificateID: certID,
	})
	if err != nil {
		s.metrics.ObserveCertificate(ReasonFailed)
		if !errors.Is(err, shared.ErrIntegrationFailure) {
			err = fmt.Errorf("workflow: issue certificate: %w: %w", shared.ErrIntegrationFailure, err)
		}
		return nil, err
	}

	stored := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		stored, err = repo.SetCertificate(ctx, booking.ID, url, certID)
		if err != nil || !stored {
			return err
		}
		notes := certificateNotes
		if err := repo.MarkCompletedByName(ctx, booking.ID, CertificateStep, s.now(), &notes); err != nil {
			return err
		}
		_, err = s.recomputeProgress(ctx, repo, booking.ID)
		return err
	})
	if err != nil {
		s.metrics.ObserveCertificate(ReasonFailed)
		return nil, fmt.Errorf("workflow: record certificate: %w: %w", shared.ErrIntegrationFailure, err)
	}
	if !stored {
		s.metrics.ObserveCertificate(ReasonAlreadyIssued)
		return &CertificateOutcome{Reason: ReasonAlreadyIssued}, nil
	}

	s.metrics.ObserveCertificate(resultIssued)
	s.logger.Info("certificate issued",
		slog.Int64("booking_id", booking.ID),
		slog.String("certificate_id", certID),
	)
	s.recordAudit(ctx, 0, shared.AuditCertificateIssued, "booking", booking.ID, map[string]any{
		"certificate_id": certID,
		"url":            url,
	})
	return &CertificateOutcome{Issued: true, URL: url, CertificateID: certID}, nil
}

// loadForCertificate returns a non-nil outcome when issuance must not proceed.
func (s *Service) loadForCertificate(ctx context.Context, bookingID int64) (*Booking, []Step, *CertificateOutcome, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, nil, err
	}
	if booking.HasCertificate() {
		return booking, nil, &CertificateOutcome{Reason: ReasonAlreadyIssued, URL: *booking.CertificateURL}, nil
	}
	steps, err := s.repo.ListSteps(ctx, bookingID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !prerequisitesDone(steps) {
		return booking, steps, &CertificateOutcome{Reason: ReasonStepsPending}, nil
	}
	return booking, steps, nil, nil
}

// prerequisitesDone reports whether every non-certificate template step exists and is completed.
func prerequisitesDone(steps []Step) bool {
	done := 0
	for _, st := range steps {
		if st.Name == CertificateStep {
			continue
		}
		if !st.Completed {
			return false
		}
		done++
	}
	return done >= TemplateSize-1
}

func latestCompletion(steps []Step) time.Time {
	var latest time.Time
	for _, st := range steps {
		if st.Name == CertificateStep || st.CompletedAt == nil {
			continue
		}
		if st.CompletedAt.After(latest) {
			latest = *st.CompletedAt
		}
	}
	return latest
}

// ListAwaitingCertificate returns bookings whose steps are done but have no certificate.
func (s *Service) ListAwaitingCertificate(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return s.repo.ListAwaitingCertificate(ctx, limit)
}

// SweepCertificates retries issuance for bookings left without a certificate.
func (s *Service) SweepCertificates(ctx context.Context, limit int) (int, error) {
	ids, err := s.ListAwaitingCertificate(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("workflow: list awaiting certificate: %w", err)
	}
	issued := 0
	var failures int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return issued, err
		}
		outcome, err := s.IssueCertificate(ctx, id)
		if err != nil {
			failures++
			s.logger.Warn("certificate sweep", slog.Int64("booking_id", id), slog.Any("error", err))
			continue
		}
		if outcome.Issued {
			issued++
		}
	}
	if failures > 0 {
		return issued, fmt.Errorf("workflow: %d of %d certificates failed: %w", failures, len(ids), shared.ErrIntegrationFailure)
	}
	return issued, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
