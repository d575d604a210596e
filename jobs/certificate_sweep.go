package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/solarix/solarix/internal/jobs"
)

type certificateSweeper interface {
	SweepCertificates(ctx context.Context, limit int) (int, error)
}

// CertificateSweepJob issues certificates that a failed cascade left behind.
type CertificateSweepJob struct {
	Sweeper certificateSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCertificateSweepJob wires dependencies for the sweep handler.
func NewCertificateSweepJob(sweeper certificateSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *CertificateSweepJob {
	return &CertificateSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock:   time.Now,
	}
}

// Handle processes TaskCertificateSweep.
func (j *CertificateSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("certificate sweep: handler not configured")
	}
	var payload CertificateSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("certificate sweep: malformed payload: %w", asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskCertificateSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	logger := j.logger()
	issued, err := j.Sweeper.SweepCertificates(ctx, payload.Limit)
	j.metrics().AddItems(TaskCertificateSweep, issued)
	if err != nil {
		logger.Error("certificate sweep", slog.Int("issued", issued), slog.Any("error", err))
		return err
	}
	logger.Info("completed certificate sweep", slog.Int("issued", issued), slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *CertificateSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCertificateSweep))
	}
	return slog.Default().With(slog.String("job", TaskCertificateSweep))
}

func (j *CertificateSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CertificateSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
