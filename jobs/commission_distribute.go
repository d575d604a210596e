package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/solarix/solarix/internal/commission"
	jobmetrics "github.com/solarix/solarix/internal/jobs"
	"github.com/solarix/solarix/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

type purchaseDistributor interface {
	DistributeForPurchase(ctx context.Context, event commission.PurchaseEvent) (*commission.Result, error)
}

// CommissionDistributeJob pays upline commissions for purchase events.
type CommissionDistributeJob struct {
	Distributor purchaseDistributor
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewCommissionDistributeJob wires dependencies for the purchase handler.
func NewCommissionDistributeJob(distributor purchaseDistributor, logger *slog.Logger, metrics *jobmetrics.Metrics) *CommissionDistributeJob {
	return &CommissionDistributeJob{Distributor: distributor, Logger: logger, Metrics: metrics}
}

// Handle processes TaskCommissionDistribute. Caller errors and redeliveries are not retried.
func (j *CommissionDistributeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Distributor == nil {
		return errors.New("commission distribute: handler not configured")
	}
	var payload CommissionDistributePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.BookingID <= 0 {
		j.logger().Warn("discard malformed purchase event", slog.String("payload", string(t.Payload())))
		return fmt.Errorf("commission distribute: malformed payload: %w", asynq.SkipRetry)
	}
	if payload.DedupeKey == "" {
		payload.DedupeKey = shared.PurchaseDedupeKey(payload.BookingID)
	}

	tracker := j.metrics().Track(TaskCommissionDistribute)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("booking_id", payload.BookingID), slog.String("dedupe_key", payload.DedupeKey))
	result, err := j.Distributor.DistributeForPurchase(ctx, commission.PurchaseEvent{
		BookingID: payload.BookingID,
		DedupeKey: payload.DedupeKey,
	})
	switch {
	case errors.Is(err, shared.ErrAlreadyDistributed):
		logger.Info("purchase event already distributed")
		return nil
	case err != nil && shared.IsCallerError(err):
		logger.Warn("purchase event rejected", slog.Any("error", err))
		return fmt.Errorf("commission distribute: %w: %w", err, asynq.SkipRetry)
	case err != nil:
		logger.Error("distribute purchase", slog.Any("error", err))
		return err
	}

	j.metrics().AddItems(TaskCommissionDistribute, result.Count)
	logger.Info("purchase commissions distributed",
		slog.Int("count", result.Count),
		slog.Float64("total", result.TotalDistributed),
	)
	return nil
}

func (j *CommissionDistributeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCommissionDistribute))
	}
	return slog.Default().With(slog.String("job", TaskCommissionDistribute))
}

func (j *CommissionDistributeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
