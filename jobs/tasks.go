package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/solarix/solarix/internal/commission"
	"github.com/solarix/solarix/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCommission carries purchase commission events.
	QueueCommission = "commission"

	// TaskCommissionDistribute distributes upline commissions for a booking purchase.
	TaskCommissionDistribute = "commission:distribute"
	// TaskCertificateSweep retries certificate issuance for finished bookings.
	TaskCertificateSweep = "certificate:sweep"

	// DefaultCertificateSweepCron runs the sweep every half hour.
	DefaultCertificateSweepCron = "*/30 * * * *"

	commissionMaxRetry     = 8
	commissionTaskIDPrefix = TaskCommissionDistribute + ":"
	sweepTimeout           = 10 * time.Minute
)

// CommissionDistributePayload is a purchase event.
type CommissionDistributePayload struct {
	BookingID int64  `json:"booking_id"`
	DedupeKey string `json:"dedupe_key"`
}

// CertificateSweepPayload bounds a sweep run.
type CertificateSweepPayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewCommissionDistributeTask builds a purchase task. The dedupe key doubles as the asynq
// task id so a second enqueue of the same event is rejected while the first is retained.
func NewCommissionDistributeTask(event commission.PurchaseEvent) (*asynq.Task, error) {
	if event.BookingID <= 0 {
		return nil, fmt.Errorf("jobs: booking id required: %w", shared.ErrValidation)
	}
	if event.DedupeKey == "" {
		event.DedupeKey = shared.PurchaseDedupeKey(event.BookingID)
	}
	body, err := json.Marshal(CommissionDistributePayload{BookingID: event.BookingID, DedupeKey: event.DedupeKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCommissionDistribute, body,
		asynq.Queue(QueueCommission),
		asynq.TaskID(commissionTaskIDPrefix+event.DedupeKey),
		asynq.MaxRetry(commissionMaxRetry),
		asynq.Retention(24*time.Hour),
	), nil
}

// commissionTaskID recovers the task id NewCommissionDistributeTask assigned from its payload.
func commissionTaskID(task *asynq.Task) string {
	var payload CommissionDistributePayload
	_ = json.Unmarshal(task.Payload(), &payload)
	return commissionTaskIDPrefix + payload.DedupeKey
}

// NewCertificateSweepTask builds a sweep task.
func NewCertificateSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(CertificateSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCertificateSweep, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(1),
		asynq.Timeout(sweepTimeout),
	), nil
}

// NewTask builds a task by type name with default arguments, for manual triggering.
func NewTask(taskType string, bookingID int64) (*asynq.Task, error) {
	switch taskType {
	case TaskCommissionDistribute:
		return NewCommissionDistributeTask(commission.PurchaseEvent{BookingID: bookingID})
	case TaskCertificateSweep:
		return NewCertificateSweepTask(0)
	default:
		return nil, fmt.Errorf("jobs: unknown task %q: %w", taskType, shared.ErrValidation)
	}
}

// RedisOpt turns REDIS_ADDR, host:port or a redis:// URL, into asynq connection options.
func RedisOpt(addr string) (asynq.RedisClientOpt, error) {
	if !strings.HasPrefix(addr, "redis://") && !strings.HasPrefix(addr, "rediss://") {
		return asynq.RedisClientOpt{Addr: addr}, nil
	}
	opt, err := asynq.ParseRedisURI(addr)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("jobs: redis uri: %w", err)
	}
	client, ok := opt.(asynq.RedisClientOpt)
	if !ok {
		return asynq.RedisClientOpt{}, fmt.Errorf("jobs: unsupported redis uri %q", addr)
	}
	return client, nil
}
