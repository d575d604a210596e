package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solarix/solarix/internal/platform/db"
	"github.com/solarix/solarix/internal/shared"
)

// Repository is the booking step store.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	GetBooking(ctx context.Context, id int64) (*Booking, error)
	EnsureSteps(ctx context.Context, bookingID int64, names []string) error
	ListSteps(ctx context.Context, bookingID int64) ([]Step, error)
	GetStepForUpdate(ctx context.Context, stepID int64) (*Step, error)
	GetStepByOrder(ctx context.Context, bookingID int64, order int) (*Step, error)
	MarkCompleted(ctx context.Context, stepID int64, at time.Time, notes *string) error
	MarkCompletedByName(ctx context.Context, bookingID int64, name string, at time.Time, notes *string) error
	ResetStep(ctx context.Context, stepID int64) error
	CountCompleted(ctx context.Context, bookingID int64) (int, error)
	UpdateProgress(ctx context.Context, bookingID int64, percent int) error
	SetCertificate(ctx context.Context, bookingID int64, url, certificateID string) (bool, error)
	ListAwaitingCertificate(ctx context.Context, limit int) ([]int64, error)
}

type repository struct {
	db   db.DBTX
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres backed step store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	var b Booking
	err := r.db.QueryRow(ctx, `
		SELECT b.id, b.customer_id, COALESCE(c.name, ''), b.project_type, b.system_size_kw,
		       b.address, b.city, b.state, b.progress_percent, b.certificate_url, b.certificate_id, b.created_at
		FROM bookings b
		LEFT JOIN customers c ON c.id = b.customer_id
		WHERE b.id = $1`, id,
	).Scan(&b.ID, &b.CustomerID, &b.CustomerName, &b.ProjectType, &b.SystemSizeKW,
		&b.Address, &b.City, &b.State, &b.ProgressPercent, &b.CertificateURL, &b.CertificateID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow: booking %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &b, nil
}

// EnsureSteps inserts missing template rows. Concurrent callers converge on one row per order.
func (r *repository) EnsureSteps(ctx context.Context, bookingID int64, names []string) error {
	batch := &pgx.Batch{}
	for i, name := range names {
		batch.Queue(`
			INSERT INTO lead_steps (booking_id, step_order, name, completed, created_at)
			VALUES ($1, $2, $3, FALSE, NOW())
			ON CONFLICT (booking_id, step_order) DO NOTHING`, bookingID, i+1, name)
	}
	results := r.db.SendBatch(ctx, batch)
	for range names {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

const stepColumns = `id, booking_id, step_order, name, completed, completed_at, notes`

func scanStep(row pgx.Row) (*Step, error) {
	var s Step
	if err := row.Scan(&s.ID, &s.BookingID, &s.StepOrder, &s.Name, &s.Completed, &s.CompletedAt, &s.Notes); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) ListSteps(ctx context.Context, bookingID int64) ([]Step, error) {
	rows, err := r.db.Query(ctx, `SELECT `+stepColumns+` FROM lead_steps WHERE booking_id = $1 ORDER BY step_order`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

func (r *repository) GetStepForUpdate(ctx context.Context, stepID int64) (*Step, error) {
	s, err := scanStep(r.db.QueryRow(ctx, `SELECT `+stepColumns+` FROM lead_steps WHERE id = $1 FOR UPDATE`, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrNotFound)
		}
		return nil, err
	}
	return s, nil
}

func (r *repository) GetStepByOrder(ctx context.Context, bookingID int64, order int) (*Step, error) {
	s, err := scanStep(r.db.QueryRow(ctx, `SELECT `+stepColumns+` FROM lead_steps WHERE booking_id = $1 AND step_order = $2`, bookingID, order))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow: booking %d step %d: %w", bookingID, order, shared.ErrNotFound)
		}
		return nil, err
	}
	return s, nil
}

func (r *repository) MarkCompleted(ctx context.Context, stepID int64, at time.Time, notes *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE lead_steps SET completed = TRUE, completed_at = $2, notes = $3 WHERE id = $1 AND NOT completed`, stepID, at, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow: step %d: %w", stepID, shared.ErrAlreadyCompleted)
	}
	return nil
}

// MarkCompletedByName completes the named step if it is still open.
func (r *repository) MarkCompletedByName(ctx context.Context, bookingID int64, name string, at time.Time, notes *string) error {
	_, err := r.db.Exec(ctx, `UPDATE lead_steps SET completed = TRUE, completed_at = $3, notes = COALESCE($4, notes) WHERE booking_id = $1 AND name = $2 AND NOT completed`, bookingID, name, at, notes)
	return err
}

func (r *repository) ResetStep(ctx context.Context, stepID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE lead_steps SET completed = FALSE, completed_at = NULL WHERE id = $1`, stepID)
	return err
}

func (r *repository) CountCompleted(ctx context.Context, bookingID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM lead_steps WHERE booking_id = $1 AND completed`, bookingID).Scan(&n)
	return n, err
}

func (r *repository) UpdateProgress(ctx context.Context, bookingID int64, percent int) error {
	_, err := r.db.Exec(ctx, `UPDATE bookings SET progress_percent = $2, updated_at = NOW() WHERE id = $1`, bookingID, percent)
	return err
}

// SetCertificate records the handle once. It reports false when one was already stored.
func (r *repository) SetCertificate(ctx context.Context, bookingID int64, url, certificateID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET certificate_url = $2, certificate_id = $3, updated_at = NOW()
		WHERE id = $1 AND (certificate_url IS NULL OR certificate_url = '')`, bookingID, url, certificateID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) ListAwaitingCertificate(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT b.id
		FROM bookings b
		JOIN lead_steps s ON s.booking_id = b.id
		WHERE (b.certificate_url IS NULL OR b.certificate_url = '')
		  AND s.name <> $1 AND s.completed
		GROUP BY b.id
		HAVING COUNT(*) >= $2
		ORDER BY b.id
		LIMIT $3`, CertificateStep, TemplateSize-1, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
