package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solarix/solarix/internal/platform/db"
	"github.com/solarix/solarix/internal/shared"
)

// ErrCodeTaken is returned when a generated referral code collides with an existing one.
var ErrCodeTaken = errors.New("referral: code already taken")

// Repository is the referral graph store.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Get(ctx context.Context, id int64) (*Customer, error)
	GetByReferralCode(ctx context.Context, code string) (*Customer, error)
	Create(ctx context.Context, customer Customer) (int64, error)
	SetReferralCode(ctx context.Context, id int64, code string) error
	SetReferrer(ctx context.Context, id, referrerID int64, level int) error
	ListByReferrer(ctx context.Context, referrerID int64) ([]Customer, error)
}

type repository struct {
	db   db.DBTX
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres backed referral graph store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

const customerColumns = `id, name, email, phone, referral_code, referred_by, level, created_at, updated_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.ReferralCode, &c.ReferredBy, &c.Level, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*Customer, error) {
	c, err := scanCustomer(r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("referral: customer %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) GetByReferralCode(ctx context.Context, code string) (*Customer, error) {
	c, err := scanCustomer(r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE referral_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("referral: code %q: %w", code, shared.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) Create(ctx context.Context, c Customer) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO customers (name, email, phone, referral_code, referred_by, level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id`,
		c.Name, c.Email, c.Phone, c.ReferralCode, c.ReferredBy, c.Level,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrCodeTaken
		}
		return 0, err
	}
	return id, nil
}

// SetReferralCode assigns a code only when none is set yet.
func (r *repository) SetReferralCode(ctx context.Context, id int64, code string) error {
	tag, err := r.db.Exec(ctx, `UPDATE customers SET referral_code = $1, updated_at = NOW() WHERE id = $2 AND referral_code IS NULL`, code, id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrCodeTaken
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral: customer %d code already assigned: %w", id, ErrCodeTaken)
	}
	return nil
}

// SetReferrer writes the referrer once; a customer that already has one is left unchanged.
func (r *repository) SetReferrer(ctx context.Context, id, referrerID int64, level int) error {
	tag, err := r.db.Exec(ctx, `UPDATE customers SET referred_by = $1, level = $2, updated_at = NOW() WHERE id = $3 AND referred_by IS NULL`, referrerID, level, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral: customer %d: %w", id, shared.ErrAlreadyReferred)
	}
	return nil
}

func (r *repository) ListByReferrer(ctx context.Context, referrerID int64) ([]Customer, error) {
	rows, err := r.db.Query(ctx, `SELECT `+customerColumns+` FROM customers WHERE referred_by = $1 ORDER BY created_at, id`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
