package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solarix/solarix/internal/platform/db"
	"github.com/solarix/solarix/internal/shared"
)

// Repository is the commission ledger store.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	GetSettings(ctx context.Context) (*Settings, error)
	InsertDefaultSettings(ctx context.Context, settings Settings) error
	UpdateSettings(ctx context.Context, settings Settings) (*Settings, error)
	InsertDispatch(ctx context.Context, dedupeKey string, bookingID *int64) error
	CreateCommission(ctx context.Context, c Commission) (int64, error)
	CreditWallet(ctx context.Context, customerID int64, amount float64) error
	GetWallet(ctx context.Context, customerID int64) (*Wallet, error)
	ListCommissions(ctx context.Context, recipientID int64, limit int) ([]Commission, error)
	GetBooking(ctx context.Context, id int64) (*Booking, error)
}

type repository struct {
	db   db.DBTX
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres backed commission store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

// WithTx runs fn at read committed. Wallet credits are single-statement increments.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.db.QueryRow(ctx, `
		SELECT max_payout_percent, level1_percent, level2_percent, level3_percent, updated_at
		FROM ml_settings WHERE id = $1`, SettingsID,
	).Scan(&s.MaxPayoutPercent, &s.Level1Percent, &s.Level2Percent, &s.Level3Percent, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("commission: settings: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *repository) InsertDefaultSettings(ctx context.Context, s Settings) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ml_settings (id, max_payout_percent, level1_percent, level2_percent, level3_percent, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING`,
		SettingsID, s.MaxPayoutPercent, s.Level1Percent, s.Level2Percent, s.Level3Percent,
	)
	return err
}

func (r *repository) UpdateSettings(ctx context.Context, s Settings) (*Settings, error) {
	var out Settings
	err := r.db.QueryRow(ctx, `
		INSERT INTO ml_settings (id, max_payout_percent, level1_percent, level2_percent, level3_percent, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			max_payout_percent = EXCLUDED.max_payout_percent,
			level1_percent = EXCLUDED.level1_percent,
			level2_percent = EXCLUDED.level2_percent,
			level3_percent = EXCLUDED.level3_percent,
			updated_at = NOW()
		RETURNING max_payout_percent, level1_percent, level2_percent, level3_percent, updated_at`,
		SettingsID, s.MaxPayoutPercent, s.Level1Percent, s.Level2Percent, s.Level3Percent,
	).Scan(&out.MaxPayoutPercent, &out.Level1Percent, &out.Level2Percent, &out.Level3Percent, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertDispatch claims a dedupe key. A key that was already claimed yields ErrAlreadyDistributed.
func (r *repository) InsertDispatch(ctx context.Context, dedupeKey string, bookingID *int64) error {
	_, err := r.db.Exec(ctx, `INSERT INTO commission_dispatches (dedupe_key, booking_id, created_at) VALUES ($1, $2, NOW())`, dedupeKey, bookingID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("commission: dedupe key %q: %w", dedupeKey, shared.ErrAlreadyDistributed)
		}
		return err
	}
	return nil
}

func (r *repository) CreateCommission(ctx context.Context, c Commission) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO commissions (recipient_id, from_customer_id, level_from_downline, amount, booking_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id`,
		c.RecipientID, c.FromCustomerID, c.LevelFromDownline, c.Amount, c.BookingID,
	).Scan(&id)
	return id, err
}

// CreditWallet adds amount to the balance, creating the wallet on first credit.
func (r *repository) CreditWallet(ctx context.Context, customerID int64, amount float64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO wallets (customer_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (customer_id) DO UPDATE SET
			balance = wallets.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		customerID, amount,
	)
	return err
}

func (r *repository) GetWallet(ctx context.Context, customerID int64) (*Wallet, error) {
	var w Wallet
	err := r.db.QueryRow(ctx, `SELECT customer_id, balance, updated_at FROM wallets WHERE customer_id = $1`, customerID).
		Scan(&w.CustomerID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("commission: wallet %d: %w", customerID, shared.ErrNotFound)
		}
		return nil, err
	}
	return &w, nil
}

func (r *repository) ListCommissions(ctx context.Context, recipientID int64, limit int) ([]Commission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, recipient_id, from_customer_id, level_from_downline, amount, booking_id, created_at
		FROM commissions WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Commission
	for rows.Next() {
		var c Commission
		if err := rows.Scan(&c.ID, &c.RecipientID, &c.FromCustomerID, &c.LevelFromDownline, &c.Amount, &c.BookingID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repository) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	var b Booking
	err := r.db.QueryRow(ctx, `SELECT id, customer_id, total_payable FROM bookings WHERE id = $1`, id).
		Scan(&b.ID, &b.CustomerID, &b.TotalPayable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("commission: booking %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &b, nil
}
