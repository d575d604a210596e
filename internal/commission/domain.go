package commission

import "time"

// SettingsID is the primary key of the singleton settings row.
const SettingsID = 1

// Settings holds the multi-level payout schedule. Percentages are 0..100.
type Settings struct {
	MaxPayoutPercent float64   `json:"max_payout_percent"`
	Level1Percent    float64   `json:"level1_percent"`
	Level2Percent    float64   `json:"level2_percent"`
	Level3Percent    float64   `json:"level3_percent"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultSettings returns the schedule used when no settings row exists yet.
func DefaultSettings() Settings {
	return Settings{
		MaxPayoutPercent: 4.0,
		Level1Percent:    2.0,
		Level2Percent:    1.0,
		Level3Percent:    1.0,
	}
}

// PercentForDepth returns the payout percent for an ancestor at depth. Depths outside 1..3 pay nothing.
func (s Settings) PercentForDepth(depth int) float64 {
	switch depth {
	case 1:
		return s.Level1Percent
	case 2:
		return s.Level2Percent
	case 3:
		return s.Level3Percent
	default:
		return 0
	}
}

// SettingsInput updates the payout schedule.
type SettingsInput struct {
	MaxPayoutPercent float64 `json:"max_payout_percent" validate:"gte=0,lte=100"`
	Level1Percent    float64 `json:"level1_percent" validate:"gte=0,lte=100"`
	Level2Percent    float64 `json:"level2_percent" validate:"gte=0,lte=100"`
	Level3Percent    float64 `json:"level3_percent" validate:"gte=0,lte=100"`
}

// Commission is an immutable ledger row.
type Commission struct {
	ID                int64     `json:"id"`
	RecipientID       int64     `json:"recipient_id"`
	FromCustomerID    int64     `json:"from_customer_id"`
	LevelFromDownline int       `json:"level_from_downline"`
	Amount            float64   `json:"amount"`
	BookingID         *int64    `json:"booking_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Wallet is the running commission balance of a customer.
type Wallet struct {
	CustomerID int64     `json:"customer_id"`
	Balance    float64   `json:"balance"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Payout is one recipient's share of a distribution.
type Payout struct {
	CustomerID int64   `json:"customer_id"`
	Depth      int     `json:"depth"`
	Amount     float64 `json:"amount"`
}

// Result summarises a distribution.
type Result struct {
	Count            int      `json:"count"`
	TotalDistributed float64  `json:"total_distributed"`
	Recipients       []Payout `json:"recipients"`
	Scaled           bool     `json:"scaled"`
}

// DistributeInput is the manual distribution payload.
type DistributeInput struct {
	SourceCustomerID int64   `json:"source_customer_id" validate:"required,gt=0"`
	GrossAmount      float64 `json:"gross_amount"`
}

// PurchaseEvent identifies a booking purchase whose commissions must be paid once.
type PurchaseEvent struct {
	BookingID int64  `json:"booking_id"`
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// Booking is the slice of a booking the distributor needs.
type Booking struct {
	ID           int64
	CustomerID   *int64
	TotalPayable float64
}
