package referral

import (
	"strings"
	"time"
)

// DefaultMaxDepth bounds the upline walk used by the commission program.
const DefaultMaxDepth = 3

// Customer is a node in the referral forest.
type Customer struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        *string   `json:"email,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	ReferralCode *string   `json:"referral_code,omitempty"`
	ReferredBy   *int64    `json:"referred_by,omitempty"`
	Level        int       `json:"level"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ancestor is one hop of an upline walk. Depth 1 is the direct referrer.
type Ancestor struct {
	CustomerID int64 `json:"customer_id"`
	Depth      int   `json:"depth"`
}

// RegisterInput captures onboarding data for a new customer.
type RegisterInput struct {
	Name         string  `json:"name" validate:"required,max=200"`
	Email        *string `json:"email,omitempty" validate:"omitempty,email"`
	Phone        *string `json:"phone,omitempty" validate:"omitempty,max=30"`
	ReferralCode string  `json:"referral_code,omitempty" validate:"omitempty,max=32"`
}

// AttachReferrerInput backfills a referrer for an existing customer.
type AttachReferrerInput struct {
	ReferralCode string `json:"referral_code" validate:"required,max=32"`
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
