package referral

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/solarix/solarix/internal/shared"
)

const (
	codePrefix       = "SLX"
	codeAttempts     = 5
	cycleScanLimit   = 10_000
	defaultLogSource = "referral"
)

// Service exposes the referral graph operations.
type Service struct {
	repo    Repository
	audit   shared.AuditRecorder
	logger  *slog.Logger
	newCode func() (string, error)
}

// NewService constructs a referral Service.
func NewService(repo Repository, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		logger:  logger.With(slog.String("component", defaultLogSource)),
		newCode: generateCode,
	}
}

// GetCustomer returns a customer by id.
func (s *Service) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	return s.repo.Get(ctx, id)
}

// FindByReferralCode resolves a referral code to its owner.
func (s *Service) FindByReferralCode(ctx context.Context, code string) (*Customer, error) {
	code = normaliseCode(code)
	if code == "" {
		return nil, fmt.Errorf("referral: empty code: %w", shared.ErrValidation)
	}
	return s.repo.GetByReferralCode(ctx, code)
}

// ResolveUpline walks referred_by pointers upward from customerID and returns at most
// maxDepth ancestors ordered by depth. A non-positive maxDepth uses DefaultMaxDepth.
func (s *Service) ResolveUpline(ctx context.Context, customerID int64, maxDepth int) ([]Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	start, err := s.repo.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return walkUpline(ctx, s.repo, s.logger, start, maxDepth)
}

// walkUpline is iterative and stops at the root, after limit hops, or when a node repeats.
func walkUpline(ctx context.Context, repo Repository, logger *slog.Logger, start *Customer, limit int) ([]Ancestor, error) {
	visited := map[int64]struct{}{start.ID: {}}
	upline := make([]Ancestor, 0, min(limit, DefaultMaxDepth))
	current := start
	for depth := 1; depth <= limit; depth++ {
		if current.ReferredBy == nil {
			break
		}
		parentID := *current.ReferredBy
		if _, seen := visited[parentID]; seen {
			logger.Warn("referral cycle detected during upline walk",
				slog.Int64("customer_id", start.ID),
				slog.Int64("revisited_id", parentID),
			)
			break
		}
		visited[parentID] = struct{}{}
		parent, err := repo.Get(ctx, parentID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				logger.Warn("dangling referrer pointer",
					slog.Int64("customer_id", current.ID),
					slog.Int64("referred_by", parentID),
				)
				break
			}
			return nil, err
		}
		upline = append(upline, Ancestor{CustomerID: parent.ID, Depth: depth})
		current = parent
	}
	return upline, nil
}

// Register onboards a customer, linking it to the owner of in.ReferralCode when given.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Customer, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("referral: name required: %w", shared.ErrValidation)
	}
	customer := Customer{Name: name, Email: in.Email, Phone: in.Phone}
	if code := normaliseCode(in.ReferralCode); code != "" {
		referrer, err := s.repo.GetByReferralCode(ctx, code)
		if err != nil {
			return nil, err
		}
		customer.ReferredBy = &referrer.ID
		customer.Level = referrer.Level + 1
	}

	var lastErr error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("referral: generate code: %w", err)
		}
		customer.ReferralCode = &code
		id, err := s.repo.Create(ctx, customer)
		if err == nil {
			customer.ID = id
			s.logger.Info("customer registered",
				slog.Int64("customer_id", id),
				slog.Int("level", customer.Level),
			)
			return &customer, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return nil, fmt.Errorf("referral: create customer: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("referral: create customer: %w", lastErr)
}

// EnsureReferralCode returns the customer's referral code, assigning one on first need.
func (s *Service) EnsureReferralCode(ctx context.Context, customerID int64) (string, error) {
	customer, err := s.repo.Get(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer.ReferralCode != nil && *customer.ReferralCode != "" {
		return *customer.ReferralCode, nil
	}
	var lastErr error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("referral: generate code: %w", err)
		}
		err = s.repo.SetReferralCode(ctx, customerID, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return "", fmt.Errorf("referral: assign code: %w", err)
		}
		lastErr = err
		// A concurrent caller may have won the race; its code is the stable one.
		current, getErr := s.repo.Get(ctx, customerID)
		if getErr != nil {
			return "", getErr
		}
		if current.ReferralCode != nil && *current.ReferralCode != "" {
			return *current.ReferralCode, nil
		}
	}
	return "", fmt.Errorf("referral: assign code: %w", lastErr)
}

// AttachReferrer backfills the referrer of a customer that has none. The level is assigned
// here once and never recomputed.
func (s *Service) AttachReferrer(ctx context.Context, customerID int64, referralCode string, actorID int64) (*Customer, error) {
	code := normaliseCode(referralCode)
	if code == "" {
		return nil, fmt.Errorf("referral: referral code required: %w", shared.ErrValidation)
	}
	var updated *Customer
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		target, err := repo.Get(ctx, customerID)
		if err != nil {
			return err
		}
		if target.ReferredBy != nil {
			return fmt.Errorf("referral: customer %d: %w", customerID, shared.ErrAlreadyReferred)
		}
		referrer, err := repo.GetByReferralCode(ctx, code)
		if err != nil {
			return err
		}
		if referrer.ID == target.ID {
			return fmt.Errorf("referral: customer %d cannot refer itself: %w", customerID, shared.ErrCycleDetected)
		}
		chain, err := walkUpline(ctx, repo, s.logger, referrer, cycleScanLimit)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.CustomerID == target.ID {
				return fmt.Errorf("referral: customer %d is already upline of %d: %w", customerID, referrer.ID, shared.ErrCycleDetected)
			}
		}
		level := referrer.Level + 1
		if err := repo.SetReferrer(ctx, target.ID, referrer.ID, level); err != nil {
			return err
		}
		target.ReferredBy = &referrer.ID
		target.Level = level
		updated = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditReferrerAttached,
		Entity:   "customer",
		EntityID: strconv.FormatInt(customerID, 10),
		Meta:     map[string]any{"referred_by": *updated.ReferredBy, "level": updated.Level},
	}); err != nil {
		s.logger.Warn("audit referrer attach", slog.Any("error", err))
	}
	return updated, nil
}

// ListDownline returns the direct referrals of a customer.
func (s *Service) ListDownline(ctx context.Context, customerID int64) ([]Customer, error) {
	if _, err := s.repo.Get(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListByReferrer(ctx, customerID)
}

func generateCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return codePrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}
