package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/solarix/solarix/internal/referral"
	"github.com/solarix/solarix/internal/shared"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	settingsFlight   = "ml_settings"
)

// UplineResolver resolves the ancestors that share in a purchase.
type UplineResolver interface {
	ResolveUpline(ctx context.Context, customerID int64, maxDepth int) ([]referral.Ancestor, error)
}

// Metrics receives distribution outcomes.
type Metrics interface {
	ObserveDistribution(recipients int, amount float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDistribution(int, float64) {}

// Service distributes purchase commissions across the referral upline.
type Service struct {
	repo     Repository
	resolver UplineResolver
	audit    shared.AuditRecorder
	metrics  Metrics
	logger   *slog.Logger
	flight   singleflight.Group
}

// NewService constructs a commission Service.
func NewService(repo Repository, resolver UplineResolver, audit shared.AuditRecorder, metrics Metrics, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		audit:    audit,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "commission")),
	}
}

// Distribute pays the upline of sourceCustomerID its share of grossAmount.
func (s *Service) Distribute(ctx context.Context, sourceCustomerID int64, grossAmount float64) (*Result, error) {
	return s.distribute(ctx, sourceCustomerID, grossAmount, nil, "")
}

// DistributeForPurchase pays commissions for a booking purchase at most once per dedupe key.
func (s *Service) DistributeForPurchase(ctx context.Context, event PurchaseEvent) (*Result, error) {
	booking, err := s.repo.GetBooking(ctx, event.BookingID)
	if err != nil {
		return nil, err
	}
	key := event.DedupeKey
	if key == "" {
		key = shared.PurchaseDedupeKey(booking.ID)
	}
	if booking.CustomerID == nil {
		err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			return claimDispatch(ctx, repo, key, &booking.ID)
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("booking has no customer, skipping commission", slog.Int64("booking_id", booking.ID))
		return &Result{Recipients: []Payout{}}, nil
	}
	return s.distribute(ctx, *booking.CustomerID, booking.TotalPayable, &booking.ID, key)
}

func (s *Service) distribute(ctx context.Context, sourceID int64, gross float64, bookingID *int64, dedupeKey string) (*Result, error) {
	if math.IsNaN(gross) || math.IsInf(gross, 0) || gross <= 0 {
		return nil, fmt.Errorf("commission: gross amount %v: %w", gross, shared.ErrInvalidAmount)
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	upline, err := s.resolver.ResolveUpline(ctx, sourceID, referral.DefaultMaxDepth)
	if err != nil {
		return nil, err
	}
	result := Plan(*settings, gross, upline)
	if len(result.Recipients) == 0 && dedupeKey == "" {
		return result, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if dedupeKey != "" {
			if err := claimDispatch(ctx, repo, dedupeKey, bookingID); err != nil {
				return err
			}
		}
		for _, p := range result.Recipients {
			if _, err := repo.CreateCommission(ctx, Commission{
				RecipientID:       p.CustomerID,
				FromCustomerID:    sourceID,
				LevelFromDownline: p.Depth,
				Amount:            p.Amount,
				BookingID:         bookingID,
			}); err != nil {
				return fmt.Errorf("commission: ledger row for %d: %w: %w", p.CustomerID, shared.ErrIntegrationFailure, err)
			}
			if err := repo.CreditWallet(ctx, p.CustomerID, p.Amount); err != nil {
				return fmt.Errorf("commission: credit wallet %d: %w: %w", p.CustomerID, shared.ErrIntegrationFailure, err)
			}
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrAlreadyDistributed):
		s.logger.Info("purchase already distributed", slog.String("dedupe_key", dedupeKey))
		return nil, err
	default:
		s.logger.Error("distribute commission",
			slog.Int64("source_customer_id", sourceID),
			slog.Any("error", err),
		)
		if !errors.Is(err, shared.ErrIntegrationFailure) {
			err = fmt.Errorf("commission: distribute: %w: %w", shared.ErrIntegrationFailure, err)
		}
		return nil, err
	}

	s.metrics.ObserveDistribution(result.Count, result.TotalDistributed)
	s.logger.Info("commission distributed",
		slog.Int64("source_customer_id", sourceID),
		slog.Int("recipients", result.Count),
		slog.Float64("total", result.TotalDistributed),
		slog.Bool("scaled", result.Scaled),
	)
	return result, nil
}

// claimDispatch records a purchase event's dedupe key inside the distribution transaction.
func claimDispatch(ctx context.Context, repo Repository, key string, bookingID *int64) error {
	if err := repo.InsertDispatch(ctx, key, bookingID); err != nil {
		if errors.Is(err, shared.ErrAlreadyDistributed) {
			return err
		}
		return fmt.Errorf("commission: claim %q: %w: %w", key, shared.ErrIntegrationFailure, err)
	}
	return nil
}

// Plan computes the payouts for gross across upline. When the nominal schedule would exceed
// the cap, every amount is scaled by cap/total. Amounts are whole cents: each is floored and
// the leftover cents go to the largest remainders, so the ledger total never exceeds the cap
// once stored. Payouts that round to zero are dropped.
func Plan(settings Settings, gross float64, upline []referral.Ancestor) *Result {
	capAmount := settings.MaxPayoutPercent / 100 * gross
	raw := make([]Payout, 0, len(upline))
	total := 0.0
	for _, a := range upline {
		amount := settings.PercentForDepth(a.Depth) / 100 * gross
		raw = append(raw, Payout{CustomerID: a.CustomerID, Depth: a.Depth, Amount: amount})
		total += amount
	}

	result := &Result{Recipients: make([]Payout, 0, len(raw))}
	factor := 1.0
	if total > 0 && total > capAmount {
		factor = capAmount / total
		result.Scaled = true
	}

	cents := make([]int64, len(raw))
	remainders := make([]float64, len(raw))
	exactTotal := 0.0
	var floored int64
	for i, p := range raw {
		exact := toCents(p.Amount * factor)
		if exact <= 0 {
			continue
		}
		cents[i] = int64(math.Floor(exact))
		remainders[i] = exact - float64(cents[i])
		exactTotal += exact
		floored += cents[i]
	}
	target := int64(math.Round(exactTotal))
	if capCents := int64(math.Floor(toCents(capAmount))); target > capCents {
		target = capCents
	}
	order := make([]int, len(raw))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return remainders[order[a]] > remainders[order[b]] })
	for _, i := range order {
		if floored >= target || remainders[i] <= 0 {
			break
		}
		cents[i]++
		floored++
	}

	var paid int64
	for i, p := range raw {
		if cents[i] <= 0 {
			continue
		}
		p.Amount = float64(cents[i]) / 100
		result.Recipients = append(result.Recipients, p)
		paid += cents[i]
	}
	result.TotalDistributed = float64(paid) / 100
	result.Count = len(result.Recipients)
	return result
}

// toCents converts an amount to cents, dropping float noise below a millionth of a cent.
func toCents(amount float64) float64 {
	return math.Round(amount*100*1e6) / 1e6
}

// Settings returns the payout schedule, creating the default row on first use.
func (s *Service) Settings(ctx context.Context) (*Settings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("commission: load settings: %w", err)
	}
	// The flight outlives any single caller, so it must not inherit a caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(settingsFlight, func() (interface{}, error) {
		if err := s.repo.InsertDefaultSettings(flightCtx, DefaultSettings()); err != nil {
			return nil, err
		}
		return s.repo.GetSettings(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("commission: create settings: %w", res.Err)
		}
		clone := *res.Val.(*Settings)
		return &clone, nil
	}
}

// UpdateSettings replaces the payout schedule.
func (s *Service) UpdateSettings(ctx context.Context, in SettingsInput, actorID int64) (*Settings, error) {
	for _, v := range []float64{in.MaxPayoutPercent, in.Level1Percent, in.Level2Percent, in.Level3Percent} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return nil, fmt.Errorf("commission: percent %v out of range: %w", v, shared.ErrValidation)
		}
	}
	updated, err := s.repo.UpdateSettings(ctx, Settings{
		MaxPayoutPercent: in.MaxPayoutPercent,
		Level1Percent:    in.Level1Percent,
		Level2Percent:    in.Level2Percent,
		Level3Percent:    in.Level3Percent,
	})
	if err != nil {
		return nil, fmt.Errorf("commission: update settings: %w", err)
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditCommissionSettings,
		Entity:   "ml_settings",
		EntityID: "1",
		Meta: map[string]any{
			"max_payout_percent": updated.MaxPayoutPercent,
			"level1_percent":     updated.Level1Percent,
			"level2_percent":     updated.Level2Percent,
			"level3_percent":     updated.Level3Percent,
		},
	}); err != nil {
		s.logger.Warn("audit settings update", slog.Any("error", err))
	}
	return updated, nil
}

// Wallet returns the customer's balance; a customer never credited has a zero balance.
func (s *Service) Wallet(ctx context.Context, customerID int64) (*Wallet, error) {
	wallet, err := s.repo.GetWallet(ctx, customerID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return &Wallet{CustomerID: customerID}, nil
		}
		return nil, err
	}
	return wallet, nil
}

// ListCommissions returns the newest ledger rows credited to recipientID.
func (s *Service) ListCommissions(ctx context.Context, recipientID int64, limit int) ([]Commission, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.repo.ListCommissions(ctx, recipientID, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Commission{}
	}
	return rows, nil
}
