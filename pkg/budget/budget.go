// Package budget enforces per-document, daily and monthly spend limits on
// model calls. Checks run before every call; usage is recorded after every
// call that produced token counts, whether or not the output was usable.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loom-kg/backend/pkg/logger"
)

// ErrInvalidUsageData is returned by RecordUsage for records with negative
// token counts or cost.
var ErrInvalidUsageData = errors.New("budget: invalid usage data")

// UsageRecord is one model call's spend, attributed to a user, document and
// pipeline operation.
type UsageRecord struct {
	UserID       string
	DocumentID   string
	Operation    string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	QualityScore int
	Attempts     int
	Success      bool
	CreatedAt    time.Time
}

// UsageStore is the durable record of spend. Sums are computed over the
// half-open interval [from, to).
type UsageStore interface {
	SaveUsage(ctx context.Context, rec UsageRecord) error
	SumUsageByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

// CacheStore is the fast read path for running totals. All methods are best
// effort; errors fall through to the durable store or are logged and ignored.
type CacheStore interface {
	GetFloat(ctx context.Context, key string) (float64, bool, error)
	SetFloatWithTTL(ctx context.Context, key string, value float64, ttl time.Duration) error
	IncrementFloat(ctx context.Context, key string, delta float64) error
}

// BudgetExceededError reports which limit a prospective call would breach.
type BudgetExceededError struct {
	Scope       string
	LimitUSD    float64
	SpentUSD    float64
	EstimateUSD float64
	ResetAt     time.Time
}

func (e *BudgetExceededError) Error() string {
	msg := fmt.Sprintf("budget: %s limit of $%.2f exceeded ($%.4f spent, $%.4f estimated)",
		e.Scope, e.LimitUSD, e.SpentUSD, e.EstimateUSD)
	if !e.ResetAt.IsZero() {
		msg += fmt.Sprintf(", resets at %s", e.ResetAt.Format(time.RFC3339))
	}
	return msg
}

// Limits are the spend ceilings the guard enforces. A zero value disables
// that ceiling.
type Limits struct {
	PerDocumentUSD float64
	DailyUSD       float64
	MonthlyUSD     float64
}

// DefaultLimits match the product tier for registered users.
var DefaultLimits = Limits{
	PerDocumentUSD: 0.50,
	DailyUSD:       10.00,
	MonthlyUSD:     100.00,
}

// Operation cost estimates in USD, used for the pre-call check before actual
// token counts exist. Conservative upper bounds per call.
var operationEstimates = map[string]float64{
	"graph-extraction":  0.02,
	"node-adjudication": 0.002,
	"summary":           0.01,
	"embedding":         0.0005,
}

const defaultOperationEstimate = 0.02

// EstimateOperationCost returns the pre-call cost estimate for an operation.
func EstimateOperationCost(operation string) float64 {
	if est, ok := operationEstimates[operation]; ok {
		return est
	}
	return defaultOperationEstimate
}

// WarnFunc is invoked when a user's spend crosses a warning fraction of a
// limit. fraction is 0.8 for the daily ceiling and 0.9 for the monthly one.
type WarnFunc func(userID, scope string, fraction float64, spent, limit float64)

// Guard checks and records spend.
type Guard struct {
	store  UsageStore
	cache  CacheStore
	limits Limits
	warn   WarnFunc
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(g *Guard) { g.limits = l }
}

// WithWarnFunc installs a callback for spend warnings.
func WithWarnFunc(f WarnFunc) Option {
	return func(g *Guard) { g.warn = f }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard. cache may be nil, in which case every check hits
// the durable store.
func NewGuard(store UsageStore, cache CacheStore, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		cache:  cache,
		limits: DefaultLimits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckBudget decides whether a call for the given operation may proceed.
// Anonymous users (empty userID) are not limited in the current tier model.
// Infra failures on the read path fail open: a broken budget store must not
// take the pipeline down.
func (g *Guard) CheckBudget(ctx context.Context, userID, documentID, operation string) error {
	if userID == "" {
		// TODO(limits): anonymous sessions get rate limiting once the
		// session token work lands.
		return nil
	}

	estimate := EstimateOperationCost(operation)
	now := g.now().UTC()

	// The per-document ceiling gates single oversized operations. Accumulated
	// document spend is not held against it; the daily and monthly totals
	// below govern sustained use.
	if g.limits.PerDocumentUSD > 0 && documentID != "" && estimate > g.limits.PerDocumentUSD {
		return &BudgetExceededError{
			Scope:       "document",
			LimitUSD:    g.limits.PerDocumentUSD,
			EstimateUSD: estimate,
		}
	}

	if g.limits.DailyUSD > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := g.userSpend(ctx, userID, dayKey(userID, now), dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			logger.Warn("[Budget] check failed open", "scope", "daily", "error", err)
		} else {
			g.emitWarning(userID, "daily", 0.8, spent, g.limits.DailyUSD)
			if spent+estimate > g.limits.DailyUSD {
				return &BudgetExceededError{
					Scope:       "daily",
					LimitUSD:    g.limits.DailyUSD,
					SpentUSD:    spent,
					EstimateUSD: estimate,
					ResetAt:     dayStart.AddDate(0, 0, 1),
				}
			}
		}
	}

	if g.limits.MonthlyUSD > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := g.userSpend(ctx, userID, monthKey(userID, now), monthStart, monthStart.AddDate(0, 1, 0))
		if err != nil {
			logger.Warn("[Budget] check failed open", "scope", "monthly", "error", err)
		} else {
			g.emitWarning(userID, "monthly", 0.9, spent, g.limits.MonthlyUSD)
			if spent+estimate > g.limits.MonthlyUSD {
				return &BudgetExceededError{
					Scope:       "monthly",
					LimitUSD:    g.limits.MonthlyUSD,
					SpentUSD:    spent,
					EstimateUSD: estimate,
					ResetAt:     monthStart.AddDate(0, 1, 0),
				}
			}
		}
	}

	return nil
}

// RecordUsage persists one call's spend. The durable write must succeed; the
// cache increments are best effort.
func (g *Guard) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.InputTokens < 0 || rec.OutputTokens < 0 || rec.CostUSD < 0 {
		return fmt.Errorf("%w: tokens=%d/%d cost=%f", ErrInvalidUsageData,
			rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	}
	if rec.Operation == "" {
		return fmt.Errorf("%w: empty operation", ErrInvalidUsageData)
	}
	if rec.Attempts < 1 {
		return fmt.Errorf("%w: attempts=%d", ErrInvalidUsageData, rec.Attempts)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = g.now().UTC()
	}

	if err := g.store.SaveUsage(ctx, rec); err != nil {
		return fmt.Errorf("saving usage record: %w", err)
	}

	if g.cache == nil || rec.CostUSD == 0 {
		return nil
	}
	now := rec.CreatedAt.UTC()
	if rec.UserID != "" {
		if err := g.cache.IncrementFloat(ctx, dayKey(rec.UserID, now), rec.CostUSD); err != nil {
			logger.Warn("[Budget] cache increment failed", "scope", "daily", "error", err)
		}
		if err := g.cache.IncrementFloat(ctx, monthKey(rec.UserID, now), rec.CostUSD); err != nil {
			logger.Warn("[Budget] cache increment failed", "scope", "monthly", "error", err)
		}
	}
	return nil
}

// Each scope carries a single warning tier.
func (g *Guard) emitWarning(userID, scope string, fraction, spent, limit float64) {
	if g.warn == nil || limit <= 0 {
		return
	}
	if spent >= fraction*limit {
		g.warn(userID, scope, fraction, spent, limit)
	}
}

func (g *Guard) userSpend(ctx context.Context, userID, key string, from, to time.Time) (float64, error) {
	if g.cache != nil {
		if v, ok, err := g.cache.GetFloat(ctx, key); err == nil && ok {
			return v, nil
		}
	}
	spent, err := g.store.SumUsageByUser(ctx, userID, from, to)
	if err != nil {
		return 0, err
	}
	if g.cache != nil {
		if err := g.cache.SetFloatWithTTL(ctx, key, spent, to.Sub(from)); err != nil {
			logger.Warn("[Budget] cache backfill failed", "error", err)
		}
	}
	return spent, nil
}

func dayKey(userID string, t time.Time) string {
	return "budget:day:" + userID + ":" + t.UTC().Format("2006-01-02")
}

func monthKey(userID string, t time.Time) string {
	return "budget:month:" + userID + ":" + t.UTC().Format("2006-01")
}
