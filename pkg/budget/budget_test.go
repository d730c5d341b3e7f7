package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubStore struct {
	userSpend map[string]float64
	saved     []UsageRecord
	sumCalls  int
	saveErr   error
	sumErr    error
}

func newStubStore() *stubStore {
	return &stubStore{
		userSpend: make(map[string]float64),
	}
}

func (s *stubStore) SaveUsage(_ context.Context, rec UsageRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *stubStore) SumUsageByUser(_ context.Context, userID string, _, _ time.Time) (float64, error) {
	s.sumCalls++
	if s.sumErr != nil {
		return 0, s.sumErr
	}
	return s.userSpend[userID], nil
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	}
}

func TestCheckBudget_DailyLimit(t *testing.T) {
	store := newStubStore()
	store.userSpend["u1"] = 9.99

	guard := NewGuard(store, nil, WithClock(fixedClock()))

	err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction")
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if exceeded.Scope != "daily" {
		t.Fatalf("expected daily scope, got %q", exceeded.Scope)
	}
	wantReset := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if !exceeded.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset at %v, got %v", wantReset, exceeded.ResetAt)
	}

	// Under the limit even with the estimate added.
	store.userSpend["u1"] = 9.95
	if err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction"); err != nil {
		t.Fatalf("expected allow at $9.95 spent, got %v", err)
	}
}

func TestCheckBudget_DocumentLimitCheckedFirst(t *testing.T) {
	store := newStubStore()
	store.userSpend["u1"] = 9.99

	guard := NewGuard(store, nil,
		WithClock(fixedClock()),
		WithLimits(Limits{PerDocumentUSD: 0.01, DailyUSD: 10.00}))

	err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction")
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if exceeded.Scope != "document" {
		t.Fatalf("expected document scope reported first, got %q", exceeded.Scope)
	}
	// The oversized-call check reads no totals.
	if store.sumCalls != 0 {
		t.Fatalf("document ceiling should not hit the store, got %d calls", store.sumCalls)
	}
}

func TestCheckBudget_DocumentCeilingIgnoresPriorSpend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(client)

	store := newStubStore()
	guard := NewGuard(store, cache, WithClock(fixedClock()))

	// $0.49 already spent on this document; a $0.02 call against the $0.50
	// ceiling must still be admitted. Only the single estimate is compared.
	err := guard.RecordUsage(context.Background(), UsageRecord{
		UserID:     "u1",
		DocumentID: "doc1",
		Operation:  "graph-extraction",
		Attempts:   1,
		Success:    true,
		CostUSD:    0.49,
		CreatedAt:  fixedClock()(),
	})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	if err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction"); err != nil {
		t.Fatalf("expected allow regardless of prior document spend, got %v", err)
	}
}

func TestCheckBudget_MonthlyLimit(t *testing.T) {
	store := newStubStore()
	store.userSpend["u1"] = 99.99

	guard := NewGuard(store, nil,
		WithClock(fixedClock()),
		WithLimits(Limits{MonthlyUSD: 100.00}))

	err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction")
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if exceeded.Scope != "monthly" {
		t.Fatalf("expected monthly scope, got %q", exceeded.Scope)
	}
	wantReset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !exceeded.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset at %v, got %v", wantReset, exceeded.ResetAt)
	}
}

func TestCheckBudget_AnonymousUnlimited(t *testing.T) {
	store := newStubStore()
	guard := NewGuard(store, nil, WithClock(fixedClock()))

	if err := guard.CheckBudget(context.Background(), "", "doc1", "graph-extraction"); err != nil {
		t.Fatalf("anonymous check should always pass, got %v", err)
	}
	if store.sumCalls != 0 {
		t.Fatalf("anonymous check should not hit the store, got %d calls", store.sumCalls)
	}
}

func TestCheckBudget_FailsOpenOnStoreError(t *testing.T) {
	store := newStubStore()
	store.sumErr = errors.New("connection refused")

	guard := NewGuard(store, nil, WithClock(fixedClock()))

	if err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction"); err != nil {
		t.Fatalf("expected fail-open on store error, got %v", err)
	}
}

func TestCheckBudget_Warnings(t *testing.T) {
	store := newStubStore()
	store.userSpend["u1"] = 8.50

	type warning struct {
		scope    string
		fraction float64
	}
	var got []warning

	guard := NewGuard(store, nil,
		WithClock(fixedClock()),
		WithLimits(Limits{DailyUSD: 10.00}),
		WithWarnFunc(func(_, scope string, fraction, _, _ float64) {
			got = append(got, warning{scope, fraction})
		}))

	if err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	if len(got) != 1 || got[0] != (warning{"daily", 0.8}) {
		t.Fatalf("expected one 80%% daily warning, got %+v", got)
	}

	// The daily scope carries only the 80% tier.
	got = nil
	store.userSpend["u1"] = 9.20
	if err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	if len(got) != 1 || got[0] != (warning{"daily", 0.8}) {
		t.Fatalf("expected one 80%% daily warning, got %+v", got)
	}
}

func TestCheckBudget_MonthlyWarningTier(t *testing.T) {
	store := newStubStore()
	store.userSpend["u1"] = 85.00

	type warning struct {
		scope    string
		fraction float64
	}
	var got []warning

	guard := NewGuard(store, nil,
		WithClock(fixedClock()),
		WithLimits(Limits{MonthlyUSD: 100.00}),
		WithWarnFunc(func(_, scope string, fraction, _, _ float64) {
			got = append(got, warning{scope, fraction})
		}))

	// Monthly warns at 90%, not 80%.
	if err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no warning at 85%% of monthly, got %+v", got)
	}

	store.userSpend["u1"] = 92.00
	if err := guard.CheckBudget(context.Background(), "u1", "", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	if len(got) != 1 || got[0] != (warning{"monthly", 0.9}) {
		t.Fatalf("expected one 90%% monthly warning, got %+v", got)
	}
}

func TestRecordUsage_Validation(t *testing.T) {
	guard := NewGuard(newStubStore(), nil, WithClock(fixedClock()))

	err := guard.RecordUsage(context.Background(), UsageRecord{
		UserID:      "u1",
		InputTokens: -1,
	})
	if !errors.Is(err, ErrInvalidUsageData) {
		t.Fatalf("expected ErrInvalidUsageData, got %v", err)
	}

	err = guard.RecordUsage(context.Background(), UsageRecord{
		UserID:  "u1",
		CostUSD: -0.01,
	})
	if !errors.Is(err, ErrInvalidUsageData) {
		t.Fatalf("expected ErrInvalidUsageData, got %v", err)
	}

	err = guard.RecordUsage(context.Background(), UsageRecord{
		UserID:   "u1",
		Attempts: 1,
	})
	if !errors.Is(err, ErrInvalidUsageData) {
		t.Fatalf("expected ErrInvalidUsageData for empty operation, got %v", err)
	}

	err = guard.RecordUsage(context.Background(), UsageRecord{
		UserID:    "u1",
		Operation: "graph-extraction",
	})
	if !errors.Is(err, ErrInvalidUsageData) {
		t.Fatalf("expected ErrInvalidUsageData for zero attempts, got %v", err)
	}
}

func TestRecordUsage_DurableFirst(t *testing.T) {
	store := newStubStore()
	store.saveErr = errors.New("disk full")

	guard := NewGuard(store, nil, WithClock(fixedClock()))

	err := guard.RecordUsage(context.Background(), UsageRecord{
		UserID:    "u1",
		Operation: "graph-extraction",
		Attempts:  1,
		CostUSD:   0.01,
	})
	if err == nil {
		t.Fatalf("expected error when durable write fails")
	}
}

func TestGuard_RedisCachePath(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(client)

	store := newStubStore()
	guard := NewGuard(store, cache, WithClock(fixedClock()))

	rec := UsageRecord{
		UserID:     "u1",
		DocumentID: "doc1",
		Operation:  "graph-extraction",
		Model:      "gpt-4o-mini",
		Attempts:   1,
		Success:    true,
		CostUSD:    5.00,
		CreatedAt:  fixedClock()(),
	}
	if err := guard.RecordUsage(context.Background(), rec); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected durable save, got %d", len(store.saved))
	}

	// Second record pushes the daily total to the $10 limit.
	if err := guard.RecordUsage(context.Background(), rec); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction")
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceededError from cached total, got %v", err)
	}
	if exceeded.Scope != "daily" {
		t.Fatalf("expected daily scope, got %q", exceeded.Scope)
	}
	// The cached totals answered the check; the durable store saw no sums.
	if store.sumCalls != 0 {
		t.Fatalf("expected cache to serve the check, store sums called %d times", store.sumCalls)
	}
}

func TestGuard_CacheBackfillFromStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(client)

	store := newStubStore()
	store.userSpend["u1"] = 0.10

	guard := NewGuard(store, cache, WithClock(fixedClock()))

	if err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	first := store.sumCalls

	if err := guard.CheckBudget(context.Background(), "u1", "doc1", "graph-extraction"); err != nil {
		t.Fatalf("unexpected deny: %v", err)
	}
	// Both user-scope totals are cached after the first check.
	if store.sumCalls != first {
		t.Fatalf("expected second check to be served from cache, got %d then %d calls", first, store.sumCalls)
	}
}

func TestEstimateOperationCost(t *testing.T) {
	if got := EstimateOperationCost("graph-extraction"); got != 0.02 {
		t.Fatalf("unexpected estimate: %f", got)
	}
	if got := EstimateOperationCost("never-seen"); got != defaultOperationEstimate {
		t.Fatalf("unexpected default estimate: %f", got)
	}
}
