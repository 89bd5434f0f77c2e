package usecase

import (
	"context"
	"log/slog"
	"time"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// hourlyWindow is the rolling window for the request counter.
const hourlyWindow = time.Hour

const windowDateFormat = "2006-01-02"

// QuotaLedger gates paid operations against per-user daily windows and
// commits usage after completed model calls. The window key is the UTC
// calendar date; the hourly request counter resets lazily at read time so
// no background timer is needed. Commit is not atomic with the model call:
// a crash between response completion and commit under-counts that one call
// (at-most-once accounting).
type QuotaLedger struct {
	store  domain.QuotaStore
	limits domain.QuotaLimits
	now    func() time.Time
	logger *slog.Logger
}

// NewQuotaLedger creates a ledger applying the given default limit set to
// every caller without an override key.
func NewQuotaLedger(store domain.QuotaStore, limits domain.QuotaLimits, logger *slog.Logger) *QuotaLedger {
	return &QuotaLedger{store: store, limits: limits, now: time.Now, logger: logger}
}

// CheckAndReserve decides whether a paid operation may proceed. A non-empty
// override key bypasses the ledger entirely (unlimited mode). Limits are
// checked in a fixed order (daily tokens, hourly requests, daily cost) so
// the caller always sees the first limit hit. Denial commits nothing.
func (l *QuotaLedger) CheckAndReserve(ctx context.Context, userID, overrideKey string) (*domain.QuotaDecision, error) {
	if overrideKey != "" {
		return &domain.QuotaDecision{Allowed: true}, nil
	}
	if l.limits.RequireAuth {
		return &domain.QuotaDecision{
			Allowed:   false,
			LimitType: domain.LimitTrial,
			Reason:    "an API key is required for this deployment",
		}, nil
	}

	ctx, span := tracer.StartSpan(ctx, "quota.check")
	defer span.End()

	now := l.now().UTC()
	win, err := l.store.GetOrCreateWindow(ctx, userID, now.Format(windowDateFormat))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("quota.check", err)
	}

	// Lazy hourly reset: the counter is stale once an hour has passed.
	hourly := win.RequestsInCurrentHour
	if win.LastRequestAt.IsZero() || now.Sub(win.LastRequestAt) >= hourlyWindow {
		hourly = 0
	}

	if l.limits.MaxTokensPerWindow > 0 && win.TokensUsed >= l.limits.MaxTokensPerWindow {
		return &domain.QuotaDecision{
			Allowed:   false,
			LimitType: domain.LimitTrial,
			Reason:    "daily token limit reached",
		}, nil
	}
	if l.limits.MaxRequestsPerHour > 0 && hourly >= l.limits.MaxRequestsPerHour {
		reset := win.LastRequestAt.Add(hourlyWindow)
		return &domain.QuotaDecision{
			Allowed:   false,
			LimitType: domain.LimitRate,
			Reason:    "hourly request limit reached",
			ResetTime: &reset,
		}, nil
	}
	if l.limits.MaxCostPerWindow > 0 && win.CostAccumulated >= l.limits.MaxCostPerWindow {
		return &domain.QuotaDecision{
			Allowed:   false,
			LimitType: domain.LimitCost,
			Reason:    "daily cost limit reached",
		}, nil
	}

	return &domain.QuotaDecision{Allowed: true}, nil
}

// Commit records finalized usage for one completed turn as a single atomic
// increment. Callers invoke it exactly once per turn and never retry.
func (l *QuotaLedger) Commit(ctx context.Context, userID string, usage domain.UsageTotals) error {
	now := l.now().UTC()
	d := domain.UsageDeltas{
		Tokens:   usage.TotalTokens(),
		Requests: 1,
		Cost:     usage.Cost,
		At:       now,
	}
	return domain.WrapOp("quota.commit", l.store.AtomicIncrement(ctx, userID, now.Format(windowDateFormat), d))
}

// DenialError converts a denial into the error surfaced to callers.
func DenialError(d *domain.QuotaDecision) error {
	return &domain.RateLimitError{LimitType: d.LimitType, Reason: d.Reason, ResetTime: d.ResetTime}
}
