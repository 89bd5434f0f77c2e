package domain

import "time"

// LimitType identifies which quota limit denied a request. The values are
// part of the caller-visible contract and drive distinct UX per limit.
type LimitType string

const (
	// LimitTrial is the daily token ceiling for callers without their own key.
	LimitTrial LimitType = "trial"
	// LimitRate is the rolling hourly request ceiling.
	LimitRate LimitType = "rate_limit"
	// LimitCost is the daily accumulated-cost ceiling.
	LimitCost LimitType = "cost"
)

// QuotaWindow is the per-user, per-UTC-calendar-day accounting record.
// All counters are monotonically non-decreasing within a window; the hourly
// request counter logically resets once an hour passes since LastRequestAt.
type QuotaWindow struct {
	UserID                string    `json:"user_id"`
	WindowDate            string    `json:"window_date"` // YYYY-MM-DD, UTC
	TokensUsed            int64     `json:"tokens_used"`
	RequestsInCurrentHour int64     `json:"requests_in_current_hour"`
	CostAccumulated       float64   `json:"cost_accumulated"`
	LastRequestAt         time.Time `json:"last_request_at"`
}

// QuotaLimits is the limit set applied to a user without an override key.
type QuotaLimits struct {
	MaxTokensPerWindow int64   `yaml:"max_tokens_per_window" json:"max_tokens_per_window"`
	MaxRequestsPerHour int64   `yaml:"max_requests_per_hour" json:"max_requests_per_hour"`
	MaxCostPerWindow   float64 `yaml:"max_cost_per_window"   json:"max_cost_per_window"`
	RequireAuth        bool    `yaml:"require_auth"          json:"require_auth"`
}

// QuotaDecision is the outcome of a pre-flight quota check.
type QuotaDecision struct {
	Allowed   bool       `json:"allowed"`
	LimitType LimitType  `json:"limit_type,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// UsageDeltas is one atomic increment applied to a quota window after a
// completed model call. Requests is usually 1; At stamps LastRequestAt and
// decides whether the hourly counter rolls over or accumulates.
type UsageDeltas struct {
	Tokens   int64
	Requests int64
	Cost     float64
	At       time.Time
}

// UsageTotals is the finalized accounting for one turn, reported in the
// terminal done event and committed to the quota ledger.
type UsageTotals struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	Cost         float64 `json:"cost"`
}

// TotalTokens returns the sum of all token counters.
func (u UsageTotals) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CachedTokens
}
