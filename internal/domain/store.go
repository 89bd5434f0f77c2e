package domain

import (
	"context"
	"time"
)

// AgentStore persists agents. IncrementUsage must be a single atomic
// mutation so concurrent turns never lose updates.
type AgentStore interface {
	ListAgents(ctx context.Context, userID string) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error)
	IncrementUsage(ctx context.Context, agentID string, now time.Time) error
}

// SkillStore persists skills.
type SkillStore interface {
	ListSkills(ctx context.Context, agentID string) ([]Skill, error)
	CreateSkill(ctx context.Context, spec SkillSpec) (*Skill, error)
}

// QuotaStore persists per-user per-day quota windows. AtomicIncrement must
// apply all deltas in one atomic operation (the ledger never does
// read-modify-write in application code) and handles the hourly counter
// rollover: if more than an hour has passed since LastRequestAt, the request
// counter restarts from the delta instead of accumulating.
type QuotaStore interface {
	GetOrCreateWindow(ctx context.Context, userID, windowDate string) (*QuotaWindow, error)
	AtomicIncrement(ctx context.Context, userID, windowDate string, d UsageDeltas) error
}

// ConversationStore persists message history. Appends are fire-and-forget
// from the engine's perspective: failures are logged and swallowed.
type ConversationStore interface {
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
