package domain

// DecisionKind names what a pending suggestion proposes to create.
type DecisionKind string

const (
	DecisionAgent DecisionKind = "agent"
	DecisionSkill DecisionKind = "skill"
)

// Decision values a caller may echo back to resolve a suggestion.
const (
	DecisionAccept  = "create"
	DecisionDecline = "decline"
)

// ResumeToken is the caller-held continuation for a suspended turn. The
// engine is stateless across turns: when a suggestion is emitted, everything
// needed to resume (the original message, attached files, and what was
// proposed) travels to the client and comes back on the next request.
// If the client never responds the token is simply abandoned.
type ResumeToken struct {
	OriginalMessage string       `json:"original_message"`
	FileRefs        []string     `json:"file_refs,omitempty"`
	Kind            DecisionKind `json:"kind"`
	AgentID         string       `json:"agent_id,omitempty"` // set for skill suggestions
	Suggestion      string       `json:"suggestion"`
	// Meta marks tokens born from an explicit "add skill X to agent Y"
	// request. Accepting a meta-request creates the skill without replaying
	// the original message, which would otherwise loop forever.
	Meta bool `json:"meta,omitempty"`
}

// TurnRequest is one caller turn: either a fresh message, or a decision
// resolving a previously emitted suggestion (Resume + Decision set).
type TurnRequest struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Message   string   `json:"message"`
	FileRefs  []string `json:"file_refs,omitempty"`
	// APIKey is a caller-supplied override credential. Non-empty bypasses
	// the quota ledger entirely.
	APIKey   string       `json:"api_key,omitempty"`
	Model    string       `json:"model,omitempty"`
	Resume   *ResumeToken `json:"resume,omitempty"`
	Decision string       `json:"decision,omitempty"` // "create" or "decline"
	// PriorSkip suppresses further suggestions for this message. Set
	// internally on replays after a declined suggestion; callers may also
	// echo it.
	PriorSkip bool `json:"prior_skip,omitempty"`
}
