package domain

// TurnEventType enumerates the ordered event protocol emitted toward the
// caller during one turn. Each event type appears at most once per turn,
// except EventContent which repeats for every sanitized text delta. A turn
// ends with exactly one of EventWaitingForDecision, EventDone, or EventError.
type TurnEventType string

const (
	EventAgentSuggestion    TurnEventType = "agent_suggestion"
	EventSkillSuggestion    TurnEventType = "skill_suggestion"
	EventWaitingForDecision TurnEventType = "waiting_for_decision"
	EventAgentUsed          TurnEventType = "agent_used"
	EventAgentCreated       TurnEventType = "agent_created"
	EventContent            TurnEventType = "content"
	EventDone               TurnEventType = "done"
	EventError              TurnEventType = "error"
)

// TurnEvent is one element of the turn event stream.
type TurnEvent struct {
	Type       TurnEventType `json:"type"`
	AgentID    string        `json:"agent_id,omitempty"`
	AgentName  string        `json:"agent_name,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Content    string        `json:"content,omitempty"`
	Resume     *ResumeToken  `json:"resume,omitempty"`
	Usage      *UsageTotals  `json:"usage,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	LimitType  LimitType     `json:"limit_type,omitempty"`
}

// EventSink receives turn events in order. A sink returning an error means
// the transport is gone: the producer must stop forwarding and must not
// emit a done event.
type EventSink func(TurnEvent) error
