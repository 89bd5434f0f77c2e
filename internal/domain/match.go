package domain

import "fmt"

// RegistryView is a read-only snapshot of one user's agents and skills,
// assembled fresh per request. Agents and skills may change between turns
// (a skill can be created mid-conversation), so views are never cached.
type RegistryView struct {
	Agents        []Agent
	SkillsByAgent map[string][]Skill
}

// Empty reports whether the user has no agents at all.
func (v RegistryView) Empty() bool { return len(v.Agents) == 0 }

// AgentByID returns the agent with the given ID, or nil.
func (v RegistryView) AgentByID(id string) *Agent {
	for i := range v.Agents {
		if v.Agents[i].ID == id {
			return &v.Agents[i]
		}
	}
	return nil
}

// MatchResult is the matcher's verdict for a single message. It is transient:
// produced once per request, consumed by the coordinator, never persisted.
type MatchResult struct {
	MatchedAgentID     string  `json:"matched_agent_id,omitempty"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning,omitempty"`
	SuggestNewAgent    bool    `json:"suggest_new_agent"`
	SuggestNewSkill    bool    `json:"suggest_new_skill"`
	Suggestion         string  `json:"suggestion,omitempty"`
	NeedsClarification bool    `json:"needs_clarification"`
	Clarification      string  `json:"clarification,omitempty"`
}

// Validate enforces the structural invariants of a MatchResult:
// agent and skill suggestions are mutually exclusive, a skill suggestion
// requires a matched agent, and confidence stays in [0, 1].
func (m MatchResult) Validate() error {
	if m.SuggestNewAgent && m.SuggestNewSkill {
		return fmt.Errorf("%w: agent and skill suggestions are mutually exclusive", ErrInvalidMatch)
	}
	if m.SuggestNewSkill && m.MatchedAgentID == "" {
		return fmt.Errorf("%w: skill suggestion without a matched agent", ErrInvalidMatch)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidMatch, m.Confidence)
	}
	return nil
}
