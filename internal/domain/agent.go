package domain

import "time"

// Agent is a user-owned persona: a name, a system prompt, and the
// expertise/capability tags the matcher classifies messages against.
type Agent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	ExpertiseTags  []string  `json:"expertise_tags,omitempty"`
	CapabilityTags []string  `json:"capability_tags,omitempty"`
	SystemPrompt   string    `json:"system_prompt"`
	Performance    AgentPerf `json:"performance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentPerf tracks how much work an agent has done. QuestionsHandled is
// incremented once per successfully answered turn, never decremented.
type AgentPerf struct {
	QuestionsHandled int64      `json:"questions_handled"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// AgentSpec is the input for creating a new agent.
type AgentSpec struct {
	UserID         string   `json:"user_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExpertiseTags  []string `json:"expertise_tags,omitempty"`
	CapabilityTags []string `json:"capability_tags,omitempty"`
	SystemPrompt   string   `json:"system_prompt"`
}
