package domain

import "time"

// Skill is a scoped body of domain knowledge attached to exactly one agent.
// Existing skills bias classification toward agents that already cover a topic.
type Skill struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// SkillSpec is the input for creating a new skill.
type SkillSpec struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}
