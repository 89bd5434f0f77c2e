package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a structured-output tool offered to the classifier.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a structured tool invocation returned by the classifier.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON, validated at the boundary
}

// ClassifyRequest asks the oracle to classify one message against the
// capability summary embedded in Instructions.
type ClassifyRequest struct {
	Instructions string
	Message      string
	Tools        []ToolSchema
}

// ClassifyResponse is the oracle's raw output: a tool call when it followed
// the structured protocol, free text otherwise. Both are untrusted.
type ClassifyResponse struct {
	ToolCall *ToolCall
	Text     string
}

// Classifier is the external classification oracle. It may fail outright
// (network, auth) or return unparseable output; callers must validate its
// shape and degrade to the fallback matcher.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error)
	Name() string
}

// GenerateRequest asks a model backend for an answer.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	History      []Message
	Message      string
	MaxTokens    int
	Temperature  float64
}

// GenerateUsage is per-call token metadata reported by a backend. A nil
// usage on the final delta means the backend reported nothing and token
// counts must be estimated.
type GenerateUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// GenerateDelta is one incremental chunk of a streaming response.
type GenerateDelta struct {
	Content string         `json:"content,omitempty"`
	Done    bool           `json:"done,omitempty"`
	Err     error          `json:"-"`
	Usage   *GenerateUsage `json:"usage,omitempty"`
}

// GenerateResponse is a complete synchronous response.
type GenerateResponse struct {
	Content string
	Usage   GenerateUsage
}

// Generator is a model backend producing answers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
}

// StreamingGenerator extends Generator with incremental output. The returned
// channel is closed after the final delta (Done or Err set).
type StreamingGenerator interface {
	Generator
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan GenerateDelta, error)
}

// AgentProvisioner drafts and persists a new agent for a topic. It is an
// external collaborator from the engine's point of view: the engine only
// decides when to invoke it.
type AgentProvisioner interface {
	ProvisionAgent(ctx context.Context, userID, topic, message string) (*Agent, error)
}

// SkillSynthesizer drafts and persists a new skill under an existing agent.
type SkillSynthesizer interface {
	SynthesizeSkill(ctx context.Context, agent *Agent, topic, message string) (*Skill, error)
}
