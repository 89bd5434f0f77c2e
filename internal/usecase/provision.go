package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// draftMaxTokens bounds the drafting calls so provisioning stays cheap
// relative to the answer it unblocks.
const draftMaxTokens = 600

// Provisioner creates agents and skills on demand when a turn accepts a
// suggestion. Drafting prompts and skill content through the generator is
// best effort: if the draft call fails, a serviceable template takes its
// place so the accepted suggestion never fails the turn.
type Provisioner struct {
	agents    domain.AgentStore
	skills    domain.SkillStore
	generator domain.Generator
	model     string
	logger    *slog.Logger
}

// NewProvisioner creates a provisioner. The generator may be nil, in which
// case templates are always used.
func NewProvisioner(agents domain.AgentStore, skills domain.SkillStore, generator domain.Generator, model string, logger *slog.Logger) *Provisioner {
	return &Provisioner{agents: agents, skills: skills, generator: generator, model: model, logger: logger}
}

var _ domain.AgentProvisioner = (*Provisioner)(nil)
var _ domain.SkillSynthesizer = (*Provisioner)(nil)

// ProvisionAgent drafts and persists a new agent specialized for topic.
func (p *Provisioner) ProvisionAgent(ctx context.Context, userID, topic, message string) (*domain.Agent, error) {
	ctx, span := tracer.StartSpan(ctx, "provision.agent")
	defer span.End()

	prompt := p.draft(ctx, fmt.Sprintf(
		"Write a concise system prompt for an assistant specialized in %q. "+
			"The first question it must handle well: %q. Reply with the prompt only.",
		topic, message))
	if prompt == "" {
		prompt = fmt.Sprintf("You are a helpful assistant specialized in %s. "+
			"Answer questions in this area accurately and concisely.", topic)
	}

	agent, err := p.agents.CreateAgent(ctx, domain.AgentSpec{
		UserID:        userID,
		Name:          topic,
		Description:   fmt.Sprintf("Handles questions about %s.", topic),
		ExpertiseTags: expertiseTags(topic),
		SystemPrompt:  prompt,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("provision.agent", err)
	}
	p.logger.Info("provisioned agent", "agent_id", agent.ID, "name", agent.Name, "user_id", userID)
	tracer.SetOK(span)
	return agent, nil
}

// SynthesizeSkill drafts and persists a new skill under agent.
func (p *Provisioner) SynthesizeSkill(ctx context.Context, agent *domain.Agent, topic, message string) (*domain.Skill, error) {
	ctx, span := tracer.StartSpan(ctx, "provision.skill")
	defer span.End()

	content := p.draft(ctx, fmt.Sprintf(
		"Write reference notes an assistant named %q can reuse to answer questions about %q. "+
			"The first question: %q. Reply with the notes only.",
		agent.Name, topic, message))
	if content == "" {
		content = fmt.Sprintf("Reference notes for %s. Collected from answered questions on this topic.", topic)
	}

	skill, err := p.skills.CreateSkill(ctx, domain.SkillSpec{
		AgentID:     agent.ID,
		Name:        topic,
		Description: fmt.Sprintf("Covers %s.", topic),
		Content:     content,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("provision.skill", err)
	}
	p.logger.Info("synthesized skill", "skill_id", skill.ID, "name", skill.Name, "agent_id", agent.ID)
	tracer.SetOK(span)
	return skill, nil
}

// draft runs one short generation and returns its trimmed output, or ""
// when the generator is unavailable or fails.
func (p *Provisioner) draft(ctx context.Context, instruction string) string {
	if p.generator == nil {
		return ""
	}
	resp, err := p.generator.Generate(ctx, domain.GenerateRequest{
		Model:     p.model,
		Message:   instruction,
		MaxTokens: draftMaxTokens,
	})
	if err != nil {
		p.logger.Warn("draft generation failed, using template", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// expertiseTags seeds the fallback matcher's keyword signal from the topic
// tokens themselves.
func expertiseTags(topic string) []string {
	var tags []string
	for _, t := range strings.Fields(strings.ToLower(topic)) {
		if len(t) > 2 {
			tags = append(tags, t)
		}
	}
	return tags
}
