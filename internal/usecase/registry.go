package usecase

import (
	"context"
	"log/slog"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// RegistryLoader assembles the capability registry view: a read-only
// snapshot of one user's agents plus each agent's skills. The view is
// loaded fresh per request; agents and skills may have changed between
// turns (a skill can be created mid-conversation), so nothing is cached.
type RegistryLoader struct {
	agents domain.AgentStore
	skills domain.SkillStore
	logger *slog.Logger
}

// NewRegistryLoader creates a loader over the given stores.
func NewRegistryLoader(agents domain.AgentStore, skills domain.SkillStore, logger *slog.Logger) *RegistryLoader {
	return &RegistryLoader{agents: agents, skills: skills, logger: logger}
}

// Load returns the user's current registry view.
func (r *RegistryLoader) Load(ctx context.Context, userID string) (domain.RegistryView, error) {
	ctx, span := tracer.StartSpan(ctx, "registry.load")
	defer span.End()

	agents, err := r.agents.ListAgents(ctx, userID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.RegistryView{}, domain.WrapOp("registry.load", err)
	}

	view := domain.RegistryView{
		Agents:        agents,
		SkillsByAgent: make(map[string][]domain.Skill, len(agents)),
	}
	for _, a := range agents {
		skills, err := r.skills.ListSkills(ctx, a.ID)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.RegistryView{}, domain.WrapOp("registry.load", err)
		}
		view.SkillsByAgent[a.ID] = skills
	}
	tracer.SetOK(span)
	return view, nil
}
