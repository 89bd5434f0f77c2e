package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// metaSkillRe recognizes explicit "add skill X to agent Y" requests, which
// create a skill directly instead of being answered as a question.
var metaSkillRe = regexp.MustCompile(`(?i)^\s*(?:add|create)\s+(?:a\s+)?(?:new\s+)?skill\s+(?:named\s+|called\s+)?"?([^"]+?)"?\s+(?:to|for)\s+(?:agent\s+)?"?([^"]+?)"?\s*[.!?]*\s*$`)

// TurnCoordinator owns the turn protocol: the quota gate, classification,
// the suggestion/decision handshake, answer streaming, and usage commit.
// It is the only component that emits terminal events, and it commits usage
// at most once per turn.
type TurnCoordinator struct {
	registry      *RegistryLoader
	matcher       *Matcher
	ledger        *QuotaLedger
	streamer      *ResponseStreamer
	provisioner   domain.AgentProvisioner
	synthesizer   domain.SkillSynthesizer
	agents        domain.AgentStore
	skills        domain.SkillStore
	conversations domain.ConversationStore
	defaultModel  string
	historyLimit  int
	logger        *slog.Logger
	now           func() time.Time
}

// CoordinatorDeps bundles the collaborators of a TurnCoordinator.
type CoordinatorDeps struct {
	Registry      *RegistryLoader
	Matcher       *Matcher
	Ledger        *QuotaLedger
	Streamer      *ResponseStreamer
	Provisioner   domain.AgentProvisioner
	Synthesizer   domain.SkillSynthesizer
	Agents        domain.AgentStore
	Skills        domain.SkillStore
	Conversations domain.ConversationStore
	DefaultModel  string
	HistoryLimit  int
	Logger        *slog.Logger
}

// NewTurnCoordinator wires a coordinator from its dependencies.
func NewTurnCoordinator(deps CoordinatorDeps) *TurnCoordinator {
	return &TurnCoordinator{
		registry:      deps.Registry,
		matcher:       deps.Matcher,
		ledger:        deps.Ledger,
		streamer:      deps.Streamer,
		provisioner:   deps.Provisioner,
		synthesizer:   deps.Synthesizer,
		agents:        deps.Agents,
		skills:        deps.Skills,
		conversations: deps.Conversations,
		defaultModel:  deps.DefaultModel,
		historyLimit:  deps.HistoryLimit,
		logger:        deps.Logger,
		now:           time.Now,
	}
}

// HandleTurn processes one caller turn and emits its event stream into sink.
// Protocol-level failures (quota denial, generation failure) surface as an
// error event and a nil return; only transport loss and internal invariant
// violations return an error.
func (c *TurnCoordinator) HandleTurn(ctx context.Context, req domain.TurnRequest, sink domain.EventSink) error {
	ctx, span := tracer.StartSpan(ctx, "turn.handle",
		trace.WithAttributes(tracer.StringAttr("session_id", req.SessionID)),
	)
	defer span.End()
	ctx = domain.ContextWithSessionID(ctx, req.SessionID)

	var err error
	if req.Resume != nil && req.Decision != "" {
		err = c.resolveDecision(ctx, req, sink)
	} else {
		err = c.runTurn(ctx, req, sink, 0)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// runTurn handles a fresh (or replayed) message. Replays (depth > 0) always
// run with suggestions suppressed, so a turn terminates after at most one
// suggestion round.
func (c *TurnCoordinator) runTurn(ctx context.Context, req domain.TurnRequest, sink domain.EventSink, depth int) error {
	if depth > 0 {
		req.PriorSkip = true
	}
	if ok, err := c.gate(ctx, req, sink); err != nil || !ok {
		return err
	}

	// Explicit skill-creation requests short-circuit classification. They
	// still go through the decision handshake so nothing is created without
	// the caller confirming.
	if name, agentName, ok := parseMetaSkill(req.Message); ok && depth == 0 {
		return c.suggestMetaSkill(ctx, req, sink, name, agentName)
	}

	view, err := c.registry.Load(ctx, req.UserID)
	if err != nil {
		return c.emitError(sink, err)
	}

	match := c.matcher.Match(ctx, req.Message, view, req.PriorSkip)

	switch {
	case match.NeedsClarification:
		// A clarification question is a complete turn with no model answer
		// and nothing to bill.
		if err := sink(domain.TurnEvent{Type: domain.EventContent, Content: match.Clarification}); err != nil {
			return nil
		}
		if err := sink(domain.TurnEvent{Type: domain.EventDone, SessionID: req.SessionID, Usage: &domain.UsageTotals{}}); err != nil {
			return nil
		}
		return nil

	case match.SuggestNewAgent:
		resume := &domain.ResumeToken{
			OriginalMessage: req.Message,
			FileRefs:        req.FileRefs,
			Kind:            domain.DecisionAgent,
			Suggestion:      match.Suggestion,
		}
		if err := sink(domain.TurnEvent{Type: domain.EventAgentSuggestion, Suggestion: match.Suggestion, Resume: resume}); err != nil {
			return nil
		}
		if err := sink(domain.TurnEvent{Type: domain.EventWaitingForDecision, Resume: resume}); err != nil {
			return nil
		}
		return nil

	case match.SuggestNewSkill:
		agent := view.AgentByID(match.MatchedAgentID)
		resume := &domain.ResumeToken{
			OriginalMessage: req.Message,
			FileRefs:        req.FileRefs,
			Kind:            domain.DecisionSkill,
			AgentID:         match.MatchedAgentID,
			Suggestion:      match.Suggestion,
		}
		ev := domain.TurnEvent{Type: domain.EventSkillSuggestion, Suggestion: match.Suggestion, AgentID: match.MatchedAgentID, Resume: resume}
		if agent != nil {
			ev.AgentName = agent.Name
		}
		if err := sink(ev); err != nil {
			return nil
		}
		if err := sink(domain.TurnEvent{Type: domain.EventWaitingForDecision, Resume: resume}); err != nil {
			return nil
		}
		return nil
	}

	// No suggestion pending: answer now, with the matched agent's persona
	// when there is one and a generic assistant otherwise.
	var agent *domain.Agent
	if match.MatchedAgentID != "" {
		agent = view.AgentByID(match.MatchedAgentID)
	}
	return c.answer(ctx, req, sink, agent, view.SkillsByAgent[match.MatchedAgentID])
}

// resolveDecision resolves a suspended turn from its resume token.
func (c *TurnCoordinator) resolveDecision(ctx context.Context, req domain.TurnRequest, sink domain.EventSink) error {
	token := req.Resume

	switch req.Decision {
	case domain.DecisionDecline:
		if token.Meta {
			// Declining an explicit skill request leaves nothing to answer.
			if err := sink(domain.TurnEvent{Type: domain.EventDone, SessionID: req.SessionID, Usage: &domain.UsageTotals{}}); err != nil {
				return nil
			}
			return nil
		}
		replay := req
		replay.Message = token.OriginalMessage
		replay.FileRefs = token.FileRefs
		replay.Resume = nil
		replay.Decision = ""
		replay.PriorSkip = true
		return c.runTurn(ctx, replay, sink, 1)

	case domain.DecisionAccept:
		return c.acceptSuggestion(ctx, req, sink)

	default:
		return c.emitError(sink, domain.NewDomainError("turn.decision", domain.ErrInvalidDecision,
			fmt.Sprintf("unknown decision %q", req.Decision)))
	}
}

func (c *TurnCoordinator) acceptSuggestion(ctx context.Context, req domain.TurnRequest, sink domain.EventSink) error {
	token := req.Resume

	// Creation drafts and the follow-up answer are both paid calls.
	if ok, err := c.gate(ctx, req, sink); err != nil || !ok {
		return err
	}

	switch token.Kind {
	case domain.DecisionAgent:
		agent, err := c.provisioner.ProvisionAgent(ctx, req.UserID, token.Suggestion, token.OriginalMessage)
		if err != nil {
			return c.emitError(sink, err)
		}
		if err := sink(domain.TurnEvent{Type: domain.EventAgentCreated, AgentID: agent.ID, AgentName: agent.Name}); err != nil {
			return nil
		}
		replay := req
		replay.Message = token.OriginalMessage
		replay.FileRefs = token.FileRefs
		replay.Resume = nil
		replay.Decision = ""
		return c.answer(ctx, replay, sink, agent, nil)

	case domain.DecisionSkill:
		agent, err := c.agents.GetAgent(ctx, token.AgentID)
		if err != nil {
			return c.emitError(sink, err)
		}
		skill, err := c.synthesizer.SynthesizeSkill(ctx, agent, token.Suggestion, token.OriginalMessage)
		if err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return c.emitError(sink, err)
		}
		if token.Meta {
			// Explicit requests end here: the skill itself was the ask.
			content := fmt.Sprintf("Skill %q added to agent %q.", token.Suggestion, agent.Name)
			if err := sink(domain.TurnEvent{Type: domain.EventContent, Content: content}); err != nil {
				return nil
			}
			if err := sink(domain.TurnEvent{Type: domain.EventDone, SessionID: req.SessionID, Usage: &domain.UsageTotals{}}); err != nil {
				return nil
			}
			return nil
		}
		replay := req
		replay.Message = token.OriginalMessage
		replay.FileRefs = token.FileRefs
		replay.Resume = nil
		replay.Decision = ""
		// The answer gets the agent's whole skill set, not just the new one.
		skills, listErr := c.skills.ListSkills(ctx, agent.ID)
		if listErr != nil {
			c.logger.Warn("skill list load failed", "agent_id", agent.ID, "error", listErr)
			skills = nil
			if skill != nil {
				skills = []domain.Skill{*skill}
			}
		}
		return c.answer(ctx, replay, sink, agent, skills)

	default:
		return c.emitError(sink, domain.NewDomainError("turn.decision", domain.ErrInvalidDecision,
			fmt.Sprintf("unknown suggestion kind %q", token.Kind)))
	}
}

// suggestMetaSkill turns an explicit "add skill X to agent Y" message into a
// skill suggestion against the named agent.
func (c *TurnCoordinator) suggestMetaSkill(ctx context.Context, req domain.TurnRequest, sink domain.EventSink, skillName, agentName string) error {
	view, err := c.registry.Load(ctx, req.UserID)
	if err != nil {
		return c.emitError(sink, err)
	}

	var agent *domain.Agent
	for i := range view.Agents {
		if strings.EqualFold(view.Agents[i].Name, agentName) {
			agent = &view.Agents[i]
			break
		}
	}
	if agent == nil {
		return c.emitError(sink, domain.NewDomainError("turn.meta_skill", domain.ErrAgentNotFound,
			fmt.Sprintf("no agent named %q", agentName)))
	}

	resume := &domain.ResumeToken{
		OriginalMessage: req.Message,
		Kind:            domain.DecisionSkill,
		AgentID:         agent.ID,
		Suggestion:      skillName,
		Meta:            true,
	}
	if err := sink(domain.TurnEvent{Type: domain.EventSkillSuggestion, Suggestion: skillName, AgentID: agent.ID, AgentName: agent.Name, Resume: resume}); err != nil {
		return nil
	}
	if err := sink(domain.TurnEvent{Type: domain.EventWaitingForDecision, Resume: resume}); err != nil {
		return nil
	}
	return nil
}

// answer streams the model's reply and finishes the turn: commit usage,
// record history, bump agent stats, emit done. Usage is committed at most
// once, and only for turns where the model actually produced output.
func (c *TurnCoordinator) answer(ctx context.Context, req domain.TurnRequest, sink domain.EventSink, agent *domain.Agent, skills []domain.Skill) error {
	history := c.loadHistory(ctx, req.SessionID)

	genReq := domain.GenerateRequest{
		Model:        c.model(req),
		SystemPrompt: systemPrompt(agent, skills),
		History:      history,
		Message:      req.Message,
	}

	if agent != nil {
		if err := sink(domain.TurnEvent{Type: domain.EventAgentUsed, AgentID: agent.ID, AgentName: agent.Name}); err != nil {
			return nil
		}
	}

	var reply strings.Builder
	recording := func(ev domain.TurnEvent) error {
		if ev.Type == domain.EventContent {
			reply.WriteString(ev.Content)
		}
		return sink(ev)
	}

	totals, streamErr := c.streamer.Stream(ctx, genReq, recording)
	if streamErr != nil {
		if errors.Is(streamErr, ErrSinkClosed) {
			// The caller is gone. Whatever output was delivered still costs
			// money, so commit best effort and stay silent.
			c.commit(ctx, req, totals)
			return nil
		}
		// Generation failed before completion: nothing is billed and the
		// caller sees the failure, not a done event.
		c.logger.Error("generation failed", "session_id", req.SessionID, "error", streamErr)
		return c.emitError(sink, streamErr)
	}

	c.commit(ctx, req, totals)
	c.recordHistory(ctx, req.SessionID, domain.RoleUser, req.Message)
	if reply.Len() > 0 {
		c.recordHistory(ctx, req.SessionID, domain.RoleAssistant, reply.String())
	}
	if agent != nil {
		if err := c.agents.IncrementUsage(ctx, agent.ID, c.now().UTC()); err != nil {
			c.logger.Warn("agent usage increment failed", "agent_id", agent.ID, "error", err)
		}
	}

	if err := sink(domain.TurnEvent{Type: domain.EventDone, SessionID: req.SessionID, Usage: &totals}); err != nil {
		return nil
	}
	return nil
}

// gate runs the pre-flight quota check. It returns ok=false after emitting
// the denial as an error event; a ledger failure logs and fails open so a
// storage hiccup never blocks every user.
func (c *TurnCoordinator) gate(ctx context.Context, req domain.TurnRequest, sink domain.EventSink) (bool, error) {
	decision, err := c.ledger.CheckAndReserve(ctx, req.UserID, req.APIKey)
	if err != nil {
		c.logger.Warn("quota check failed, allowing request", "user_id", req.UserID, "error", err)
		return true, nil
	}
	if decision.Allowed {
		return true, nil
	}
	denial := DenialError(decision)
	ev := domain.TurnEvent{Type: domain.EventError, Error: denial.Error(), LimitType: decision.LimitType}
	if err := sink(ev); err != nil {
		return false, nil
	}
	return false, nil
}

// commit records usage once, swallowing ledger failures (at-most-once
// accounting tolerates undercounting, never double counting).
func (c *TurnCoordinator) commit(ctx context.Context, req domain.TurnRequest, totals domain.UsageTotals) {
	if req.APIKey != "" || totals == (domain.UsageTotals{}) {
		return
	}
	if err := c.ledger.Commit(ctx, req.UserID, totals); err != nil {
		c.logger.Error("usage commit failed", "user_id", req.UserID, "error", err)
	}
}

func (c *TurnCoordinator) loadHistory(ctx context.Context, sessionID string) []domain.Message {
	if c.conversations == nil || sessionID == "" {
		return nil
	}
	history, err := c.conversations.History(ctx, sessionID, c.historyLimit)
	if err != nil {
		c.logger.Warn("history load failed", "session_id", sessionID, "error", err)
		return nil
	}
	return history
}

func (c *TurnCoordinator) recordHistory(ctx context.Context, sessionID, role, content string) {
	if c.conversations == nil || sessionID == "" {
		return
	}
	msg := domain.Message{Role: role, Content: content, Timestamp: c.now().UTC()}
	if err := c.conversations.AppendMessage(ctx, sessionID, msg); err != nil {
		c.logger.Warn("history append failed", "session_id", sessionID, "error", err)
	}
}

func (c *TurnCoordinator) model(req domain.TurnRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

// emitError reports a failure as the turn's terminal event. A dead sink is
// ignored; the error is already logged where it happened.
func (c *TurnCoordinator) emitError(sink domain.EventSink, err error) error {
	ev := domain.TurnEvent{Type: domain.EventError, Error: err.Error()}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		ev.LimitType = rl.LimitType
	}
	_ = sink(ev)
	return nil
}

// parseMetaSkill extracts (skillName, agentName) from an explicit skill
// request, if the message is one.
func parseMetaSkill(message string) (string, string, bool) {
	m := metaSkillRe.FindStringSubmatch(message)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}

// systemPrompt assembles the persona prompt, appending skill notes as
// reference material.
func systemPrompt(agent *domain.Agent, skills []domain.Skill) string {
	if agent == nil {
		return "You are a helpful assistant. Answer accurately and concisely."
	}
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)
	for _, s := range skills {
		if s.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\nReference notes (%s):\n%s", s.Name, s.Content)
	}
	return b.String()
}
