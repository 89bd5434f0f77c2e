package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

const classifyToolName = "classify_message"

// classifySchema validates the oracle's tool-call arguments before they
// become a MatchResult. The oracle is untrusted: shape is checked here,
// semantic invariants by MatchResult.Validate.
const classifySchema = `{
	"type": "object",
	"properties": {
		"matched_agent_id": {"type": ["string", "null"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"suggest_new_agent": {"type": "boolean"},
		"suggest_new_skill": {"type": "boolean"},
		"suggestion": {"type": ["string", "null"]}
	},
	"required": ["confidence"]
}`

// clarificationHints are the free-text markers that turn an unparseable
// oracle reply into a clarification request instead of a fallback match.
var clarificationHints = []string{
	"clarify", "clarification", "rephrase", "unclear", "could you",
	"can you be more specific", "what do you mean", "not sure what",
}

// firstAgentSuggestion is emitted when a user with no agents sends any message.
const firstAgentSuggestion = "Create your first agent to get started!"

// skillDupOverlap is the number of shared significant tokens at which a
// proposed skill is considered a near-duplicate of an existing one.
const skillDupOverlap = 2

// Matcher classifies a message against the capability registry view. It
// wraps the untrusted classifier oracle with boundary validation and a
// deterministic keyword fallback.
type Matcher struct {
	classifier domain.Classifier
	fallback   *FallbackMatcher
	th         Thresholds
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

// NewMatcher creates a matcher. The classifier may be nil, in which case
// every match goes through the fallback scorer.
func NewMatcher(classifier domain.Classifier, th Thresholds, logger *slog.Logger) (*Matcher, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(classifySchema))
	if err != nil {
		return nil, fmt.Errorf("compile classify schema: %w", err)
	}
	return &Matcher{
		classifier: classifier,
		fallback:   NewFallbackMatcher(th),
		th:         th,
		schema:     schema,
		logger:     logger,
	}, nil
}

// Match produces the MatchResult for one message. It never returns an
// error: oracle failures degrade to the fallback matcher so the turn can
// always proceed.
func (m *Matcher) Match(ctx context.Context, message string, view domain.RegistryView, priorSkip bool) domain.MatchResult {
	ctx, span := tracer.StartSpan(ctx, "matcher.match",
		trace.WithAttributes(tracer.IntAttr("registry.agents", len(view.Agents))),
	)
	defer span.End()

	// A user with no agents gets the first-agent suggestion without ever
	// invoking the classifier.
	if view.Empty() {
		if priorSkip {
			return domain.MatchResult{Reasoning: "suggestions suppressed for this message"}
		}
		return domain.MatchResult{
			SuggestNewAgent: true,
			Suggestion:      firstAgentSuggestion,
			Reasoning:       "no agents registered yet",
		}
	}

	// The caller already declined a suggestion for this message. Skip the
	// paid oracle call, score deterministically, and suppress suggestions
	// so the turn can never loop back into one.
	if priorSkip {
		res := m.fallback.Match(message, view)
		res.SuggestNewAgent = false
		res.SuggestNewSkill = false
		res.Suggestion = ""
		return res
	}

	res, err := m.classify(ctx, message, view)
	if err != nil {
		m.logger.Warn("classifier degraded to fallback matcher", "error", err)
		span.AddEvent("fallback")
		fb := m.fallback.Match(message, view)
		m.dedupSkill(&fb, view)
		return fb
	}
	if res.NeedsClarification {
		return *res
	}
	m.dedupSkill(res, view)
	tracer.SetOK(span)
	return *res
}

// classify calls the oracle and validates its output at the boundary.
// The returned error means "use the fallback matcher".
func (m *Matcher) classify(ctx context.Context, message string, view domain.RegistryView) (*domain.MatchResult, error) {
	if m.classifier == nil {
		return nil, domain.ErrClassifierFailure
	}

	req := domain.ClassifyRequest{
		Instructions: buildInstructions(view, m.th),
		Message:      message,
		Tools: []domain.ToolSchema{{
			Name:        classifyToolName,
			Description: "Report the classification verdict for the user's message.",
			Parameters:  json.RawMessage(classifySchema),
		}},
	}

	resp, err := m.classifier.Classify(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrClassifierFailure, err)
	}

	res, parseErr := m.parseVerdict(resp, view)
	if parseErr == nil {
		return res, nil
	}

	// Unparseable output that reads like a question back to the user is a
	// clarification request, shown verbatim instead of an answer.
	if text := strings.TrimSpace(resp.Text); text != "" && looksLikeClarification(text) {
		return &domain.MatchResult{NeedsClarification: true, Clarification: text}, nil
	}
	return nil, parseErr
}

// parseVerdict turns the oracle's tool call into a validated MatchResult.
func (m *Matcher) parseVerdict(resp *domain.ClassifyResponse, view domain.RegistryView) (*domain.MatchResult, error) {
	if resp.ToolCall == nil || resp.ToolCall.Name != classifyToolName {
		return nil, fmt.Errorf("%w: no %s tool call", domain.ErrOracleMalformed, classifyToolName)
	}

	var raw any
	if err := json.Unmarshal([]byte(resp.ToolCall.Arguments), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleMalformed, err)
	}
	if vr := m.schema.Validate(raw); !vr.IsValid() {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleMalformed, vr.Error())
	}

	var verdict struct {
		MatchedAgentID  *string `json:"matched_agent_id"`
		Confidence      float64 `json:"confidence"`
		Reasoning       string  `json:"reasoning"`
		SuggestNewAgent bool    `json:"suggest_new_agent"`
		SuggestNewSkill bool    `json:"suggest_new_skill"`
		Suggestion      *string `json:"suggestion"`
	}
	if err := json.Unmarshal([]byte(resp.ToolCall.Arguments), &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleMalformed, err)
	}

	res := domain.MatchResult{
		Confidence:      verdict.Confidence,
		Reasoning:       verdict.Reasoning,
		SuggestNewAgent: verdict.SuggestNewAgent,
		SuggestNewSkill: verdict.SuggestNewSkill,
	}
	if verdict.MatchedAgentID != nil {
		res.MatchedAgentID = *verdict.MatchedAgentID
	}
	if verdict.Suggestion != nil {
		res.Suggestion = *verdict.Suggestion
	}

	// The oracle may hallucinate agent IDs; an unknown ID is malformed.
	if res.MatchedAgentID != "" && view.AgentByID(res.MatchedAgentID) == nil {
		return nil, fmt.Errorf("%w: unknown agent id %q", domain.ErrOracleMalformed, res.MatchedAgentID)
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleMalformed, err)
	}
	return &res, nil
}

// dedupSkill suppresses a proposed skill that is a near-duplicate of one
// the matched agent already has, keeping the oracle from re-proposing the
// same capability turn after turn.
func (m *Matcher) dedupSkill(res *domain.MatchResult, view domain.RegistryView) {
	if !res.SuggestNewSkill || res.Suggestion == "" {
		return
	}
	for _, skill := range view.SkillsByAgent[res.MatchedAgentID] {
		if tokenOverlap(res.Suggestion, skill.Name) >= skillDupOverlap {
			m.logger.Debug("suppressed near-duplicate skill suggestion",
				"proposed", res.Suggestion, "existing", skill.Name)
			res.SuggestNewSkill = false
			res.Suggestion = ""
			return
		}
	}
}

func looksLikeClarification(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range clarificationHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// buildInstructions renders the capability summary and the fixed decision
// policy the oracle must follow.
func buildInstructions(view domain.RegistryView, th Thresholds) string {
	var b strings.Builder
	b.WriteString("You route user messages to the best-fitting agent.\n\nAgents:\n")
	for _, a := range view.Agents {
		fmt.Fprintf(&b, "- id=%s name=%q description=%q", a.ID, a.Name, a.Description)
		if len(a.ExpertiseTags) > 0 {
			fmt.Fprintf(&b, " expertise=%s", strings.Join(a.ExpertiseTags, ","))
		}
		if len(a.CapabilityTags) > 0 {
			fmt.Fprintf(&b, " capabilities=%s", strings.Join(a.CapabilityTags, ","))
		}
		b.WriteString("\n")
		for _, s := range view.SkillsByAgent[a.ID] {
			fmt.Fprintf(&b, "  skill: %q: %s\n", s.Name, s.Description)
		}
	}
	fmt.Fprintf(&b, `
Decision policy, in priority order:
1. If an existing skill already covers the topic, match that agent with
   confidence between %.2f and %.2f and no suggestion.
2. Otherwise, if an agent's general expertise plausibly covers the topic
   but no skill does, match that agent, set suggest_new_skill=true, and
   derive a short skill name in "suggestion".
3. Otherwise set no match, suggest_new_agent=true, and derive a short topic
   name in "suggestion".
A skill scoped to a region or category covers all of its sub-entities: a
continent-scoped skill covers each of its countries, and unit-conversion
variants of a question are the same topic. Never set both suggest_new_agent
and suggest_new_skill. Always answer via the %s tool.
`, th.OracleFloor, th.OracleCeiling, classifyToolName)
	return b.String()
}
