package usecase

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

type fakeAgentStore struct {
	agents      []domain.Agent
	incremented []string
}

func (f *fakeAgentStore) ListAgents(_ context.Context, _ string) ([]domain.Agent, error) {
	return f.agents, nil
}

func (f *fakeAgentStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	for i := range f.agents {
		if f.agents[i].ID == id {
			cp := f.agents[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrAgentNotFound
}

func (f *fakeAgentStore) CreateAgent(_ context.Context, spec domain.AgentSpec) (*domain.Agent, error) {
	a := domain.Agent{
		ID:     fmt.Sprintf("agent-%d", len(f.agents)+1),
		UserID: spec.UserID,
		Name:   spec.Name,
	}
	f.agents = append(f.agents, a)
	return &a, nil
}

func (f *fakeAgentStore) IncrementUsage(_ context.Context, agentID string, _ time.Time) error {
	f.incremented = append(f.incremented, agentID)
	return nil
}

type fakeSkillStore struct {
	skills map[string][]domain.Skill
}

func (f *fakeSkillStore) ListSkills(_ context.Context, agentID string) ([]domain.Skill, error) {
	return f.skills[agentID], nil
}

func (f *fakeSkillStore) CreateSkill(_ context.Context, spec domain.SkillSpec) (*domain.Skill, error) {
	for _, s := range f.skills[spec.AgentID] {
		if strings.EqualFold(s.Name, spec.Name) {
			return nil, domain.ErrSkillDuplicate
		}
	}
	sk := domain.Skill{
		ID:      fmt.Sprintf("skill-%d", len(f.skills[spec.AgentID])+1),
		AgentID: spec.AgentID,
		Name:    spec.Name,
		Content: spec.Content,
	}
	f.skills[spec.AgentID] = append(f.skills[spec.AgentID], sk)
	return &sk, nil
}

type fakeConvStore struct {
	messages map[string][]domain.Message
}

func (f *fakeConvStore) AppendMessage(_ context.Context, sessionID string, msg domain.Message) error {
	f.messages[sessionID] = append(f.messages[sessionID], msg)
	return nil
}

func (f *fakeConvStore) History(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	msgs := f.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

type fakeProvisioner struct {
	topics []string
}

func (f *fakeProvisioner) ProvisionAgent(_ context.Context, userID, topic, _ string) (*domain.Agent, error) {
	f.topics = append(f.topics, topic)
	return &domain.Agent{ID: "new-agent", UserID: userID, Name: topic, SystemPrompt: "You handle " + topic + "."}, nil
}

type fakeSynthesizer struct {
	topics []string
	err    error
}

func (f *fakeSynthesizer) SynthesizeSkill(_ context.Context, agent *domain.Agent, topic, _ string) (*domain.Skill, error) {
	f.topics = append(f.topics, topic)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Skill{ID: "new-skill", AgentID: agent.ID, Name: topic}, nil
}

type coordFixture struct {
	agents *fakeAgentStore
	skills *fakeSkillStore
	conv   *fakeConvStore
	quota  *fakeQuotaStore
	prov   *fakeProvisioner
	synth  *fakeSynthesizer
	coord  *TurnCoordinator
}

func newCoordFixture(t *testing.T, gen domain.Generator, limits domain.QuotaLimits) *coordFixture {
	t.Helper()
	f := &coordFixture{
		agents: &fakeAgentStore{},
		skills: &fakeSkillStore{skills: make(map[string][]domain.Skill)},
		conv:   &fakeConvStore{messages: make(map[string][]domain.Message)},
		quota:  newFakeQuotaStore(),
		prov:   &fakeProvisioner{},
		synth:  &fakeSynthesizer{},
	}
	matcher, err := NewMatcher(nil, DefaultThresholds(), testLogger())
	require.NoError(t, err)
	f.coord = NewTurnCoordinator(CoordinatorDeps{
		Registry:      NewRegistryLoader(f.agents, f.skills, testLogger()),
		Matcher:       matcher,
		Ledger:        NewQuotaLedger(f.quota, limits, testLogger()),
		Streamer:      NewResponseStreamer(gen, testPricing(), nil, testLogger()),
		Provisioner:   f.prov,
		Synthesizer:   f.synth,
		Agents:        f.agents,
		Skills:        f.skills,
		Conversations: f.conv,
		DefaultModel:  "gpt-4o",
		HistoryLimit:  20,
		Logger:        testLogger(),
	})
	return f
}

// withWeatherAgent seeds an agent that the fallback scorer matches for
// weather questions, plus a skill that absorbs the derived suggestion so
// the turn answers directly instead of suspending on a suggestion.
func (f *coordFixture) withWeatherAgent() {
	f.agents.agents = []domain.Agent{{
		ID:            "wx",
		UserID:        "u1",
		Name:          "Weather Bot",
		Description:   "weather forecast updates",
		ExpertiseTags: []string{"weather", "forecast"},
		SystemPrompt:  "You are a weather expert.",
	}}
	f.skills.skills["wx"] = []domain.Skill{{
		ID: "s1", AgentID: "wx", Name: "Weather Forecast Notes", Content: "notes",
	}}
}

func helloGen(usage domain.GenerateUsage) *fakeStreamer {
	return &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "Sunny, 22 degrees."},
		{Done: true, Usage: &usage},
	}}
}

func eventTypes(events []domain.TurnEvent) []domain.TurnEventType {
	var out []domain.TurnEventType
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func lastEvent(t *testing.T, events []domain.TurnEvent) domain.TurnEvent {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestCoordinator_AnswerFlow(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{InputTokens: 20, OutputTokens: 8}), testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", SessionID: "sess-1", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.TurnEventType{
		domain.EventAgentUsed, domain.EventContent, domain.EventDone,
	}, eventTypes(rec.events))
	assert.Equal(t, "wx", rec.events[0].AgentID)
	assert.Equal(t, "Weather Bot", rec.events[0].AgentName)

	done := lastEvent(t, rec.events)
	require.NotNil(t, done.Usage)
	assert.Equal(t, int64(8), done.Usage.OutputTokens)
	assert.Equal(t, "sess-1", done.SessionID)

	// Exactly one commit, history for both sides, and an agent stat bump.
	assert.Equal(t, 1, f.quota.incrCalls)
	require.Len(t, f.conv.messages["sess-1"], 2)
	assert.Equal(t, domain.RoleUser, f.conv.messages["sess-1"][0].Role)
	assert.Equal(t, domain.RoleAssistant, f.conv.messages["sess-1"][1].Role)
	assert.Equal(t, "Sunny, 22 degrees.", f.conv.messages["sess-1"][1].Content)
	assert.Equal(t, []string{"wx"}, f.agents.incremented)
}

func TestCoordinator_EmptyRegistrySuspendsOnAgentSuggestion(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", Message: "how do I bake sourdough bread",
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.TurnEventType{
		domain.EventAgentSuggestion, domain.EventWaitingForDecision,
	}, eventTypes(rec.events))
	resume := rec.events[1].Resume
	require.NotNil(t, resume)
	assert.Equal(t, domain.DecisionAgent, resume.Kind)
	assert.Equal(t, "how do I bake sourdough bread", resume.OriginalMessage)
	assert.Zero(t, f.quota.incrCalls, "a suspended turn bills nothing")
}

func TestCoordinator_SkillSuggestionCarriesAgent(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	f.withWeatherAgent()
	// Drop the absorbing skill so the suggestion survives dedup.
	f.skills.skills["wx"] = nil
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.TurnEventType{
		domain.EventSkillSuggestion, domain.EventWaitingForDecision,
	}, eventTypes(rec.events))
	assert.Equal(t, "wx", rec.events[0].AgentID)
	assert.Equal(t, "Weather Bot", rec.events[0].AgentName)
	resume := rec.events[1].Resume
	require.NotNil(t, resume)
	assert.Equal(t, domain.DecisionSkill, resume.Kind)
	assert.Equal(t, "wx", resume.AgentID)
}

func TestCoordinator_DeclineReplaysWithoutSuggestions(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{OutputTokens: 5}), testLimits())
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionDecline,
		Resume: &domain.ResumeToken{
			OriginalMessage: "how do I bake sourdough bread",
			Kind:            domain.DecisionAgent,
			Suggestion:      "Bake Sourdough Bread",
		},
	}, rec.sink)
	require.NoError(t, err)

	// Even with an empty registry the replay answers generically instead of
	// re-suggesting, so a decline can never loop.
	assert.Equal(t, []domain.TurnEventType{
		domain.EventContent, domain.EventDone,
	}, eventTypes(rec.events))
	assert.Equal(t, 1, f.quota.incrCalls)
}

func TestCoordinator_AcceptAgentSuggestion(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{OutputTokens: 5}), testLimits())
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionAccept,
		Resume: &domain.ResumeToken{
			OriginalMessage: "how do I bake sourdough bread",
			Kind:            domain.DecisionAgent,
			Suggestion:      "Bake Sourdough Bread",
		},
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bake Sourdough Bread"}, f.prov.topics)
	assert.Equal(t, []domain.TurnEventType{
		domain.EventAgentCreated, domain.EventAgentUsed, domain.EventContent, domain.EventDone,
	}, eventTypes(rec.events))
	assert.Equal(t, "new-agent", rec.events[0].AgentID)
	assert.Equal(t, "Bake Sourdough Bread", rec.events[0].AgentName)
}

func TestCoordinator_AcceptSkillSuggestion(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{OutputTokens: 5}), testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionAccept,
		Resume: &domain.ResumeToken{
			OriginalMessage: "storm warnings for tonight",
			Kind:            domain.DecisionSkill,
			AgentID:         "wx",
			Suggestion:      "Storm Warnings",
		},
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Storm Warnings"}, f.synth.topics)
	assert.Equal(t, []domain.TurnEventType{
		domain.EventAgentUsed, domain.EventContent, domain.EventDone,
	}, eventTypes(rec.events))
}

// The replayed answer after a skill accept carries the agent's whole skill
// set, not only the just-created one.
func TestCoordinator_AcceptSkillKeepsExistingSkills(t *testing.T) {
	gen := helloGen(domain.GenerateUsage{OutputTokens: 5})
	f := newCoordFixture(t, gen, testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionAccept,
		Resume: &domain.ResumeToken{
			OriginalMessage: "storm warnings for tonight",
			Kind:            domain.DecisionSkill,
			AgentID:         "wx",
			Suggestion:      "Storm Warnings",
		},
	}, rec.sink)
	require.NoError(t, err)

	assert.Contains(t, gen.lastReq.SystemPrompt, "Weather Forecast Notes")
	assert.Contains(t, gen.lastReq.SystemPrompt, "notes")
}

// A duplicate skill on accept is tolerated: the capability already exists,
// so the turn proceeds to the answer.
func TestCoordinator_AcceptDuplicateSkillStillAnswers(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{OutputTokens: 5}), testLimits())
	f.withWeatherAgent()
	f.synth.err = domain.ErrSkillDuplicate
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionAccept,
		Resume: &domain.ResumeToken{
			OriginalMessage: "storm warnings for tonight",
			Kind:            domain.DecisionSkill,
			AgentID:         "wx",
			Suggestion:      "Storm Warnings",
		},
	}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDone, lastEvent(t, rec.events).Type)
}

func TestCoordinator_MetaSkillRequest(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:  "u1",
		Message: `add skill "Storm Warnings" to agent "Weather Bot"`,
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.TurnEventType{
		domain.EventSkillSuggestion, domain.EventWaitingForDecision,
	}, eventTypes(rec.events))
	resume := rec.events[1].Resume
	require.NotNil(t, resume)
	assert.True(t, resume.Meta)
	assert.Equal(t, "wx", resume.AgentID)
	assert.Equal(t, "Storm Warnings", resume.Suggestion)
}

func TestCoordinator_MetaSkillAcceptEndsWithoutAnswer(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: domain.DecisionAccept,
		Resume: &domain.ResumeToken{
			OriginalMessage: `add skill "Storm Warnings" to agent "Weather Bot"`,
			Kind:            domain.DecisionSkill,
			AgentID:         "wx",
			Suggestion:      "Storm Warnings",
			Meta:            true,
		},
	}, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Storm Warnings"}, f.synth.topics)
	assert.Equal(t, []domain.TurnEventType{
		domain.EventContent, domain.EventDone,
	}, eventTypes(rec.events))
	assert.Contains(t, rec.events[0].Content, "Storm Warnings")
}

func TestCoordinator_MetaSkillUnknownAgent(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:  "u1",
		Message: `add skill "Tax Law" to agent "Finance"`,
	}, rec.sink)
	require.NoError(t, err)

	ev := lastEvent(t, rec.events)
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Error, "Finance")
}

func TestCoordinator_QuotaDenialEmitsErrorEvent(t *testing.T) {
	limits := testLimits()
	limits.RequireAuth = true
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), limits)
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.EventError, rec.events[0].Type)
	assert.Equal(t, domain.LimitTrial, rec.events[0].LimitType)
	assert.Zero(t, f.quota.incrCalls)
}

func TestCoordinator_GenerationFailureEmitsErrorNoCommit(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{{Err: assert.AnError}}}
	f := newCoordFixture(t, gen, testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", SessionID: "sess-1", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)

	ev := lastEvent(t, rec.events)
	assert.Equal(t, domain.EventError, ev.Type)
	for _, e := range rec.events {
		assert.NotEqual(t, domain.EventDone, e.Type, "a failed turn must not look complete")
	}
	assert.Zero(t, f.quota.incrCalls)
	assert.Empty(t, f.conv.messages["sess-1"])
}

func TestCoordinator_SinkClosedCommitsBestEffort(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "partial answer", Usage: &domain.GenerateUsage{OutputTokens: 3}},
		{Content: "never delivered"},
		{Done: true},
	}}
	f := newCoordFixture(t, gen, testLimits())
	f.withWeatherAgent()
	rec := newSinkRecorder()
	rec.failAfter = 2 // agent_used and the first content delta get through

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)

	// The transport is gone: no terminal event, but delivered output is billed.
	for _, ev := range rec.events {
		assert.NotEqual(t, domain.EventDone, ev.Type)
		assert.NotEqual(t, domain.EventError, ev.Type)
	}
	assert.Equal(t, 1, f.quota.incrCalls)
}

func TestCoordinator_OverrideKeySkipsLedger(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{OutputTokens: 5}), testLimits())
	f.withWeatherAgent()
	f.quota.fail = assert.AnError // any ledger access would error the turn
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID: "u1", APIKey: "sk-own-key", Message: "weather forecast for europe today",
	}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDone, lastEvent(t, rec.events).Type)
	assert.Zero(t, f.quota.incrCalls)
}

func TestCoordinator_UnknownDecisionRejected(t *testing.T) {
	f := newCoordFixture(t, helloGen(domain.GenerateUsage{}), testLimits())
	rec := newSinkRecorder()

	err := f.coord.HandleTurn(context.Background(), domain.TurnRequest{
		UserID:   "u1",
		Decision: "maybe",
		Resume:   &domain.ResumeToken{OriginalMessage: "x", Kind: domain.DecisionAgent},
	}, rec.sink)
	require.NoError(t, err)

	ev := lastEvent(t, rec.events)
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Error, "maybe")
}

func TestParseMetaSkill(t *testing.T) {
	tests := []struct {
		in          string
		skill, name string
		ok          bool
	}{
		{`add skill "Tax Law" to agent "Finance"`, "Tax Law", "Finance", true},
		{`create a new skill called Storm Tracking for Weather Bot`, "Storm Tracking", "Weather Bot", true},
		{`Add skill named budgeting to agent finance.`, "budgeting", "finance", true},
		{`what is the weather`, "", "", false},
		{`skill issue`, "", "", false},
	}
	for _, tt := range tests {
		skill, name, ok := parseMetaSkill(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.skill, skill, "input %q", tt.in)
		assert.Equal(t, tt.name, name, "input %q", tt.in)
	}
}
