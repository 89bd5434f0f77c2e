package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

// stubTurns feeds a canned event sequence into the sink.
type stubTurns struct {
	events []domain.TurnEvent
	reqs   []domain.TurnRequest
}

func (s *stubTurns) HandleTurn(_ context.Context, req domain.TurnRequest, sink domain.EventSink) error {
	s.reqs = append(s.reqs, req)
	for _, ev := range s.events {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return nil
}

func testServer(turns *stubTurns) *Server {
	return NewServer(config.ServerConfig{
		Addr:          "127.0.0.1:0",
		RatePerSecond: 1000,
		RateBurst:     1000,
	}, turns, []string{"openai", "ollama"}, slog.New(slog.DiscardHandler))
}

func doneEvent() domain.TurnEvent {
	return domain.TurnEvent{Type: domain.EventDone, SessionID: "s1", Usage: &domain.UsageTotals{OutputTokens: 3}}
}

func TestTurnSSE_StreamsEvents(t *testing.T) {
	turns := &stubTurns{events: []domain.TurnEvent{
		{Type: domain.EventContent, Content: "hello"},
		doneEvent(),
	}}
	srv := testServer(turns)

	body := `{"user_id":"u1","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleTurnSSE(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, lines, 2)
	var first domain.TurnEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "data: ")), &first))
	assert.Equal(t, domain.EventContent, first.Type)
	assert.Equal(t, "hello", first.Content)

	require.Len(t, turns.reqs, 1)
	assert.Equal(t, "u1", turns.reqs[0].UserID)
	assert.Equal(t, int64(2), srv.metrics.EventsSent.Load())
	assert.Equal(t, int64(1), srv.metrics.TurnsTotal.Load())
}

func TestTurnSSE_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing user", http.MethodPost, `{"message":"hi"}`, http.StatusBadRequest},
		{"missing message", http.MethodPost, `{"user_id":"u1"}`, http.StatusBadRequest},
		{"resume without decision", http.MethodPost, `{"user_id":"u1","resume":{"original_message":"x","kind":"agent","suggestion":"s"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&stubTurns{})
			req := httptest.NewRequest(tt.method, "/api/v1/turns", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.handleTurnSSE(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestTurnSSE_RateLimited(t *testing.T) {
	turns := &stubTurns{events: []domain.TurnEvent{doneEvent()}}
	srv := NewServer(config.ServerConfig{RatePerSecond: 0.001, RateBurst: 1},
		turns, nil, slog.New(slog.DiscardHandler))

	body := `{"user_id":"u1","message":"hi"}`
	rec := httptest.NewRecorder()
	srv.handleTurnSSE(rec, httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleTurnSSE(rec, httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int64(1), srv.metrics.RateLimited.Load())
}

func TestWebSocket_TurnRoundTrip(t *testing.T) {
	turns := &stubTurns{events: []domain.TurnEvent{
		{Type: domain.EventContent, Content: "hello"},
		doneEvent(),
	}}
	srv := testServer(turns)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	payload, err := json.Marshal(domain.TurnRequest{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, ws, Frame{Type: FrameTypeTurn, ID: 7, Payload: payload}))

	var first Frame
	require.NoError(t, wsjson.Read(ctx, ws, &first))
	assert.Equal(t, FrameTypeEvent, first.Type)
	assert.Equal(t, uint64(7), first.ID, "events echo the turn's correlation ID")
	var ev domain.TurnEvent
	require.NoError(t, json.Unmarshal(first.Payload, &ev))
	assert.Equal(t, domain.EventContent, ev.Type)

	var second Frame
	require.NoError(t, wsjson.Read(ctx, ws, &second))
	var done domain.TurnEvent
	require.NoError(t, json.Unmarshal(second.Payload, &done))
	assert.Equal(t, domain.EventDone, done.Type)
}

func TestWebSocket_InvalidFrameGetsErrorFrame(t *testing.T) {
	srv := testServer(&stubTurns{})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// A turn frame missing user_id fails validation before the pipeline.
	require.NoError(t, wsjson.Write(ctx, ws, Frame{Type: FrameTypeTurn, ID: 1, Payload: json.RawMessage(`{"message":"hi"}`)}))

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Equal(t, uint64(1), frame.ID)
	assert.Contains(t, frame.Error, "user_id")
}

func TestStatusHandler(t *testing.T) {
	turns := &stubTurns{events: []domain.TurnEvent{
		{Type: domain.EventAgentSuggestion, Suggestion: "X"},
		{Type: domain.EventWaitingForDecision},
	}}
	srv := testServer(turns)

	rec := httptest.NewRecorder()
	srv.handleTurnSSE(rec, httptest.NewRequest(http.MethodPost, "/api/v1/turns",
		strings.NewReader(`{"user_id":"u1","message":"hi"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.statusHandler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "maestro", status.Service.Name)
	assert.Equal(t, []string{"openai", "ollama"}, status.Backends)
	assert.Equal(t, int64(1), status.Turns.Total)
	assert.Equal(t, int64(1), status.Turns.Suggestions)
	assert.Equal(t, int64(0), status.Turns.ActiveStreams)
}

func TestMetricsHandler(t *testing.T) {
	srv := testServer(&stubTurns{})
	srv.metrics.TurnsTotal.Add(3)

	rec := httptest.NewRecorder()
	srv.metricsHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "maestro_turns_total 3")
	assert.Contains(t, body, "# TYPE maestro_active_streams gauge")
	assert.Contains(t, body, "go_goroutines")
}

func TestValidateTurnRequest(t *testing.T) {
	valid := domain.TurnRequest{UserID: "u1", Message: "hi"}
	assert.NoError(t, validateTurnRequest(valid))

	resume := domain.TurnRequest{
		UserID:   "u1",
		Resume:   &domain.ResumeToken{OriginalMessage: "x", Kind: domain.DecisionAgent},
		Decision: domain.DecisionAccept,
	}
	assert.NoError(t, validateTurnRequest(resume))

	assert.Error(t, validateTurnRequest(domain.TurnRequest{Message: "hi"}))
	assert.Error(t, validateTurnRequest(domain.TurnRequest{UserID: "u1"}))
	resume.Decision = ""
	assert.Error(t, validateTurnRequest(resume))
}

func TestUserLimiter(t *testing.T) {
	l := newUserLimiter(1, 2)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"), "burst exhausted")
	assert.True(t, l.Allow("u2"), "buckets are per user")
}

func TestUserLimiterDefaults(t *testing.T) {
	l := newUserLimiter(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("u1"), "request %d within the default burst", i)
	}
}
