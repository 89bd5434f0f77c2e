package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

// TurnHandler runs one caller turn and feeds its events into the sink.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req domain.TurnRequest, sink domain.EventSink) error
}

// Server exposes the turn protocol over HTTP: an SSE endpoint for
// one-shot streaming turns, a WebSocket endpoint for long-lived clients,
// plus status and metrics.
type Server struct {
	turns     TurnHandler
	backends  []string
	limiter   *userLimiter
	metrics   *Metrics
	logger    *slog.Logger
	addr      string
	httpSrv   *http.Server
	boundAddr string
	startTime time.Time
	nextID    atomic.Uint64
}

// NewServer creates a gateway server. backends is the list of configured
// model backend names, reported by the status endpoint.
func NewServer(cfg config.ServerConfig, turns TurnHandler, backends []string, logger *slog.Logger) *Server {
	return &Server{
		turns:     turns,
		backends:  backends,
		limiter:   newUserLimiter(cfg.RatePerSecond, cfg.RateBurst),
		metrics:   &Metrics{},
		logger:    logger,
		addr:      cfg.Addr,
		startTime: time.Now(),
	}
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/turns", s.handleTurnSSE)
	mux.HandleFunc("/api/v1/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/status", s.statusHandler())
	mux.HandleFunc("/metrics", s.metricsHandler())

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// handleTurnSSE runs one turn and streams its events as SSE data frames.
func (s *Server) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req domain.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateTurnRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(req.UserID) {
		s.metrics.RateLimited.Add(1)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.metrics.TurnsTotal.Add(1)
	s.metrics.ActiveStreams.Add(1)
	defer s.metrics.ActiveStreams.Add(-1)

	ctx := r.Context()
	sink := func(ev domain.TurnEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.observe(ev)
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.turns.HandleTurn(ctx, req, sink); err != nil {
		s.logger.Error("turn failed", "user_id", req.UserID, "error", err)
	}
}

// handleWebSocket serves long-lived clients: each turn frame runs one turn,
// its events come back as event frames with the same correlation ID.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	connID := s.nextID.Add(1)
	s.logger.Info("gateway client connected", "conn_id", connID)
	defer s.logger.Info("gateway client disconnected", "conn_id", connID)

	ctx := r.Context()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return // connection closed or error
		}
		if frame.Type != FrameTypeTurn {
			continue
		}

		var req domain.TurnRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.writeFrame(ctx, ws, Frame{Type: FrameTypeError, ID: frame.ID, Error: "invalid turn payload"})
			continue
		}
		if err := validateTurnRequest(req); err != nil {
			s.writeFrame(ctx, ws, Frame{Type: FrameTypeError, ID: frame.ID, Error: err.Error()})
			continue
		}
		if !s.limiter.Allow(req.UserID) {
			s.metrics.RateLimited.Add(1)
			s.writeFrame(ctx, ws, Frame{Type: FrameTypeError, ID: frame.ID, Error: "too many requests"})
			continue
		}

		s.metrics.TurnsTotal.Add(1)
		turnID := frame.ID
		sink := func(ev domain.TurnEvent) error {
			s.observe(ev)
			out, err := eventFrame(turnID, ev)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return wsjson.Write(writeCtx, ws, out)
		}

		if err := s.turns.HandleTurn(ctx, req, sink); err != nil {
			s.logger.Error("turn failed", "conn_id", connID, "user_id", req.UserID, "error", err)
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, ws *websocket.Conn, frame Frame) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, frame); err != nil {
		s.logger.Warn("frame write failed", "error", err)
	}
}

// observe updates event counters as events flow to the caller.
func (s *Server) observe(ev domain.TurnEvent) {
	s.metrics.EventsSent.Add(1)
	switch ev.Type {
	case domain.EventAgentSuggestion, domain.EventSkillSuggestion:
		s.metrics.SuggestionsTotal.Add(1)
	case domain.EventError:
		s.metrics.TurnsFailed.Add(1)
	}
}

func validateTurnRequest(req domain.TurnRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if req.Message == "" && req.Resume == nil {
		return fmt.Errorf("message is required")
	}
	if req.Resume != nil && req.Decision == "" {
		return fmt.Errorf("decision is required with a resume token")
	}
	return nil
}

// --- status API ---

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service  ServiceStatus `json:"service"`
	Backends []string      `json:"backends"`
	Turns    TurnStatus    `json:"turns"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TurnStatus holds turn counters.
type TurnStatus struct {
	Total         int64 `json:"total"`
	Failed        int64 `json:"failed"`
	Suggestions   int64 `json:"suggestions"`
	ActiveStreams int64 `json:"active_streams"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "maestro",
				UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
			},
			Backends: s.backends,
			Turns: TurnStatus{
				Total:         s.metrics.TurnsTotal.Load(),
				Failed:        s.metrics.TurnsFailed.Load(),
				Suggestions:   s.metrics.SuggestionsTotal.Load(),
				ActiveStreams: s.metrics.ActiveStreams.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
