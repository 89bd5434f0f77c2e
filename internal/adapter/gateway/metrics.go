package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	TurnsTotal       atomic.Int64
	TurnsFailed      atomic.Int64
	SuggestionsTotal atomic.Int64
	EventsSent       atomic.Int64
	RateLimited      atomic.Int64
	ActiveStreams    atomic.Int64
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text
// format. The lightweight text format avoids pulling in the full prometheus
// client.
func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP maestro_turns_total Total turns handled.\n")
		fmt.Fprintf(w, "# TYPE maestro_turns_total counter\n")
		fmt.Fprintf(w, "maestro_turns_total %d\n", s.metrics.TurnsTotal.Load())

		fmt.Fprintf(w, "# HELP maestro_turns_failed_total Turns ending in an error event.\n")
		fmt.Fprintf(w, "# TYPE maestro_turns_failed_total counter\n")
		fmt.Fprintf(w, "maestro_turns_failed_total %d\n", s.metrics.TurnsFailed.Load())

		fmt.Fprintf(w, "# HELP maestro_suggestions_total Agent and skill suggestions emitted.\n")
		fmt.Fprintf(w, "# TYPE maestro_suggestions_total counter\n")
		fmt.Fprintf(w, "maestro_suggestions_total %d\n", s.metrics.SuggestionsTotal.Load())

		fmt.Fprintf(w, "# HELP maestro_events_sent_total Turn events delivered to callers.\n")
		fmt.Fprintf(w, "# TYPE maestro_events_sent_total counter\n")
		fmt.Fprintf(w, "maestro_events_sent_total %d\n", s.metrics.EventsSent.Load())

		fmt.Fprintf(w, "# HELP maestro_rate_limited_total Requests rejected by the transport limiter.\n")
		fmt.Fprintf(w, "# TYPE maestro_rate_limited_total counter\n")
		fmt.Fprintf(w, "maestro_rate_limited_total %d\n", s.metrics.RateLimited.Load())

		fmt.Fprintf(w, "# HELP maestro_active_streams Streams currently open.\n")
		fmt.Fprintf(w, "# TYPE maestro_active_streams gauge\n")
		fmt.Fprintf(w, "maestro_active_streams %d\n", s.metrics.ActiveStreams.Load())

		fmt.Fprintf(w, "# HELP maestro_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE maestro_uptime_seconds gauge\n")
		fmt.Fprintf(w, "maestro_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)
	}
}
