package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// ErrSinkClosed wraps sink failures so callers can tell a dead transport
// apart from a failed generation. No further events may be emitted after it.
var ErrSinkClosed = errors.New("event sink closed")

// ResponseStreamer drives one model call and forwards sanitized content
// deltas to the caller's sink. It owns only content events; suggestion and
// terminal events belong to the turn coordinator.
type ResponseStreamer struct {
	generator domain.Generator
	pricing   *PriceTable
	estimator *TokenEstimator
	logger    *slog.Logger
}

// NewResponseStreamer creates a streamer over the given backend. The backend
// may additionally implement StreamingGenerator; otherwise the full response
// is fetched synchronously and emitted as a single content event. A nil
// estimator leaves unreported usage at zero.
func NewResponseStreamer(generator domain.Generator, pricing *PriceTable, estimator *TokenEstimator, logger *slog.Logger) *ResponseStreamer {
	return &ResponseStreamer{generator: generator, pricing: pricing, estimator: estimator, logger: logger}
}

// Stream runs the model call and emits content events. It returns the usage
// totals accrued so far even on error, so the caller can still account for
// partially delivered output. A returned error wrapping ErrSinkClosed means
// the transport is gone and no terminal event may follow.
func (s *ResponseStreamer) Stream(ctx context.Context, req domain.GenerateRequest, sink domain.EventSink) (domain.UsageTotals, error) {
	ctx, span := tracer.StartSpan(ctx, "streamer.stream",
		trace.WithAttributes(tracer.StringAttr("model", req.Model)),
	)
	defer span.End()

	streaming, ok := s.generator.(domain.StreamingGenerator)
	if !ok {
		return s.streamSync(ctx, req, sink)
	}

	deltas, err := streaming.GenerateStream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.UsageTotals{}, domain.WrapOp("streamer.stream", fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err))
	}

	// Backends that report usage (include_usage, converse metadata) deliver
	// it in a trailing chunk after the finish signal, so the channel is
	// drained past Done. Only content forwarding stops there.
	var out strings.Builder
	var reported *domain.GenerateUsage
	finished := false
	for delta := range deltas {
		if delta.Usage != nil {
			reported = delta.Usage
		}
		if delta.Err != nil && !finished {
			tracer.RecordError(span, delta.Err)
			return s.totals(req, out.String(), reported), domain.WrapOp("streamer.stream",
				fmt.Errorf("%w: %v", domain.ErrGenerationFailed, delta.Err))
		}
		if delta.Content != "" && !finished {
			out.WriteString(delta.Content)
			if clean := Sanitize(delta.Content); clean != "" {
				if sinkErr := sink(domain.TurnEvent{Type: domain.EventContent, Content: clean}); sinkErr != nil {
					return s.totals(req, out.String(), reported), fmt.Errorf("%w: %v", ErrSinkClosed, sinkErr)
				}
			}
		}
		if delta.Done {
			finished = true
		}
	}

	tracer.SetOK(span)
	return s.totals(req, out.String(), reported), nil
}

func (s *ResponseStreamer) streamSync(ctx context.Context, req domain.GenerateRequest, sink domain.EventSink) (domain.UsageTotals, error) {
	resp, err := s.generator.Generate(ctx, req)
	if err != nil {
		return domain.UsageTotals{}, domain.WrapOp("streamer.stream", fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err))
	}
	if clean := Sanitize(resp.Content); clean != "" {
		if sinkErr := sink(domain.TurnEvent{Type: domain.EventContent, Content: clean}); sinkErr != nil {
			return s.totals(req, resp.Content, &resp.Usage), fmt.Errorf("%w: %v", ErrSinkClosed, sinkErr)
		}
	}
	return s.totals(req, resp.Content, &resp.Usage), nil
}

// totals converts backend-reported usage, or a local estimate when the
// backend reported none, into billable totals.
func (s *ResponseStreamer) totals(req domain.GenerateRequest, output string, reported *domain.GenerateUsage) domain.UsageTotals {
	var usage domain.GenerateUsage
	switch {
	case reported != nil:
		usage = *reported
	case s.estimator != nil:
		usage = s.estimator.Estimate(promptText(req), output)
		s.logger.Debug("backend reported no usage, estimated locally",
			"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	}
	return domain.UsageTotals{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CachedTokens: usage.CachedTokens,
		Cost:         s.pricing.Cost(req.Model, usage),
	}
}

// promptText flattens the request into the text fed to the token estimator.
func promptText(req domain.GenerateRequest) string {
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	for _, m := range req.History {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	b.WriteString("\n")
	b.WriteString(req.Message)
	return b.String()
}
