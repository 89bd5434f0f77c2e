package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maestro/internal/domain"
)

var (
	_ domain.Generator          = (*FailoverGenerator)(nil)
	_ domain.StreamingGenerator = (*FailoverGenerator)(nil)
)

// FailoverGenerator wraps a primary generator with ordered fallbacks. If the
// primary fails, it tries each fallback in order.
type FailoverGenerator struct {
	primary   domain.Generator
	fallbacks []domain.Generator
	logger    *slog.Logger
}

// NewFailoverGenerator creates a failover-capable generator.
func NewFailoverGenerator(primary domain.Generator, fallbacks []domain.Generator, logger *slog.Logger) *FailoverGenerator {
	return &FailoverGenerator{primary: primary, fallbacks: fallbacks, logger: logger}
}

// Generate tries the primary first, then each fallback on failure.
func (f *FailoverGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	resp, err := f.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary generator failed, trying fallbacks",
		"primary", f.primary.Name(), "error", err)

	failures := []string{fmt.Sprintf("%s: %v", f.primary.Name(), err)}
	for _, fb := range f.fallbacks {
		resp, err = fb.Generate(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "backend", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback generator failed", "backend", fb.Name(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", fb.Name(), err))
	}

	return nil, fmt.Errorf("all backends failed: [%s]", strings.Join(failures, "; "))
}

// GenerateStream tries streaming from the primary, then each fallback. The
// breaker here is connection setup only; errors after the stream opens flow
// through the delta channel and do not retry.
func (f *FailoverGenerator) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.GenerateDelta, error) {
	var failures []string

	if sg, ok := f.primary.(domain.StreamingGenerator); ok {
		ch, err := sg.GenerateStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		f.logger.Warn("primary streaming failed, trying fallbacks",
			"primary", f.primary.Name(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", f.primary.Name(), err))
	}

	for _, fb := range f.fallbacks {
		if sg, ok := fb.(domain.StreamingGenerator); ok {
			ch, err := sg.GenerateStream(ctx, req)
			if err == nil {
				f.logger.Info("streaming failover succeeded", "backend", fb.Name())
				return ch, nil
			}
			f.logger.Warn("fallback streaming failed", "backend", fb.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", fb.Name(), err))
		}
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("all streaming backends failed: [%s]", strings.Join(failures, "; "))
	}
	return nil, fmt.Errorf("no streaming-capable backends available")
}

// Name returns a composite name.
func (f *FailoverGenerator) Name() string {
	return f.primary.Name() + "+failover"
}
