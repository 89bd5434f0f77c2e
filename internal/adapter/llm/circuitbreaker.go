package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClassifier wraps a Classifier with circuit breaker protection.
// When the oracle fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching it, so every turn drops straight to the
// fallback matcher instead of waiting out a timeout.
type BreakerClassifier struct {
	inner   domain.Classifier
	breaker *gobreaker.CircuitBreaker[*domain.ClassifyResponse]
	logger  *slog.Logger
}

var _ domain.Classifier = (*BreakerClassifier)(nil)

// NewBreakerClassifier wraps inner with a circuit breaker. Zero-valued
// config fields get defaults.
func NewBreakerClassifier(inner domain.Classifier, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerClassifier {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.ClassifyResponse](gobreaker.Settings{
		Name:        "classifier:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerClassifier{inner: inner, breaker: cb, logger: logger}
}

// Classify implements domain.Classifier. Calls route through the breaker.
func (c *BreakerClassifier) Classify(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassifyResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.ClassifyResponse, error) {
		return c.inner.Classify(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("classifier %q circuit open: %w", c.inner.Name(), err)
		}
		return nil, err
	}
	return resp, nil
}

// Name implements domain.Classifier.
func (c *BreakerClassifier) Name() string { return c.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (c *BreakerClassifier) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current failure/success counts.
func (c *BreakerClassifier) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}
