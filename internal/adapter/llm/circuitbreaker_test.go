package llm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

type flakyClassifier struct {
	err   error
	calls int
}

func (f *flakyClassifier) Classify(_ context.Context, _ domain.ClassifyRequest) (*domain.ClassifyResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ClassifyResponse{Text: "ok"}, nil
}

func (f *flakyClassifier) Name() string { return "flaky" }

func TestBreakerClassifier_PassesThroughSuccess(t *testing.T) {
	inner := &flakyClassifier{}
	bc := NewBreakerClassifier(inner, config.CircuitBreakerConfig{}, slog.New(slog.DiscardHandler))

	resp, err := bc.Classify(context.Background(), domain.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, gobreaker.StateClosed, bc.State())
}

func TestBreakerClassifier_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyClassifier{err: assert.AnError}
	bc := NewBreakerClassifier(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Minute,
	}, slog.New(slog.DiscardHandler))

	for i := 0; i < 3; i++ {
		_, err := bc.Classify(context.Background(), domain.ClassifyRequest{})
		assert.ErrorIs(t, err, assert.AnError)
	}
	assert.Equal(t, gobreaker.StateOpen, bc.State())

	// Open circuit fails fast without reaching the oracle.
	callsBefore := inner.calls
	_, err := bc.Classify(context.Background(), domain.ClassifyRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, callsBefore, inner.calls)
}

func TestBreakerClassifier_RecoversAfterTimeout(t *testing.T) {
	inner := &flakyClassifier{err: assert.AnError}
	bc := NewBreakerClassifier(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	_, err := bc.Classify(context.Background(), domain.ClassifyRequest{})
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, bc.State())

	time.Sleep(30 * time.Millisecond)
	inner.err = nil

	// The half-open probe succeeds and closes the circuit again.
	resp, err := bc.Classify(context.Background(), domain.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestBreakerClassifier_Name(t *testing.T) {
	bc := NewBreakerClassifier(&flakyClassifier{}, config.CircuitBreakerConfig{}, slog.New(slog.DiscardHandler))
	assert.Equal(t, "flaky", bc.Name())
}
