package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

// fakeStreamer feeds a fixed delta sequence through GenerateStream and
// remembers the last request it saw.
type fakeStreamer struct {
	deltas  []domain.GenerateDelta
	lastReq domain.GenerateRequest
}

func (f *fakeStreamer) Generate(_ context.Context, _ domain.GenerateRequest) (*domain.GenerateResponse, error) {
	return nil, assert.AnError
}

func (f *fakeStreamer) GenerateStream(_ context.Context, req domain.GenerateRequest) (<-chan domain.GenerateDelta, error) {
	f.lastReq = req
	ch := make(chan domain.GenerateDelta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (f *fakeStreamer) Name() string { return "fake-stream" }

// fakeSyncGenerator has no streaming support at all.
type fakeSyncGenerator struct {
	resp *domain.GenerateResponse
	err  error
}

func (f *fakeSyncGenerator) Generate(_ context.Context, _ domain.GenerateRequest) (*domain.GenerateResponse, error) {
	return f.resp, f.err
}

func (f *fakeSyncGenerator) Name() string { return "fake-sync" }

// sinkRecorder collects events and can be told to fail after n accepted ones.
type sinkRecorder struct {
	events    []domain.TurnEvent
	failAfter int // -1 never fails
}

func newSinkRecorder() *sinkRecorder { return &sinkRecorder{failAfter: -1} }

func (r *sinkRecorder) sink(ev domain.TurnEvent) error {
	if r.failAfter >= 0 && len(r.events) >= r.failAfter {
		return assert.AnError
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *sinkRecorder) contents() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Type == domain.EventContent {
			out = append(out, ev.Content)
		}
	}
	return out
}

func testPricing() *PriceTable {
	return NewPriceTable([]PricingTier{
		{ModelPrefix: "gpt", InputRate: 1, OutputRate: 2, CachedRate: 0.5},
	})
}

func newEstimator(t *testing.T) *TokenEstimator {
	t.Helper()
	est, err := NewTokenEstimator()
	if err != nil {
		t.Skipf("token encoding unavailable: %v", err)
	}
	return est
}

func TestStreamer_SanitizedDeltas(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "The answer is **42**."},
		{Content: " See `the docs`."},
		{Done: true, Usage: &domain.GenerateUsage{InputTokens: 100, OutputTokens: 50, CachedTokens: 10}},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"The answer is 42.", " See the docs."}, rec.contents())
	assert.Equal(t, int64(100), totals.InputTokens)
	assert.Equal(t, int64(50), totals.OutputTokens)
	assert.Equal(t, int64(10), totals.CachedTokens)
	assert.InDelta(t, (100*1.0+50*2.0+10*0.5)/1e6, totals.Cost, 1e-12)
}

// A delta that sanitizes to nothing produces no event at all.
func TestStreamer_EmptyDeltaSkipped(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "**"},
		{Content: "fine"},
		{Done: true, Usage: &domain.GenerateUsage{OutputTokens: 1}},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()

	_, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, rec.contents())
}

func TestStreamer_SyncFallback(t *testing.T) {
	gen := &fakeSyncGenerator{resp: &domain.GenerateResponse{
		Content: "# Title\nplain body",
		Usage:   domain.GenerateUsage{InputTokens: 5, OutputTokens: 3},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"Title\nplain body"}, rec.contents())
	assert.Equal(t, int64(3), totals.OutputTokens)
}

func TestStreamer_EstimatesWhenBackendReportsNoUsage(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "hello there, general assistant"},
		{Done: true},
	}}
	s := NewResponseStreamer(gen, testPricing(), newEstimator(t), testLogger())
	rec := newSinkRecorder()

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{
		Model:        "gpt-4o",
		SystemPrompt: "You are a helpful assistant.",
		Message:      "say hello",
	}, rec.sink)
	require.NoError(t, err)
	assert.Positive(t, totals.InputTokens)
	assert.Positive(t, totals.OutputTokens)
	assert.Zero(t, totals.CachedTokens, "cached tokens cannot be estimated locally")
}

// OpenAI-style streams deliver usage in a trailing chunk after the finish
// signal; it must still be accounted, and content after the finish must not.
func TestStreamer_UsageReportedAfterFinishCaptured(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "Hi"},
		{Done: true},
		{Usage: &domain.GenerateUsage{InputTokens: 100, OutputTokens: 7, CachedTokens: 50}},
		{Content: "stray"},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi"}, rec.contents(), "content past the finish signal is dropped")
	assert.Equal(t, int64(100), totals.InputTokens)
	assert.Equal(t, int64(7), totals.OutputTokens)
	assert.Equal(t, int64(50), totals.CachedTokens)
}

func TestStreamer_DeltaErrorReturnsPartialTotals(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "partial ", Usage: &domain.GenerateUsage{OutputTokens: 2}},
		{Err: assert.AnError},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
	assert.NotErrorIs(t, err, ErrSinkClosed)
	assert.Equal(t, []string{"partial "}, rec.contents(), "delivered output stays delivered")
	assert.Equal(t, int64(2), totals.OutputTokens, "partial usage is still accounted")
}

func TestStreamer_SinkFailureReturnsErrSinkClosed(t *testing.T) {
	gen := &fakeStreamer{deltas: []domain.GenerateDelta{
		{Content: "one ", Usage: &domain.GenerateUsage{OutputTokens: 4}},
		{Content: "two"},
		{Done: true},
	}}
	s := NewResponseStreamer(gen, testPricing(), nil, testLogger())
	rec := newSinkRecorder()
	rec.failAfter = 1

	totals, err := s.Stream(context.Background(), domain.GenerateRequest{Model: "gpt-4o"}, rec.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSinkClosed)
	assert.Equal(t, int64(4), totals.OutputTokens, "output up to the sink failure is accounted")
}
