package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

var (
	_ domain.Generator          = (*OllamaBackend)(nil)
	_ domain.StreamingGenerator = (*OllamaBackend)(nil)
)

// ollamaDefaultTimeout is long because a cold model may need to load first.
const ollamaDefaultTimeout = 300 * time.Second

// OllamaBackend wraps OpenAIBackend to work with a local Ollama server.
// Ollama exposes an OpenAI-compatible endpoint at /v1, so generation is
// delegated to the inner backend; model listing uses the native API.
type OllamaBackend struct {
	inner   *OpenAIBackend
	baseURL string // native Ollama API base (without /v1)
	client  *http.Client
	logger  *slog.Logger
}

// OllamaModel describes a locally available Ollama model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaBackend creates an Ollama backend delegating generation to
// OpenAIBackend via Ollama's OpenAI-compatible /v1 endpoint.
func NewOllamaBackend(cfg config.ProviderConfig, logger *slog.Logger) *OllamaBackend {
	ollamaCfg := cfg
	if ollamaCfg.Timeout == 0 {
		ollamaCfg.Timeout = ollamaDefaultTimeout
	}

	client := NewHTTPClient(ollamaCfg)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaBackend{
		inner: &OpenAIBackend{
			name:    cfg.Name,
			model:   cfg.Model,
			apiKey:  "", // Ollama needs no key
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
		},
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Generate implements domain.Generator.
func (b *OllamaBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	return b.inner.Generate(ctx, req)
}

// GenerateStream implements domain.StreamingGenerator.
func (b *OllamaBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.GenerateDelta, error) {
	return b.inner.GenerateStream(ctx, req)
}

// Name implements domain.Generator.
func (b *OllamaBackend) Name() string { return b.inner.Name() }

// ListModels returns the locally available Ollama models.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]OllamaModel, error) {
	url := b.baseURL + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, httpError(httpResp.StatusCode, body)
	}

	var resp struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Models, nil
}
