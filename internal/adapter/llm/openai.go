package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
	"maestro/internal/infra/tracer"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions API. It
// serves both roles: answer generation (streaming and synchronous) and the
// classification oracle via function calling.
type OpenAIBackend struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var (
	_ domain.Generator          = (*OpenAIBackend)(nil)
	_ domain.StreamingGenerator = (*OpenAIBackend)(nil)
	_ domain.Classifier         = (*OpenAIBackend)(nil)
)

// NewOpenAIBackend creates a backend with configured timeouts.
func NewOpenAIBackend(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIBackend{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.Generator.
func (b *OpenAIBackend) Name() string { return b.name }

// Generate implements domain.Generator.
func (b *OpenAIBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.backend", b.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	oaiReq := b.toRequest(req, nil, false)
	body, err := json.Marshal(oaiReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := &domain.GenerateResponse{Usage: oaiResp.Usage.toDomain()}
	if len(oaiResp.Choices) > 0 {
		result.Content = oaiResp.Choices[0].Message.Content
	}

	span.SetAttributes(
		tracer.IntAttr("llm.input_tokens", oaiResp.Usage.PromptTokens),
		tracer.IntAttr("llm.output_tokens", oaiResp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	b.logger.Debug("generation completed", "backend", b.name, "model", oaiReq.Model,
		"tokens", oaiResp.Usage.TotalTokens)
	return result, nil
}

// GenerateStream implements domain.StreamingGenerator. With stream_options
// the API reports usage in a separate chunk after the finish_reason one, so
// completion is signalled by the [DONE] marker rather than finish_reason.
func (b *OpenAIBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.GenerateDelta, error) {
	oaiReq := b.toRequest(req, nil, true)
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers())
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*domain.GenerateDelta, error) {
		var chunk openaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}

		delta := &domain.GenerateDelta{}
		if len(chunk.Choices) > 0 {
			delta.Content = chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			u := chunk.Usage.toDomain()
			delta.Usage = &u
		}
		if delta.Content == "" && delta.Usage == nil {
			return nil, nil
		}
		return delta, nil
	})

	return ch, nil
}

// Classify implements domain.Classifier via function calling. The oracle is
// forced onto the declared tools; free text is still captured for the
// clarification path.
func (b *OpenAIBackend) Classify(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassifyResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.classify",
		trace.WithAttributes(tracer.StringAttr("llm.backend", b.name)),
	)
	defer span.End()

	oaiReq := b.toRequest(domain.GenerateRequest{
		SystemPrompt: req.Instructions,
		Message:      req.Message,
	}, req.Tools, false)

	body, err := json.Marshal(oaiReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	resp := &domain.ClassifyResponse{}
	if len(oaiResp.Choices) > 0 {
		msg := oaiResp.Choices[0].Message
		resp.Text = msg.Content
		if len(msg.ToolCalls) > 0 {
			tc := msg.ToolCalls[0]
			resp.ToolCall = &domain.ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
	}
	tracer.SetOK(span)
	return resp, nil
}

func (b *OpenAIBackend) headers() map[string]string {
	headers := map[string]string{}
	if b.apiKey != "" {
		headers["Authorization"] = "Bearer " + b.apiKey
	}
	return headers
}

func (b *OpenAIBackend) toRequest(req domain.GenerateRequest, tools []domain.ToolSchema, stream bool) openaiRequest {
	model := req.Model
	if model == "" {
		model = b.model
	}

	msgs := make([]openaiMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiMessage{Role: domain.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, openaiMessage{Role: domain.RoleUser, Content: req.Message})

	oaiReq := openaiRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
	if stream {
		oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}
	for _, t := range tools {
		oaiReq.Tools = append(oaiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(tools) > 0 {
		oaiReq.ToolChoice = &openaiToolChoice{
			Type:     "function",
			Function: openaiToolChoiceFunction{Name: tools[0].Name},
		}
	}

	return oaiReq
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    *openaiToolChoice    `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolChoice struct {
	Type     string                   `json:"type"`
	Function openaiToolChoiceFunction `json:"function"`
}

type openaiToolChoiceFunction struct {
	Name string `json:"name"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails *openaiTokenDetails `json:"prompt_tokens_details,omitempty"`
}

type openaiTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

func (u openaiUsage) toDomain() domain.GenerateUsage {
	usage := domain.GenerateUsage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		usage.CachedTokens = int64(u.PromptTokensDetails.CachedTokens)
		usage.InputTokens -= usage.CachedTokens
	}
	return usage
}

// --- OpenAI streaming wire types ---

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content string `json:"content,omitempty"`
}
