package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
	"maestro/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

var (
	_ domain.Generator          = (*BedrockBackend)(nil)
	_ domain.StreamingGenerator = (*BedrockBackend)(nil)
	_ domain.Classifier         = (*BedrockBackend)(nil)
)

// BedrockBackend serves generation and classification via the AWS Bedrock
// Converse API.
type BedrockBackend struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockBackend creates a backend using the default AWS credential chain.
func NewBedrockBackend(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockBackend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockBackend{
		name:   cfg.Name,
		model:  cfg.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockBackendWithClient injects a client, for tests.
func newBedrockBackendWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockBackend {
	return &BedrockBackend{name: name, model: model, client: client, logger: logger}
}

// Name implements domain.Generator.
func (b *BedrockBackend) Name() string { return b.name }

// Generate implements domain.Generator.
func (b *BedrockBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.backend", b.name),
			tracer.StringAttr("llm.model", b.modelID(req.Model)),
		),
	)
	defer span.End()

	output, err := b.client.Converse(ctx, b.toConverseInput(req, nil))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	result := &domain.GenerateResponse{Usage: bedrockUsage(output.Usage)}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				result.Content = text.Value
			}
		}
	}

	tracer.SetOK(span)
	b.logger.Debug("generation completed", "backend", b.name,
		"tokens", result.Usage.InputTokens+result.Usage.OutputTokens)
	return result, nil
}

// GenerateStream implements domain.StreamingGenerator.
func (b *BedrockBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.GenerateDelta, error) {
	ci := b.toConverseInput(req, nil)
	output, err := b.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         ci.ModelId,
		Messages:        ci.Messages,
		System:          ci.System,
		InferenceConfig: ci.InferenceConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.GenerateDelta, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		// Usage arrives in a metadata event after the message stop, so the
		// stream is read to the end rather than cut at the first Done.
		for evt := range stream.Events() {
			delta := bedrockStreamDelta(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- domain.GenerateDelta{Err: mapBedrockError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Classify implements domain.Classifier via the Converse tool protocol.
func (b *BedrockBackend) Classify(ctx context.Context, req domain.ClassifyRequest) (*domain.ClassifyResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.classify",
		trace.WithAttributes(tracer.StringAttr("llm.backend", b.name)),
	)
	defer span.End()

	input := b.toConverseInput(domain.GenerateRequest{
		SystemPrompt: req.Instructions,
		Message:      req.Message,
	}, req.Tools)

	output, err := b.client.Converse(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	resp := &domain.ClassifyResponse{}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch blk := block.(type) {
			case *types.ContentBlockMemberText:
				resp.Text = blk.Value
			case *types.ContentBlockMemberToolUse:
				resp.ToolCall = &domain.ToolCall{
					Name:      aws.ToString(blk.Value.Name),
					Arguments: string(marshalDocument(blk.Value.Input)),
				}
			}
		}
	}
	tracer.SetOK(span)
	return resp, nil
}

// --- Converse request/response conversion ---

func (b *BedrockBackend) modelID(model string) string {
	if model != "" {
		return model
	}
	return b.model
}

func (b *BedrockBackend) toConverseInput(req domain.GenerateRequest, tools []domain.ToolSchema) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID(req.Model)),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	for _, m := range req.History {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	input.Messages = append(input.Messages, types.Message{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Message}},
	})

	if len(tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(tools)
	}

	return input
}

func toBedrockToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	var bedrockTools []types.Tool
	for _, t := range tools {
		var schema map[string]interface{}
		if len(t.Parameters) > 0 {
			json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func bedrockUsage(u *types.TokenUsage) domain.GenerateUsage {
	if u == nil {
		return domain.GenerateUsage{}
	}
	return domain.GenerateUsage{
		InputTokens:  int64(aws.ToInt32(u.InputTokens)),
		OutputTokens: int64(aws.ToInt32(u.OutputTokens)),
	}
}

func bedrockStreamDelta(evt types.ConverseStreamOutput) *domain.GenerateDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return &domain.GenerateDelta{Content: d.Value}
		}
		return nil

	case *types.ConverseStreamOutputMemberMetadata:
		delta := &domain.GenerateDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			delta.Usage = &u
		}
		return delta

	case *types.ConverseStreamOutputMemberMessageStop:
		return &domain.GenerateDelta{Done: true}

	default:
		return nil
	}
}

// marshalDocument converts a Bedrock document.Interface to json.RawMessage.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v interface{}
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// mapBedrockError keeps the AWS error code visible in logs and failover
// diagnostics.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("bedrock: %w", err)
}
