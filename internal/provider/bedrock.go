package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"conductor/internal/config"
	"conductor/internal/domain"
)

// BedrockClient speaks the AWS Bedrock Converse dialect through the SDK.
// Streaming uses ConverseStream, which reports usage in a trailing metadata
// event.
type BedrockClient struct {
	runtime *bedrockruntime.Client
}

// NewBedrockClient builds a Converse client. Static credentials win when
// set; otherwise a named profile, otherwise the SDK default chain.
func NewBedrockClient(ctx context.Context, cfg config.BedrockConfig) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	case cfg.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockClient{runtime: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Backend returns the backend identity.
func (c *BedrockClient) Backend() domain.Backend {
	return domain.BackendBedrock
}

// Complete performs a blocking Converse call.
func (c *BedrockClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.ModelID),
		Messages:        buildBedrockMessages(req.Messages),
		System:          buildBedrockSystem(req.System),
		InferenceConfig: buildInferenceConfig(req),
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, bedrockError(ctx, req.ModelID, err)
	}

	var content strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content.WriteString(text.Value)
			}
		}
	}

	var usage domain.Usage
	if output.Usage != nil {
		usage.InputTokens = int64(aws.ToInt32(output.Usage.InputTokens))
		usage.OutputTokens = int64(aws.ToInt32(output.Usage.OutputTokens))
	}

	return &domain.CompletionResult{
		Content:      content.String(),
		Backend:      domain.BackendBedrock,
		ModelID:      req.ModelID,
		FinishReason: bedrockFinishReason(output.StopReason),
		Usage:        usage,
	}, nil
}

// Stream starts a ConverseStream call. The loop keeps draining after the
// message-stop event because the usage metadata arrives after it.
func (c *BedrockClient) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.ModelID),
		Messages:        buildBedrockMessages(req.Messages),
		System:          buildBedrockSystem(req.System),
		InferenceConfig: buildInferenceConfig(req),
	}

	events := make(chan domain.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)

		output, err := c.runtime.ConverseStream(ctx, input)
		if err != nil {
			events <- domain.ErrorEvent{Err: bedrockError(ctx, req.ModelID, err)}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var content strings.Builder
		var usage domain.Usage
		finish := domain.FinishStop
		stopped := false

		for event := range stream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
				if !ok || delta.Value == "" {
					continue
				}
				content.WriteString(delta.Value)
				select {
				case events <- domain.TextChunk{Text: delta.Value}:
				case <-ctx.Done():
					events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendBedrock, req.ModelID, ctx.Err())}
					return
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish = bedrockFinishReason(v.Value.StopReason)
				stopped = true

			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					usage.InputTokens = int64(aws.ToInt32(v.Value.Usage.InputTokens))
					usage.OutputTokens = int64(aws.ToInt32(v.Value.Usage.OutputTokens))
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- domain.ErrorEvent{Err: bedrockError(ctx, req.ModelID, err)}
			return
		}
		if !stopped {
			events <- domain.ErrorEvent{Err: domain.WrapError(
				domain.ErrBackendUnavailable, domain.BackendBedrock, req.ModelID,
				errors.New("stream ended before message stop"))}
			return
		}

		events <- domain.UsageEvent{Usage: usage}
		events <- domain.CompletionEvent{Result: &domain.CompletionResult{
			Content:      content.String(),
			Backend:      domain.BackendBedrock,
			ModelID:      req.ModelID,
			FinishReason: finish,
			Usage:        usage,
		}}
	}()

	return events, nil
}

// buildBedrockMessages maps conversation turns onto Converse messages.
// Converse accepts only user and assistant roles; the system prompt travels
// in its own block list.
func buildBedrockMessages(messages []domain.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: m.Content},
			},
		})
	}
	return out
}

func buildBedrockSystem(system string) []types.SystemContentBlock {
	if system == "" {
		return nil
	}
	return []types.SystemContentBlock{
		&types.SystemContentBlockMemberText{Value: system},
	}
}

func buildInferenceConfig(req domain.CompletionRequest) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	return cfg
}

// bedrockError maps SDK failures onto tagged errors.
func bedrockError(ctx context.Context, modelID string, err error) error {
	var (
		throttled  *types.ThrottlingException
		validation *types.ValidationException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttled):
		return &domain.Error{
			Kind:    domain.ErrRateLimited,
			Backend: domain.BackendBedrock,
			ModelID: modelID,
			Err:     err,
		}
	case errors.As(err, &validation), errors.As(err, &notFound):
		return domain.WrapError(domain.ErrInvalidRequest, domain.BackendBedrock, modelID, err)
	case errors.As(err, &denied):
		return domain.WrapError(domain.ErrQuotaExhausted, domain.BackendBedrock, modelID, err)
	}
	return transportError(ctx, domain.BackendBedrock, modelID, err)
}

func bedrockFinishReason(reason types.StopReason) domain.FinishReason {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return domain.FinishStop
	case types.StopReasonMaxTokens:
		return domain.FinishLength
	case types.StopReasonToolUse:
		return domain.FinishToolCalls
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}
