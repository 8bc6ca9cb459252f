package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"conductor/internal/domain"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicVersion = "2023-06-01"
)

// AnthropicClient speaks the Anthropic messages dialect over HTTP with SSE
// streaming. Prompt caching is requested through cache_control blocks on the
// segmented system prompt.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewAnthropicClient creates a messages-API client. Empty baseURL and
// version take the production defaults.
func NewAnthropicClient(apiKey, baseURL, version string) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if version == "" {
		version = defaultAnthropicVersion
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		version:    version,
		httpClient: BuildHTTPClient(120 * time.Second),
	}
}

// Backend returns the backend identity.
func (c *AnthropicClient) Backend() domain.Backend {
	return domain.BackendAnthropic
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
}

// anthropicUsage is the usage object shared by responses and stream events.
type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toUsage() domain.Usage {
	return domain.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

// Complete performs a blocking messages call.
func (c *AnthropicClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	payload, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendAnthropic, req.ModelID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendAnthropic, req.ModelID, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, domain.BackendAnthropic, req.ModelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(domain.BackendAnthropic, req.ModelID, resp.StatusCode, body, retryAfterFrom(resp.Header))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string         `json:"stop_reason"`
		Usage      anthropicUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendAnthropic, req.ModelID, err)
	}

	var content strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.CompletionResult{
		Content:      content.String(),
		Backend:      domain.BackendAnthropic,
		ModelID:      req.ModelID,
		FinishReason: anthropicFinishReason(result.StopReason),
		Usage:        result.Usage.toUsage(),
	}, nil
}

// Stream starts a streaming messages call. Events arrive in generation
// order; the UsageEvent precedes the terminal CompletionEvent.
func (c *AnthropicClient) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	payload, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendAnthropic, req.ModelID, err)
	}

	events := make(chan domain.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			events <- domain.ErrorEvent{Err: domain.WrapError(domain.ErrInvalidRequest, domain.BackendAnthropic, req.ModelID, err)}
			return
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendAnthropic, req.ModelID, err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			events <- domain.ErrorEvent{Err: apiError(domain.BackendAnthropic, req.ModelID, resp.StatusCode, body, retryAfterFrom(resp.Header))}
			return
		}

		c.readStream(ctx, resp.Body, req.ModelID, events)
	}()

	return events, nil
}

// readStream consumes the SSE body until message_stop or failure.
func (c *AnthropicClient) readStream(ctx context.Context, body io.Reader, modelID string, events chan<- domain.StreamEvent) {
	reader := NewSSEReader(body)

	var content strings.Builder
	var usage domain.Usage
	finish := domain.FinishStop

	for {
		event, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended before message_stop")
			}
			events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendAnthropic, modelID, err)}
			return
		}

		switch event.Event {
		case "message_start":
			var chunk struct {
				Message struct {
					Usage anthropicUsage `json:"usage"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(event.Data), &chunk); err == nil {
				usage.InputTokens = chunk.Message.Usage.InputTokens
				usage.CacheReadTokens = chunk.Message.Usage.CacheReadInputTokens
				usage.CacheWriteTokens = chunk.Message.Usage.CacheCreationInputTokens
			}

		case "content_block_delta":
			var chunk struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				continue
			}
			if chunk.Delta.Type != "text_delta" || chunk.Delta.Text == "" {
				continue
			}
			content.WriteString(chunk.Delta.Text)
			select {
			case events <- domain.TextChunk{Text: chunk.Delta.Text}:
			case <-ctx.Done():
				events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendAnthropic, modelID, ctx.Err())}
				return
			}

		case "message_delta":
			var chunk struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int64 `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(event.Data), &chunk); err == nil {
				if chunk.Delta.StopReason != "" {
					finish = anthropicFinishReason(chunk.Delta.StopReason)
				}
				if chunk.Usage.OutputTokens > 0 {
					usage.OutputTokens = chunk.Usage.OutputTokens
				}
			}

		case "message_stop":
			events <- domain.UsageEvent{Usage: usage}
			events <- domain.CompletionEvent{Result: &domain.CompletionResult{
				Content:      content.String(),
				Backend:      domain.BackendAnthropic,
				ModelID:      modelID,
				FinishReason: finish,
				Usage:        usage,
			}}
			return

		case "error":
			var chunk struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			kind := domain.ErrBackendUnavailable
			msg := event.Data
			if err := json.Unmarshal([]byte(event.Data), &chunk); err == nil && chunk.Error.Message != "" {
				msg = chunk.Error.Message
				if chunk.Error.Type == "rate_limit_error" {
					kind = domain.ErrRateLimited
				}
			}
			events <- domain.ErrorEvent{Err: &domain.Error{
				Kind:    kind,
				Backend: domain.BackendAnthropic,
				ModelID: modelID,
				Message: msg,
			}}
			return
		}
	}
}

// buildRequest assembles the messages payload. The system prompt goes to the
// system slot, segmented with cache_control markers when the request opted
// into caching and the prompt qualifies.
func (c *AnthropicClient) buildRequest(req domain.CompletionRequest, stream bool) map[string]any {
	body := map[string]any{
		"model":       req.ModelID,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stream":      stream,
	}

	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	body["messages"] = messages

	if req.System != "" {
		var segments []Segment
		if req.EnableCaching {
			segments = SegmentSystemPrompt(req.System)
		}
		if segments == nil {
			body["system"] = req.System
		} else {
			blocks := make([]map[string]any, 0, len(segments))
			for _, s := range segments {
				block := map[string]any{"type": "text", "text": s.Text}
				if s.Cacheable {
					block["cache_control"] = map[string]any{"type": "ephemeral"}
				}
				blocks = append(blocks, block)
			}
			body["system"] = blocks
		}
	}

	return body
}

func anthropicFinishReason(stopReason string) domain.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	case "refusal":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}
