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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the OpenAI chat-completions dialect over HTTP with SSE
// streaming terminated by the data: [DONE] sentinel.
type OpenAIClient struct {
	apiKey     string
	orgID      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a chat-completions client. Empty baseURL takes the
// production default; orgID is optional.
func NewOpenAIClient(apiKey, orgID, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		orgID:      orgID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: BuildHTTPClient(120 * time.Second),
	}
}

// Backend returns the backend identity.
func (c *OpenAIClient) Backend() domain.Backend {
	return domain.BackendOpenAI
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.orgID != "" {
		req.Header.Set("OpenAI-Organization", c.orgID)
	}
}

// openAIUsage is the usage object on responses and the final stream chunk.
// Cached prompt tokens are reported inside the prompt total, so the regular
// input count is the difference.
type openAIUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u openAIUsage) toUsage() domain.Usage {
	regular := u.PromptTokens - u.PromptTokensDetails.CachedTokens
	if regular < 0 {
		regular = 0
	}
	return domain.Usage{
		InputTokens:     regular,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

// Complete performs a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	payload, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendOpenAI, req.ModelID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendOpenAI, req.ModelID, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, domain.BackendOpenAI, req.ModelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(domain.BackendOpenAI, req.ModelID, resp.StatusCode, body, retryAfterFrom(resp.Header))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage openAIUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendOpenAI, req.ModelID, err)
	}
	if len(result.Choices) == 0 {
		return nil, &domain.Error{
			Kind:    domain.ErrInvalidRequest,
			Backend: domain.BackendOpenAI,
			ModelID: req.ModelID,
			Message: "response has no choices",
		}
	}

	choice := result.Choices[0]
	return &domain.CompletionResult{
		Content:      choice.Message.Content,
		Backend:      domain.BackendOpenAI,
		ModelID:      req.ModelID,
		FinishReason: openAIFinishReason(choice.FinishReason),
		Usage:        result.Usage.toUsage(),
	}, nil
}

// Stream starts a streaming chat completion with usage reporting enabled on
// the final chunk.
func (c *OpenAIClient) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	payload, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRequest, domain.BackendOpenAI, req.ModelID, err)
	}

	events := make(chan domain.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			events <- domain.ErrorEvent{Err: domain.WrapError(domain.ErrInvalidRequest, domain.BackendOpenAI, req.ModelID, err)}
			return
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendOpenAI, req.ModelID, err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			events <- domain.ErrorEvent{Err: apiError(domain.BackendOpenAI, req.ModelID, resp.StatusCode, body, retryAfterFrom(resp.Header))}
			return
		}

		c.readStream(ctx, resp.Body, req.ModelID, events)
	}()

	return events, nil
}

// readStream consumes delta chunks until the [DONE] sentinel. The finish
// reason arrives on the last content chunk and usage on a trailing
// empty-choices chunk, so both are held until the sentinel confirms a clean
// end of stream.
func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, modelID string, events chan<- domain.StreamEvent) {
	reader := NewSSEReader(body)

	var content strings.Builder
	var usage domain.Usage
	finish := domain.FinishStop

	for {
		event, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended before [DONE]")
			}
			events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendOpenAI, modelID, err)}
			return
		}

		if strings.TrimSpace(event.Data) == "[DONE]" {
			events <- domain.UsageEvent{Usage: usage}
			events <- domain.CompletionEvent{Result: &domain.CompletionResult{
				Content:      content.String(),
				Backend:      domain.BackendOpenAI,
				ModelID:      modelID,
				FinishReason: finish,
				Usage:        usage,
			}}
			return
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage.toUsage()
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				select {
				case events <- domain.TextChunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					events <- domain.ErrorEvent{Err: transportError(ctx, domain.BackendOpenAI, modelID, ctx.Err())}
					return
				}
			}
			if choice.FinishReason != "" {
				finish = openAIFinishReason(choice.FinishReason)
			}
		}
	}
}

// buildRequest assembles the chat-completions payload. The system prompt
// becomes the leading system-role message.
func (c *OpenAIClient) buildRequest(req domain.CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	body := map[string]any{
		"model":       req.ModelID,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func openAIFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}
