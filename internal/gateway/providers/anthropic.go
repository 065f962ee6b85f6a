package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	defaultClaudeLimit = 4096
)

// AnthropicRequest represents a request to Anthropic's Messages API. The
// Bedrock variant sets AnthropicVersion in the body and omits Model.
type AnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version,omitempty"`
	Model            string             `json:"model,omitempty"`
	Messages         []AnthropicMessage `json:"messages"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float32           `json:"temperature,omitempty"`
	TopP             *float32           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ClaudeAdaptor speaks the Anthropic Messages API.
type ClaudeAdaptor struct{}

// NewClaudeAdaptor creates a Claude adaptor.
func NewClaudeAdaptor() *ClaudeAdaptor {
	return &ClaudeAdaptor{}
}

func (a *ClaudeAdaptor) Name() string { return "anthropic" }

// convertClaudeRequest moves system messages into the top-level system
// field and passes the remaining messages through in order.
func convertClaudeRequest(req *ChatRequest) AnthropicRequest {
	out := AnthropicRequest{
		Model:         req.Model,
		Messages:      []AnthropicMessage{},
		MaxTokens:     defaultClaudeLimit,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		text := messageText(msg)
		if msg.Role == openai.ChatMessageRoleSystem {
			system = append(system, text)
			continue
		}
		out.Messages = append(out.Messages, AnthropicMessage{Role: msg.Role, Content: text})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (a *ClaudeAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	return json.Marshal(convertClaudeRequest(req))
}

func (a *ClaudeAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	httpReq, _, err := newJSONRequest(ctx, ch, baseURL(ch, anthropicBaseURL)+"/v1/messages", body)
	if err != nil {
		return nil, err
	}
	version := ch.APIVersion
	if version == "" {
		version = anthropicVersion
	}
	httpReq.Header.Set("x-api-key", ch.Key)
	httpReq.Header.Set("anthropic-version", version)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

func claudeFinishReason(stop string) openai.FinishReason {
	switch stop {
	case "max_tokens":
		return openai.FinishReasonLength
	case "tool_use":
		return openai.FinishReasonToolCalls
	case "":
		return ""
	default:
		return openai.FinishReasonStop
	}
}

func (a *ClaudeAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	return convertClaudeResponse(body, model)
}

func convertClaudeResponse(body []byte, model string) (*Converted, error) {
	var resp AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse claude response: %w", err)
	}

	var content string
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}
	finish := claudeFinishReason(resp.StopReason)
	if finish == "" {
		finish = openai.FinishReasonStop
	}

	usage := openai.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if resp.Usage.CacheReadInputTokens > 0 {
		usage.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: resp.Usage.CacheReadInputTokens}
	}

	out, err := json.Marshal(openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}

	counts := countsFromUsage(usage)
	counts.CacheCreationTokens = int64(resp.Usage.CacheCreationInputTokens)
	return &Converted{Body: out, Usage: counts}, nil
}

func (a *ClaudeAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return convertClaudeChunk(frame, "chatcmpl-"+uuid.NewString(), model)
}

// convertClaudeChunk turns message_start, content_block_delta and
// message_delta events into OpenAI chunks. Other events are dropped.
func convertClaudeChunk(frame []byte, id, model string) ([]byte, error) {
	line := bytes.TrimSpace(frame)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])

	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, nil
	}

	choice := openai.ChatCompletionStreamChoice{Index: 0}
	switch ev.Type {
	case "message_start":
		choice.Delta.Role = openai.ChatMessageRoleAssistant
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return nil, nil
		}
		choice.Delta.Content = ev.Delta.Text
	case "message_delta":
		choice.FinishReason = claudeFinishReason(ev.Delta.StopReason)
		if choice.FinishReason == "" {
			return nil, nil
		}
	default:
		return nil, nil
	}

	return sseFrame(openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	})
}

func (a *ClaudeAdaptor) SupportsStream() bool { return true }

func (a *ClaudeAdaptor) StreamOptions(model string) streaming.Options {
	id := "chatcmpl-" + uuid.NewString()
	return streaming.Options{
		Parser: streaming.ParseClaude,
		Transform: func(frame []byte) ([]byte, error) {
			return convertClaudeChunk(frame, id, model)
		},
		Trailer: DoneFrame,
	}
}
