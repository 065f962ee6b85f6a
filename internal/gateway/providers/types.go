package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

// ChatRequest represents an OpenAI-compatible chat completion request.
// ProjectID and Region are optional routing overrides for Vertex channels.
type ChatRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Temperature   *float32                       `json:"temperature,omitempty"`
	MaxTokens     *int                           `json:"max_tokens,omitempty"`
	TopP          *float32                       `json:"top_p,omitempty"`
	Stop          []string                       `json:"stop,omitempty"`
	Stream        bool                           `json:"stream,omitempty"`
	StreamOptions *openai.StreamOptions          `json:"stream_options,omitempty"`
	User          string                         `json:"user,omitempty"`
	ServiceTier   string                         `json:"service_tier,omitempty"`
	ProjectID     string                         `json:"project_id,omitempty"`
	Region        string                         `json:"region,omitempty"`
}

// ParseChatRequest decodes an inbound request body.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	return &req, nil
}

// ErrNoConversion is returned by ConvertResponse when an adaptor has no way
// to translate the upstream body into OpenAI format.
var ErrNoConversion = errors.New("response is not convertible")

// Converted is an OpenAI-shaped response body and the usage read from it.
// Err is set when the upstream reported an error inside a successful HTTP
// response; Body then holds an OpenAI error envelope.
type Converted struct {
	Body  []byte
	Usage streaming.Counts
	Err   *openai.APIError
}

// NativeRequester builds requests for Gemini REST paths forwarded without
// translation.
type NativeRequester interface {
	BuildNativeRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, nativePath string, body []byte) (*http.Request, error)
}

// Adaptor translates between the OpenAI wire format and one upstream protocol.
type Adaptor interface {
	Name() string
	// ConvertRequest returns the upstream body for req. raw is the original
	// client body, used by adaptors that forward it unchanged.
	ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error)
	// BuildRequest creates the authenticated upstream call for body.
	BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error)
	ConvertResponse(body []byte, model string) (*Converted, error)
	// ConvertStreamChunk rewrites one upstream stream frame as OpenAI SSE
	// bytes. A nil result drops the frame.
	ConvertStreamChunk(frame []byte, model string) ([]byte, error)
	SupportsStream() bool
	// StreamOptions configures how the relay forwards this adaptor's stream.
	StreamOptions(model string) streaming.Options
}

// UpstreamError is a failed upstream call. StatusCode is 0 when no response
// was received.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	RetryAfter string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, truncate(string(e.Body), 512))
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Message returns the upstream error message, reading OpenAI, Claude and
// Gemini error envelopes before falling back to the raw body.
func (e *UpstreamError) Message() string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(e.Body, &env) == nil && len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s
		}
	}
	if e.StatusCode == 0 && e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Body)
}

// Send executes req and returns the response when the status is 2xx.
// Anything else is returned as an *UpstreamError with the body drained.
func Send(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       body,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	return resp, nil
}

// newJSONRequest builds a POST with the channel's param overrides merged
// into body. Callers set credentials and then apply the header override.
func newJSONRequest(ctx context.Context, ch *models.Channel, url string, body []byte) (*http.Request, []byte, error) {
	body = mergeParamOverride(body, ch.ParamOverride)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, body, nil
}

func applyHeaderOverride(req *http.Request, override string) {
	if strings.TrimSpace(override) == "" {
		return
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(override), &headers); err != nil {
		log.Printf("providers: ignoring invalid header override: %v", err)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// mergeParamOverride sets every top-level key of override on the JSON
// object in body. Invalid JSON on either side leaves body unchanged.
func mergeParamOverride(body []byte, override string) []byte {
	if strings.TrimSpace(override) == "" {
		return body
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal([]byte(override), &params); err != nil {
		log.Printf("providers: ignoring invalid param override: %v", err)
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	for k, v := range params {
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return merged
}

func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func baseURL(ch *models.Channel, fallback string) string {
	if ch.BaseURL != "" {
		return strings.TrimRight(ch.BaseURL, "/")
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// countsFromUsage converts an OpenAI usage object.
func countsFromUsage(u openai.Usage) streaming.Counts {
	c := streaming.Counts{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		c.CacheReadTokens = int64(u.PromptTokensDetails.CachedTokens)
		c.AudioTokens = int64(u.PromptTokensDetails.AudioTokens)
	}
	return c
}

// UsageFromOpenAIBody reads the usage object of an OpenAI-format response.
// Malformed bodies yield zero usage.
func UsageFromOpenAIBody(body []byte) streaming.Counts {
	var resp struct {
		Usage *openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return streaming.Counts{}
	}
	return countsFromUsage(*resp.Usage)
}

// sseFrame encodes v as one "data:" event.
func sseFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	out = append(out, '\n', '\n')
	return out, nil
}

// DoneFrame terminates an OpenAI event stream.
var DoneFrame = []byte("data: [DONE]\n\n")

// ResponseToStream renders a complete OpenAI response as a single stream
// chunk followed by [DONE], for adaptors that cannot stream.
func ResponseToStream(body []byte) ([]byte, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	chunk := openai.ChatCompletionStreamResponse{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   &resp.Usage,
	}
	for _, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, openai.ChatCompletionStreamChoice{
			Index: c.Index,
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	frame, err := sseFrame(chunk)
	if err != nil {
		return nil, err
	}
	return append(frame, DoneFrame...), nil
}

// ErrorEnvelope renders an OpenAI error body.
func ErrorEnvelope(apiErr *openai.APIError) []byte {
	b, _ := json.Marshal(openai.ErrorResponse{Error: apiErr})
	return b
}
