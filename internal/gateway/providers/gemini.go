package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/passthrough"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const (
	geminiBaseURL    = "https://generativelanguage.googleapis.com"
	geminiAPIVersion = "v1beta"
)

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse represents a response or stream chunk from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate      `json:"candidates"`
	UsageMetadata *streaming.GeminiUsage `json:"usageMetadata,omitempty"`
	Error         *GeminiError           `json:"error,omitempty"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiError is the error object Google APIs return.
type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GeminiAdaptor speaks the Gemini generateContent API.
type GeminiAdaptor struct{}

// NewGeminiAdaptor creates a Gemini adaptor.
func NewGeminiAdaptor() *GeminiAdaptor {
	return &GeminiAdaptor{}
}

func (a *GeminiAdaptor) Name() string { return "gemini" }

func convertGeminiRequest(req *ChatRequest) GeminiRequest {
	out := GeminiRequest{Contents: make([]GeminiContent, 0, len(req.Messages))}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == openai.ChatMessageRoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, GeminiContent{
			Role:  role,
			Parts: []GeminiPart{{Text: messageText(msg)}},
		})
	}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func (a *GeminiAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	return json.Marshal(convertGeminiRequest(req))
}

func (a *GeminiAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	version := ch.APIVersion
	if version == "" {
		version = geminiAPIVersion
	}
	url := fmt.Sprintf("%s/%s/models/%s:generateContent", baseURL(ch, geminiBaseURL), version, req.Model)
	if req.Stream {
		url = fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse", baseURL(ch, geminiBaseURL), version, req.Model)
	}
	httpReq, _, err := newJSONRequest(ctx, ch, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", ch.Key)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

// NewGeminiNativeRequest builds a passthrough call to the Gemini REST API.
// nativePath is the client's own path and query; when empty the
// generateContent path for model is used.
func NewGeminiNativeRequest(ctx context.Context, ch *models.Channel, nativePath, model string, stream bool, body []byte) (*http.Request, error) {
	url := passthrough.BuildGeminiURL(baseURL(ch, geminiBaseURL), nativePath, model, stream)
	httpReq, _, err := newJSONRequest(ctx, ch, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", ch.Key)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

func geminiFinishReason(reason string) openai.FinishReason {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

func geminiAPIError(e *GeminiError) *openai.APIError {
	typ := strings.ToLower(e.Status)
	if typ == "" {
		typ = "upstream_error"
	}
	return &openai.APIError{
		Code:           e.Code,
		Message:        e.Message,
		Type:           typ,
		HTTPStatusCode: e.Code,
	}
}

func geminiCounts(u *streaming.GeminiUsage) (openai.Usage, streaming.Counts) {
	if u == nil {
		return openai.Usage{}, streaming.Counts{}
	}
	usage := openai.Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.PromptTokenCount + u.CandidatesTokenCount),
	}
	if u.CachedContentTokenCount > 0 {
		usage.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: int(u.CachedContentTokenCount)}
	}
	return usage, countsFromUsage(usage)
}

func (a *GeminiAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	return convertGeminiResponse(body, model)
}

func convertGeminiResponse(body []byte, model string) (*Converted, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}
	if resp.Error != nil {
		apiErr := geminiAPIError(resp.Error)
		return &Converted{Body: ErrorEnvelope(apiErr), Err: apiErr}, nil
	}

	var content string
	finish := openai.FinishReasonStop
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		if len(c.Content.Parts) > 0 {
			content = c.Content.Parts[0].Text
		}
		if f := geminiFinishReason(c.FinishReason); f != "" {
			finish = f
		}
	}
	usage, counts := geminiCounts(resp.UsageMetadata)

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
	return &Converted{Body: out, Usage: counts}, nil
}

func (a *GeminiAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return convertGeminiChunk(frame, "chatcmpl-"+uuid.NewString(), model)
}

// convertGeminiChunk accepts either an SSE data line or one element of a
// streamed JSON array.
func convertGeminiChunk(frame []byte, id, model string) ([]byte, error) {
	payload := bytes.TrimSpace(frame)
	if bytes.HasPrefix(payload, []byte("data:")) {
		payload = payload[len("data:"):]
	}
	payload = streaming.TrimArrayFraming(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, nil
	}

	var resp GeminiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, nil
	}
	if resp.Error != nil {
		return sseFrame(openai.ErrorResponse{Error: geminiAPIError(resp.Error)})
	}

	chunk := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{},
	}
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		var text strings.Builder
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
		chunk.Choices = append(chunk.Choices, openai.ChatCompletionStreamChoice{
			Index:        c.Index,
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: text.String()},
			FinishReason: geminiFinishReason(c.FinishReason),
		})
	}
	if resp.UsageMetadata != nil {
		usage, _ := geminiCounts(resp.UsageMetadata)
		chunk.Usage = &usage
	}
	return sseFrame(chunk)
}

func (a *GeminiAdaptor) SupportsStream() bool { return true }

func (a *GeminiAdaptor) StreamOptions(model string) streaming.Options {
	return geminiStreamOptions(model, nil)
}

func geminiStreamOptions(model string, split bufio.SplitFunc) streaming.Options {
	id := "chatcmpl-" + uuid.NewString()
	return streaming.Options{
		Parser: streaming.ParseGemini,
		Split:  split,
		Transform: func(frame []byte) ([]byte, error) {
			return convertGeminiChunk(frame, id, model)
		},
		Trailer: DoneFrame,
	}
}
