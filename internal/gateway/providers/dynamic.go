package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const defaultChatEndpoint = "/v1/chat/completions"

// DynamicAdaptor is configured entirely by a ProtocolConfig row. Invalid
// mapping JSON is logged and treated as no mapping.
type DynamicAdaptor struct {
	config   models.ProtocolConfig
	request  *RequestMapping
	response *ResponseMapping
}

// NewDynamicAdaptor builds an adaptor from cfg.
func NewDynamicAdaptor(cfg models.ProtocolConfig) *DynamicAdaptor {
	a := &DynamicAdaptor{config: cfg}
	var err error
	if a.request, err = ParseRequestMapping(cfg.RequestMapping); err != nil {
		log.Printf("providers: protocol config %d/%s: %v", cfg.ChannelType, cfg.APIVersion, err)
		a.request = nil
	}
	if a.response, err = ParseResponseMapping(cfg.ResponseMapping); err != nil {
		log.Printf("providers: protocol config %d/%s: %v", cfg.ChannelType, cfg.APIVersion, err)
		a.response = nil
	}
	return a
}

func (a *DynamicAdaptor) Name() string { return "dynamic" }

// Config returns the protocol config the adaptor was built from.
func (a *DynamicAdaptor) Config() models.ProtocolConfig { return a.config }

// Endpoint expands the chat endpoint template for model. Relative templates
// are joined to base.
func (a *DynamicAdaptor) Endpoint(base, model string) string {
	tmpl := a.config.ChatEndpoint
	if tmpl == "" {
		tmpl = defaultChatEndpoint
	}
	tmpl = strings.NewReplacer(
		"{deployment_id}", model,
		"{model}", model,
		"{api_version}", a.config.APIVersion,
	).Replace(tmpl)
	if strings.HasPrefix(tmpl, "http://") || strings.HasPrefix(tmpl, "https://") {
		return tmpl
	}
	return strings.TrimRight(base, "/") + tmpl
}

func (a *DynamicAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	body := raw
	if body == nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, err
		}
	}
	mapped, err := a.request.Apply(body)
	if err != nil {
		log.Printf("providers: request mapping skipped: %v", err)
		return body, nil
	}
	return mapped, nil
}

func (a *DynamicAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	httpReq, _, err := newJSONRequest(ctx, ch, a.Endpoint(baseURL(ch, openAIBaseURL), req.Model), body)
	if err != nil {
		return nil, err
	}
	if ch.Type == models.ChannelTypeAzure {
		httpReq.Header.Set("api-key", ch.Key)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+ch.Key)
	}
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

// ConvertResponse synthesizes an OpenAI response from the configured
// response mapping. Without one it returns ErrNoConversion.
func (a *DynamicAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	if a.response == nil {
		return nil, ErrNoConversion
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}

	if a.response.ErrorPath != "" {
		if v, ok := ExtractPath(doc, a.response.ErrorPath); ok && v != nil {
			msg, isStr := v.(string)
			if !isStr {
				b, _ := json.Marshal(v)
				msg = string(b)
			}
			if msg != "" {
				apiErr := &openai.APIError{Message: msg, Type: "upstream_error"}
				return &Converted{Body: ErrorEnvelope(apiErr), Err: apiErr}, nil
			}
		}
	}

	var content string
	if a.response.ContentPath != "" {
		if v, ok := ExtractPath(doc, a.response.ContentPath); ok {
			content, _ = v.(string)
		}
	}
	var usage openai.Usage
	if a.response.UsagePath != "" {
		if v, ok := ExtractPath(doc, a.response.UsagePath); ok {
			usage = normalizeUsage(v)
		}
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
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	return &Converted{Body: out, Usage: countsFromUsage(usage)}, nil
}

// normalizeUsage reads OpenAI, Claude or Gemini style usage keys.
func normalizeUsage(v any) openai.Usage {
	obj, ok := v.(map[string]any)
	if !ok {
		return openai.Usage{}
	}
	num := func(keys ...string) int {
		for _, k := range keys {
			if f, ok := obj[k].(float64); ok {
				return int(f)
			}
		}
		return 0
	}
	u := openai.Usage{
		PromptTokens:     num("prompt_tokens", "input_tokens", "promptTokenCount"),
		CompletionTokens: num("completion_tokens", "output_tokens", "candidatesTokenCount"),
	}
	u.TotalTokens = num("total_tokens", "totalTokenCount")
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// ConvertStreamChunk forwards frames unchanged; usage is read by the
// OpenAI parser.
func (a *DynamicAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return frame, nil
}

func (a *DynamicAdaptor) SupportsStream() bool { return true }

func (a *DynamicAdaptor) StreamOptions(model string) streaming.Options {
	return streaming.Options{Parser: streaming.ParseOpenAI}
}
