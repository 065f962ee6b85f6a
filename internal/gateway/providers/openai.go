package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const (
	openAIBaseURL          = "https://api.openai.com"
	defaultAzureAPIVersion = "2024-06-01"
)

// OpenAIAdaptor forwards OpenAI-compatible requests unchanged.
type OpenAIAdaptor struct{}

// NewOpenAIAdaptor creates an OpenAI-compatible adaptor.
func NewOpenAIAdaptor() *OpenAIAdaptor {
	return &OpenAIAdaptor{}
}

func (a *OpenAIAdaptor) Name() string { return "openai" }

// ConvertRequest returns the client body. Streaming requests that did not
// ask for usage get stream_options.include_usage so the final chunk can be
// billed.
func (a *OpenAIAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	if raw == nil {
		return json.Marshal(req)
	}
	if req.Stream && req.StreamOptions == nil {
		return mergeParamOverride(raw, `{"stream_options":{"include_usage":true}}`), nil
	}
	return raw, nil
}

func (a *OpenAIAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	if ch.Type == models.ChannelTypeAzure {
		return buildAzureRequest(ctx, ch, req, body)
	}
	httpReq, _, err := newJSONRequest(ctx, ch, baseURL(ch, openAIBaseURL)+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+ch.Key)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

// buildAzureRequest targets the deployment named after the model.
func buildAzureRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	version := ch.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(ch.BaseURL, "/"), req.Model, version)
	httpReq, _, err := newJSONRequest(ctx, ch, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("api-key", ch.Key)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

func (a *OpenAIAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Printf("providers: unparsable openai response for %s: %v", model, err)
		return &Converted{Body: body}, nil
	}
	return &Converted{Body: body, Usage: countsFromUsage(resp.Usage)}, nil
}

func (a *OpenAIAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return frame, nil
}

func (a *OpenAIAdaptor) SupportsStream() bool { return true }

func (a *OpenAIAdaptor) StreamOptions(model string) streaming.Options {
	return streaming.Options{Parser: streaming.ParseOpenAI}
}
