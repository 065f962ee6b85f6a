package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockAdaptor invokes Claude models on AWS Bedrock with SigV4-signed
// requests. The channel key is "ACCESS_KEY:SECRET_KEY:REGION".
type BedrockAdaptor struct {
	now func() time.Time
}

// NewBedrockAdaptor creates a Bedrock adaptor.
func NewBedrockAdaptor() *BedrockAdaptor {
	return &BedrockAdaptor{now: time.Now}
}

func (a *BedrockAdaptor) Name() string { return "bedrock" }

func (a *BedrockAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	out := convertClaudeRequest(req)
	out.AnthropicVersion = bedrockAnthropicVersion
	out.Model = ""
	out.Stream = false
	return json.Marshal(out)
}

func (a *BedrockAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	cred, err := auth.ParseAWSCredential(ch.Key)
	if err != nil {
		return nil, err
	}
	base := baseURL(ch, fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", cred.Region))
	httpReq, signed, err := newJSONRequest(ctx, ch, fmt.Sprintf("%s/model/%s/invoke", base, req.Model), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	if err := auth.NewSigner(cred).WithClock(a.now).Sign(httpReq, signed); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func (a *BedrockAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	return convertClaudeResponse(body, model)
}

// ConvertStreamChunk is never used; Bedrock responses are buffered.
func (a *BedrockAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return nil, nil
}

func (a *BedrockAdaptor) SupportsStream() bool { return false }

func (a *BedrockAdaptor) StreamOptions(model string) streaming.Options {
	return streaming.Options{Parser: streaming.ParseClaude}
}
