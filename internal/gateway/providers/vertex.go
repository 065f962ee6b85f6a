package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/passthrough"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const defaultVertexRegion = "us-central1"

// VertexAdaptor sends Gemini-format requests to Vertex AI using a
// service-account credential stored as the channel key.
type VertexAdaptor struct {
	tokens *auth.TokenSource
}

// NewVertexAdaptor creates a Vertex adaptor that authenticates through tokens.
func NewVertexAdaptor(tokens *auth.TokenSource) *VertexAdaptor {
	if tokens == nil {
		tokens = auth.NewTokenSource("", nil, nil)
	}
	return &VertexAdaptor{tokens: tokens}
}

func (a *VertexAdaptor) Name() string { return "vertex" }

func (a *VertexAdaptor) ConvertRequest(req *ChatRequest, raw []byte) ([]byte, error) {
	return json.Marshal(convertGeminiRequest(req))
}

// vertexTarget resolves the project and region for req. The request
// override wins over the service account's project.
func vertexTarget(req *ChatRequest, sa auth.ServiceAccount) (project, region string, err error) {
	project = req.ProjectID
	if project == "" {
		project = sa.ProjectID
	}
	if project == "" {
		return "", "", errors.New("vertex: no project_id in request or service account")
	}
	region = req.Region
	if region == "" {
		region = defaultVertexRegion
	}
	return project, region, nil
}

func (a *VertexAdaptor) BuildRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, body []byte) (*http.Request, error) {
	return a.build(ctx, ch, req, "", "", body)
}

// BuildNativeRequest sends a Gemini REST call to the same method on the
// Vertex publisher model, so :countTokens stays :countTokens. The client's
// query string is kept.
func (a *VertexAdaptor) BuildNativeRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, nativePath string, body []byte) (*http.Request, error) {
	method, query := passthrough.NativeMethod(nativePath)
	return a.build(ctx, ch, req, method, query, body)
}

func (a *VertexAdaptor) build(ctx context.Context, ch *models.Channel, req *ChatRequest, method, query string, body []byte) (*http.Request, error) {
	sa, err := auth.ParseServiceAccount(ch.Key)
	if err != nil {
		return nil, err
	}
	project, region, err := vertexTarget(req, sa)
	if err != nil {
		return nil, err
	}
	token, err := a.tokens.Token(ctx, sa)
	if err != nil {
		return nil, fmt.Errorf("vertex: %w", err)
	}

	if method == "" {
		method = "generateContent"
		if req.Stream {
			method = "streamGenerateContent"
		}
	}
	base := baseURL(ch, fmt.Sprintf("https://%s-aiplatform.googleapis.com", region))
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		base, project, region, req.Model, method)
	if query != "" {
		url += "?" + query
	}

	httpReq, _, err := newJSONRequest(ctx, ch, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	applyHeaderOverride(httpReq, ch.HeaderOverride)
	return httpReq, nil
}

func (a *VertexAdaptor) ConvertResponse(body []byte, model string) (*Converted, error) {
	return convertGeminiResponse(body, model)
}

func (a *VertexAdaptor) ConvertStreamChunk(frame []byte, model string) ([]byte, error) {
	return (&GeminiAdaptor{}).ConvertStreamChunk(frame, model)
}

func (a *VertexAdaptor) SupportsStream() bool { return true }

// StreamOptions frames the JSON-array stream Vertex returns without alt=sse.
func (a *VertexAdaptor) StreamOptions(model string) streaming.Options {
	return geminiStreamOptions(model, streaming.ScanJSONArrayObjects)
}
