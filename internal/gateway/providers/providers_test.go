package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

func f32(v float32) *float32 { return &v }
func intp(v int) *int         { return &v }

func chatReq(model string, msgs ...openai.ChatCompletionMessage) *ChatRequest {
	return &ChatRequest{Model: model, Messages: msgs}
}

func msg(role, content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: role, Content: content}
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestParseChatRequest(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.2,"stream":true}`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-6)

	_, err = ParseChatRequest([]byte(`{"messages":[]}`))
	assert.Error(t, err)
	_, err = ParseChatRequest([]byte(`{`))
	assert.Error(t, err)
}

func TestClaudeRequestExtractsSystem(t *testing.T) {
	a := NewClaudeAdaptor()
	body, err := a.ConvertRequest(chatReq("claude-3-5-sonnet",
		msg("system", "Be helpful"),
		msg("user", "Hi"),
	), nil)
	require.NoError(t, err)

	var out AnthropicRequest
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "Be helpful", out.System)
	assert.Equal(t, []AnthropicMessage{{Role: "user", Content: "Hi"}}, out.Messages)
	assert.Equal(t, 4096, out.MaxTokens)

	req := chatReq("claude", msg("user", "Hi"))
	req.MaxTokens = intp(200)
	body, err = a.ConvertRequest(req, nil)
	require.NoError(t, err)
	m := decode(t, body)
	assert.Equal(t, float64(200), m["max_tokens"])
	assert.NotContains(t, m, "system")
}

func TestClaudeBuildRequestHeaders(t *testing.T) {
	a := NewClaudeAdaptor()
	ch := &models.Channel{Key: "sk-ant", HeaderOverride: `{"anthropic-beta":"prompt-caching-2024-07-31"}`}
	req, err := a.BuildRequest(context.Background(), ch, chatReq("claude"), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL.String())
	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	assert.Equal(t, "prompt-caching-2024-07-31", req.Header.Get("anthropic-beta"))

	ch.APIVersion = "2024-10-22"
	req, err = a.BuildRequest(context.Background(), ch, chatReq("claude"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "2024-10-22", req.Header.Get("anthropic-version"))
}

func TestClaudeResponse(t *testing.T) {
	conv, err := NewClaudeAdaptor().ConvertResponse([]byte(`{
		"id":"msg_123","type":"message","role":"assistant",
		"content":[{"type":"text","text":"Hello from Claude"}],
		"model":"claude-3-opus","stop_reason":"max_tokens",
		"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":4,"cache_creation_input_tokens":3}
	}`), "claude-3")
	require.NoError(t, err)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(conv.Body, &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello from Claude", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonLength, resp.Choices[0].FinishReason)
	assert.Equal(t, "claude-3", resp.Model)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, 30, resp.Usage.TotalTokens)

	assert.Equal(t, int64(10), conv.Usage.PromptTokens)
	assert.Equal(t, int64(20), conv.Usage.CompletionTokens)
	assert.Equal(t, int64(4), conv.Usage.CacheReadTokens)
	assert.Equal(t, int64(3), conv.Usage.CacheCreationTokens)

	_, err = NewClaudeAdaptor().ConvertResponse([]byte(`not json`), "claude-3")
	assert.Error(t, err)
}

func streamChunk(t *testing.T, b []byte) openai.ChatCompletionStreamResponse {
	t.Helper()
	s := string(b)
	require.True(t, strings.HasPrefix(s, "data: "), s)
	require.True(t, strings.HasSuffix(s, "\n\n"), s)
	var chunk openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(s, "data: "))), &chunk))
	return chunk
}

func TestClaudeStreamChunks(t *testing.T) {
	a := NewClaudeAdaptor()

	out, err := a.ConvertStreamChunk([]byte("event: content_block_delta\n"), "claude")
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = a.ConvertStreamChunk([]byte(`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":5}}}`+"\n"), "claude")
	require.NoError(t, err)
	assert.Equal(t, "assistant", streamChunk(t, out).Choices[0].Delta.Role)

	out, err = a.ConvertStreamChunk([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`+"\n"), "claude")
	require.NoError(t, err)
	chunk := streamChunk(t, out)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "Hel", chunk.Choices[0].Delta.Content)

	out, err = a.ConvertStreamChunk([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`+"\n"), "claude")
	require.NoError(t, err)
	assert.Equal(t, openai.FinishReasonStop, streamChunk(t, out).Choices[0].FinishReason)

	out, err = a.ConvertStreamChunk([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`+"\n"), "claude")
	require.NoError(t, err)
	assert.Equal(t, openai.FinishReasonLength, streamChunk(t, out).Choices[0].FinishReason)

	out, err = a.ConvertStreamChunk([]byte(`data: {"type":"message_stop"}`+"\n"), "claude")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestClaudeStreamOptionsKeepOneID(t *testing.T) {
	opts := NewClaudeAdaptor().StreamOptions("claude")
	require.NotNil(t, opts.Transform)
	a, err := opts.Transform([]byte(`data: {"type":"content_block_delta","delta":{"text":"a"}}`))
	require.NoError(t, err)
	b, err := opts.Transform([]byte(`data: {"type":"content_block_delta","delta":{"text":"b"}}`))
	require.NoError(t, err)
	assert.Equal(t, streamChunk(t, a).ID, streamChunk(t, b).ID)
	assert.Equal(t, DoneFrame, opts.Trailer)
}

func TestGeminiRequestConversion(t *testing.T) {
	req := chatReq("gemini-2.5-flash",
		msg("system", "Be brief"),
		msg("user", "Hi"),
		msg("assistant", "Hello"),
		msg("user", "Bye"),
	)
	req.Temperature = f32(0.5)
	req.MaxTokens = intp(64)

	body, err := NewGeminiAdaptor().ConvertRequest(req, nil)
	require.NoError(t, err)

	var out GeminiRequest
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Contents, 4)
	assert.Equal(t, []string{"user", "user", "model", "user"},
		[]string{out.Contents[0].Role, out.Contents[1].Role, out.Contents[2].Role, out.Contents[3].Role})
	assert.Equal(t, "Hello", out.Contents[2].Parts[0].Text)

	m := decode(t, body)
	gc := m["generationConfig"].(map[string]any)
	assert.Equal(t, float64(64), gc["maxOutputTokens"])
	assert.InDelta(t, 0.5, gc["temperature"], 1e-6)

	body, err = NewGeminiAdaptor().ConvertRequest(chatReq("g", msg("user", "x")), nil)
	require.NoError(t, err)
	assert.NotContains(t, decode(t, body), "generationConfig")
}

func TestGeminiBuildRequest(t *testing.T) {
	a := NewGeminiAdaptor()
	ch := &models.Channel{Key: "AIza"}

	req, err := a.BuildRequest(context.Background(), ch, chatReq("gemini-2.5-pro"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent", req.URL.String())
	assert.Equal(t, "AIza", req.Header.Get("x-goog-api-key"))

	stream := chatReq("gemini-2.5-pro")
	stream.Stream = true
	ch.BaseURL = "http://localhost:9999/"
	ch.APIVersion = "v1"
	req, err = a.BuildRequest(context.Background(), ch, stream, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/v1/models/gemini-2.5-pro:streamGenerateContent?alt=sse", req.URL.String())
}

func TestGeminiNativeRequest(t *testing.T) {
	ch := &models.Channel{Key: "AIza", BaseURL: "http://localhost:9999/v1beta/", HeaderOverride: `{"x-goog-user-project":"p1"}`}
	body := []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)

	req, err := NewGeminiNativeRequest(context.Background(), ch, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", "gemini-pro", true, body)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", req.URL.String())
	assert.Equal(t, "AIza", req.Header.Get("x-goog-api-key"))
	assert.Equal(t, "p1", req.Header.Get("x-goog-user-project"))
	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(got))

	ch.BaseURL = ""
	req, err = NewGeminiNativeRequest(context.Background(), ch, "", "gemini-pro", false, body)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent", req.URL.String())
}

func TestGeminiResponse(t *testing.T) {
	a := NewGeminiAdaptor()
	conv, err := a.ConvertResponse([]byte(`{
		"candidates":[{"content":{"role":"model","parts":[{"text":"Hi there"}]},"finishReason":"SAFETY","index":0}],
		"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10,"cachedContentTokenCount":2}
	}`), "gemini-2.5-flash")
	require.NoError(t, err)
	require.Nil(t, conv.Err)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(conv.Body, &resp))
	assert.Equal(t, "Hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonContentFilter, resp.Choices[0].FinishReason)
	assert.Equal(t, int64(7), conv.Usage.PromptTokens)
	assert.Equal(t, int64(3), conv.Usage.CompletionTokens)
	assert.Equal(t, int64(2), conv.Usage.CacheReadTokens)
}

func TestGeminiErrorResponse(t *testing.T) {
	conv, err := NewGeminiAdaptor().ConvertResponse([]byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`), "gemini")
	require.NoError(t, err)
	require.NotNil(t, conv.Err)
	assert.Equal(t, 400, conv.Err.HTTPStatusCode)

	m := decode(t, conv.Body)
	assert.NotContains(t, m, "choices")
	e := m["error"].(map[string]any)
	assert.Equal(t, "API key not valid", e["message"])
	assert.Equal(t, "invalid_argument", e["type"])
	assert.Equal(t, float64(400), e["code"])
}

func TestGeminiStreamChunks(t *testing.T) {
	a := NewGeminiAdaptor()
	cases := []struct {
		frame  string
		text   string
		finish openai.FinishReason
	}{
		{`[{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`, "Hel", ""},
		{`,` + "\r\n" + `{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"MAX_TOKENS"}]}`, "lo", openai.FinishReasonLength},
		{`data: {"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}]}` + "\n", "!", openai.FinishReasonStop},
		{`{"candidates":[{"content":{"parts":[{"text":""}]},"finishReason":"OTHER"}]}]`, "", openai.FinishReasonStop},
	}
	for _, tc := range cases {
		out, err := a.ConvertStreamChunk([]byte(tc.frame), "gemini")
		require.NoError(t, err)
		chunk := streamChunk(t, out)
		require.Len(t, chunk.Choices, 1, tc.frame)
		assert.Equal(t, tc.text, chunk.Choices[0].Delta.Content)
		assert.Equal(t, tc.finish, chunk.Choices[0].FinishReason)
	}

	for _, frame := range []string{"]", "\n", "[", ": keep-alive"} {
		out, err := a.ConvertStreamChunk([]byte(frame), "gemini")
		require.NoError(t, err)
		assert.Nil(t, out, frame)
	}

	out, err := a.ConvertStreamChunk([]byte(`{"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`), "gemini")
	require.NoError(t, err)
	chunk := streamChunk(t, out)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 10, chunk.Usage.TotalTokens)
}

func testServiceAccount(t *testing.T, project string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
	b, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "svc@" + project + ".iam.gserviceaccount.com",
		"private_key":  keyPEM,
		"project_id":   project,
	})
	require.NoError(t, err)
	return string(b)
}

func TestVertexBuildRequest(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"ya29.vertex","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	a := NewVertexAdaptor(auth.NewTokenSource(tokenSrv.URL, tokenSrv.Client(), auth.NewTokenCache()))
	ch := &models.Channel{Type: models.ChannelTypeVertexAI, Key: testServiceAccount(t, "sa-project")}

	req := chatReq("gemini-1.5-pro")
	req.Stream = true
	httpReq, err := a.BuildRequest(context.Background(), ch, req, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t,
		"https://us-central1-aiplatform.googleapis.com/v1/projects/sa-project/locations/us-central1/publishers/google/models/gemini-1.5-pro:streamGenerateContent",
		httpReq.URL.String())
	assert.Equal(t, "Bearer ya29.vertex", httpReq.Header.Get("Authorization"))

	req.ProjectID = "override"
	req.Region = "europe-west4"
	httpReq, err = a.BuildRequest(context.Background(), ch, req, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t,
		"https://europe-west4-aiplatform.googleapis.com/v1/projects/override/locations/europe-west4/publishers/google/models/gemini-1.5-pro:streamGenerateContent",
		httpReq.URL.String())

	_, err = a.BuildRequest(context.Background(), &models.Channel{Key: "{}"}, req, []byte(`{}`))
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestVertexBuildNativeRequestKeepsMethod(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"ya29.vertex","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	a := NewVertexAdaptor(auth.NewTokenSource(tokenSrv.URL, tokenSrv.Client(), auth.NewTokenCache()))
	ch := &models.Channel{Type: models.ChannelTypeVertexAI, Key: testServiceAccount(t, "sa-project")}
	var _ NativeRequester = a

	httpReq, err := a.BuildNativeRequest(context.Background(), ch, chatReq("gemini-1.5-pro"),
		"/v1beta/models/gemini-1.5-pro:countTokens", []byte(`{"contents":[]}`))
	require.NoError(t, err)
	assert.Equal(t,
		"https://us-central1-aiplatform.googleapis.com/v1/projects/sa-project/locations/us-central1/publishers/google/models/gemini-1.5-pro:countTokens",
		httpReq.URL.String())
	assert.Equal(t, "Bearer ya29.vertex", httpReq.Header.Get("Authorization"))

	req := chatReq("gemini-1.5-pro")
	req.Stream = true
	httpReq, err = a.BuildNativeRequest(context.Background(), ch, req,
		"/v1beta/models/gemini-1.5-pro:streamGenerateContent?alt=sse", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t,
		"https://us-central1-aiplatform.googleapis.com/v1/projects/sa-project/locations/us-central1/publishers/google/models/gemini-1.5-pro:streamGenerateContent?alt=sse",
		httpReq.URL.String())
}

func TestVertexStreamUsesArrayFraming(t *testing.T) {
	opts := NewVertexAdaptor(nil).StreamOptions("gemini")
	require.NotNil(t, opts.Split)
	require.NotNil(t, opts.Parser)
	assert.Equal(t, DoneFrame, opts.Trailer)
}

func TestBedrockRequest(t *testing.T) {
	a := NewBedrockAdaptor()
	a.now = func() time.Time { return time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC) }
	assert.False(t, a.SupportsStream())

	req := chatReq("anthropic.claude-3-haiku-20240307-v1:0", msg("system", "sys"), msg("user", "hi"))
	req.Stream = true
	body, err := a.ConvertRequest(req, nil)
	require.NoError(t, err)
	m := decode(t, body)
	assert.Equal(t, "bedrock-2023-05-31", m["anthropic_version"])
	assert.Equal(t, "sys", m["system"])
	assert.NotContains(t, m, "model")
	assert.NotContains(t, m, "stream")

	ch := &models.Channel{Type: models.ChannelTypeAws, Key: "AKIDEXAMPLE:secret:us-west-2"}
	httpReq, err := a.BuildRequest(context.Background(), ch, req, body)
	require.NoError(t, err)
	assert.Equal(t, "https://bedrock-runtime.us-west-2.amazonaws.com/model/anthropic.claude-3-haiku-20240307-v1:0/invoke", httpReq.URL.String())
	assert.Equal(t, "20240115T123045Z", httpReq.Header.Get("X-Amz-Date"))
	authz := httpReq.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(authz, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240115/us-west-2/bedrock/aws4_request, SignedHeaders=content-type;host;x-amz-date, Signature="), authz)

	_, err = a.BuildRequest(context.Background(), &models.Channel{Key: "only-one-part"}, req, body)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestOpenAIAdaptor(t *testing.T) {
	a := NewOpenAIAdaptor()
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"custom":1}`)
	req, err := ParseChatRequest(raw)
	require.NoError(t, err)

	body, err := a.ConvertRequest(req, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	streamRaw := []byte(`{"model":"gpt-4o","messages":[],"stream":true}`)
	streamReq, err := ParseChatRequest(streamRaw)
	require.NoError(t, err)
	body, err = a.ConvertRequest(streamReq, streamRaw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"include_usage": true}, decode(t, body)["stream_options"])

	ch := &models.Channel{Key: "sk-test", BaseURL: "https://proxy.example.com/", ParamOverride: `{"temperature":0}`}
	httpReq, err := a.BuildRequest(context.Background(), ch, req, raw)
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.example.com/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))
	sent, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, sent)["temperature"])
	assert.Equal(t, float64(1), decode(t, sent)["custom"])

	azure := &models.Channel{Type: models.ChannelTypeAzure, Key: "az-key", BaseURL: "https://res.openai.azure.com/"}
	httpReq, err = a.BuildRequest(context.Background(), azure, req, raw)
	require.NoError(t, err)
	assert.Equal(t, "https://res.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01", httpReq.URL.String())
	assert.Equal(t, "az-key", httpReq.Header.Get("api-key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))

	conv, err := a.ConvertResponse([]byte(`{"id":"x","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":1}}}`), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int64(3), conv.Usage.PromptTokens)
	assert.Equal(t, int64(1), conv.Usage.CacheReadTokens)

	frame := []byte("data: {\"choices\":[]}\n")
	out, err := a.ConvertStreamChunk(frame, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestRequestMapping(t *testing.T) {
	m, err := ParseRequestMapping(`{"field_map":{"input":"messages"},"rename":{"model":"deployment_id","temperature":"input"},"add_fields":{"api-version":"2025-01-01"}}`)
	require.NoError(t, err)

	out, err := m.Apply([]byte(`{"model":"gpt-4","messages":[{"role":"user","content":"Hello"}],"temperature":0.1}`))
	require.NoError(t, err)
	obj := decode(t, out)
	assert.NotContains(t, obj, "model")
	assert.Equal(t, "gpt-4", obj["deployment_id"])
	assert.Equal(t, obj["messages"], obj["input"])
	assert.Equal(t, 0.1, obj["temperature"], "rename onto an existing field is skipped")
	assert.Equal(t, "2025-01-01", obj["api-version"])

	none, err := ParseRequestMapping("  ")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseRequestMapping(`{bad`)
	assert.Error(t, err)
}

func TestExtractPath(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"choices":[{"message":{"content":"hi"}}],"grid":[[1,2],[3,4]],"usage":{"prompt_tokens":1}}`), &doc))

	v, ok := ExtractPath(doc, "choices[0].message.content")
	require.True(t, ok)
	assert.Equal(t, "hi", v)

	v, ok = ExtractPath(doc, "grid[1][0]")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	for _, p := range []string{"choices[1].message", "missing", "choices[x]", "choices[0", "usage.prompt_tokens.deeper", ""} {
		_, ok := ExtractPath(doc, p)
		assert.False(t, ok, p)
	}
}

func TestDynamicAdaptor(t *testing.T) {
	a := NewDynamicAdaptor(models.ProtocolConfig{
		ChannelType:     models.ChannelTypeAzure,
		APIVersion:      "2024-02-01",
		ChatEndpoint:    "/openai/deployments/{deployment_id}/chat/completions?api-version={api_version}",
		RequestMapping:  `{"rename":{"model":"deployment_id"},"add_fields":{"api-version":"2024-02-01"}}`,
		ResponseMapping: `{"content_path":"output.text","usage_path":"usage","error_path":"error.message"}`,
	})

	assert.Equal(t, "https://example.openai.azure.com/openai/deployments/gpt-4/chat/completions?api-version=2024-02-01",
		a.Endpoint("https://example.openai.azure.com/", "gpt-4"))

	raw := []byte(`{"model":"gpt-4","messages":[]}`)
	req, err := ParseChatRequest(raw)
	require.NoError(t, err)
	body, err := a.ConvertRequest(req, raw)
	require.NoError(t, err)
	obj := decode(t, body)
	assert.Equal(t, "gpt-4", obj["deployment_id"])
	assert.Equal(t, "2024-02-01", obj["api-version"])

	httpReq, err := a.BuildRequest(context.Background(), &models.Channel{Type: models.ChannelTypeAzure, Key: "azkey", BaseURL: "https://example.openai.azure.com"}, req, body)
	require.NoError(t, err)
	assert.Equal(t, "azkey", httpReq.Header.Get("api-key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))

	conv, err := a.ConvertResponse([]byte(`{"output":{"text":"Hello from Gemini!"},"usage":{"input_tokens":10,"output_tokens":5}}`), "gpt-4")
	require.NoError(t, err)
	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(conv.Body, &resp))
	assert.Equal(t, "Hello from Gemini!", resp.Choices[0].Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, int64(10), conv.Usage.PromptTokens)

	conv, err = a.ConvertResponse([]byte(`{"error":{"message":"deployment not found"}}`), "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, conv.Err)
	assert.Equal(t, "deployment not found", conv.Err.Message)
}

func TestDynamicAdaptorWithoutMapping(t *testing.T) {
	a := NewDynamicAdaptor(models.ProtocolConfig{ChannelType: models.ChannelTypeOpenAI, APIVersion: "default"})
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", a.Endpoint("https://api.openai.com", "gpt-4"))

	raw := []byte(`{"model":"gpt-4","messages":[]}`)
	body, err := a.ConvertRequest(&ChatRequest{Model: "gpt-4"}, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	_, err = a.ConvertResponse([]byte(`{"choices":[{"message":{"content":"Hello back!"}}]}`), "gpt-4")
	assert.ErrorIs(t, err, ErrNoConversion)

	abs := NewDynamicAdaptor(models.ProtocolConfig{ChatEndpoint: "https://custom.example.com/chat/{model}"})
	assert.Equal(t, "https://custom.example.com/chat/m1", abs.Endpoint("https://ignored", "m1"))
}

func TestDynamicAdaptorInvalidMappingFallsBack(t *testing.T) {
	a := NewDynamicAdaptor(models.ProtocolConfig{RequestMapping: `{not json`, ResponseMapping: `[1,2`})
	raw := []byte(`{"model":"m"}`)
	body, err := a.ConvertRequest(&ChatRequest{Model: "m"}, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	_, err = a.ConvertResponse([]byte(`{}`), "m")
	assert.ErrorIs(t, err, ErrNoConversion)
}

type memConfigs struct {
	mu      sync.Mutex
	byVer   map[string]*models.ProtocolConfig
	def     map[int]*models.ProtocolConfig
	lookups int
	fail    bool
}

func (m *memConfigs) GetProtocolConfig(_ context.Context, channelType int, apiVersion string) (*models.ProtocolConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.fail {
		return nil, errors.New("connection refused")
	}
	if c, ok := m.byVer[fmt.Sprintf("%d/%s", channelType, apiVersion)]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("protocol config: %w", database.ErrNotFound)
}

func (m *memConfigs) GetDefaultProtocolConfig(_ context.Context, channelType int) (*models.ProtocolConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.fail {
		return nil, errors.New("connection refused")
	}
	if c, ok := m.def[channelType]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("default protocol config: %w", database.ErrNotFound)
}

func TestFactorySelection(t *testing.T) {
	store := &memConfigs{
		byVer: map[string]*models.ProtocolConfig{
			"3/2024-02-01": {ChannelType: 3, APIVersion: "2024-02-01", ChatEndpoint: "/v2/{model}"},
		},
		def: map[int]*models.ProtocolConfig{
			3: {ChannelType: 3, APIVersion: "2023-05-15", IsDefault: true},
		},
	}
	f := NewFactory(store, nil)
	ctx := context.Background()

	a := f.Get(ctx, &models.Channel{Type: 3, APIVersion: "2024-02-01"})
	dyn, ok := a.(*DynamicAdaptor)
	require.True(t, ok)
	assert.Equal(t, "2024-02-01", dyn.Config().APIVersion)

	a = f.Get(ctx, &models.Channel{Type: 3, APIVersion: "1999-01-01"})
	dyn, ok = a.(*DynamicAdaptor)
	require.True(t, ok)
	assert.Equal(t, "2023-05-15", dyn.Config().APIVersion)

	assert.Equal(t, "anthropic", f.Get(ctx, &models.Channel{Type: models.ChannelTypeAnthropic}).Name())
	assert.Equal(t, "gemini", f.Get(ctx, &models.Channel{Type: models.ChannelTypeGemini}).Name())
	assert.Equal(t, "vertex", f.Get(ctx, &models.Channel{Type: models.ChannelTypeVertexAI}).Name())
	assert.Equal(t, "bedrock", f.Get(ctx, &models.Channel{Type: models.ChannelTypeAws}).Name())
	assert.Equal(t, "openai", f.Get(ctx, &models.Channel{Type: 999}).Name())
}

func TestFactoryCacheAndInvalidate(t *testing.T) {
	store := &memConfigs{def: map[int]*models.ProtocolConfig{}}
	f := NewFactory(store, nil)
	ctx := context.Background()
	ch := &models.Channel{Type: models.ChannelTypeAnthropic}

	assert.Equal(t, "anthropic", f.Get(ctx, ch).Name())
	first := store.lookups
	f.Get(ctx, ch)
	assert.Equal(t, first, store.lookups, "second lookup is served from cache")

	store.mu.Lock()
	store.def[models.ChannelTypeAnthropic] = &models.ProtocolConfig{ChannelType: models.ChannelTypeAnthropic, IsDefault: true}
	store.mu.Unlock()
	assert.Equal(t, "anthropic", f.Get(ctx, ch).Name())

	f.Invalidate(models.ChannelTypeAnthropic, "")
	assert.Equal(t, "dynamic", f.Get(ctx, ch).Name())

	store.mu.Lock()
	delete(store.def, models.ChannelTypeAnthropic)
	store.mu.Unlock()
	f.ClearCache()
	assert.Equal(t, "anthropic", f.Get(ctx, ch).Name())
}

func TestFactoryStoreErrorFallsBackUncached(t *testing.T) {
	store := &memConfigs{fail: true}
	f := NewFactory(store, nil)
	ch := &models.Channel{Type: models.ChannelTypeGemini, APIVersion: "v1"}

	assert.Equal(t, "gemini", f.Get(context.Background(), ch).Name())
	n := store.lookups
	f.Get(context.Background(), ch)
	assert.Greater(t, store.lookups, n)
}

func TestFactoryWithDatabase(t *testing.T) {
	db, err := database.New(database.DriverSQLite, t.TempDir()+"/gateway.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.UpsertProtocolConfig(ctx, models.ProtocolConfig{
		ChannelType:  models.ChannelTypeMoonshot,
		APIVersion:   "v1",
		IsDefault:    true,
		ChatEndpoint: "/v1/chat/completions",
	}))

	f := NewFactory(db, nil)
	assert.Equal(t, "dynamic", f.Get(ctx, &models.Channel{Type: models.ChannelTypeMoonshot}).Name())
	assert.Equal(t, "openai", f.Get(ctx, &models.Channel{Type: models.ChannelTypeDeepSeek}).Name())
}

func TestSendClassifiesUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	_, err := Send(srv.Client(), req)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Equal(t, "12", upErr.RetryAfter)
	assert.Equal(t, "slow down", upErr.Message())

	srv.Close()
	req, _ = http.NewRequest(http.MethodPost, srv.URL, nil)
	_, err = Send(http.DefaultClient, req)
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, 0, upErr.StatusCode)
	assert.NotNil(t, upErr.Unwrap())
}

func TestUpstreamErrorMessageShapes(t *testing.T) {
	assert.Equal(t, "plain", (&UpstreamError{StatusCode: 500, Body: []byte("plain")}).Message())
	assert.Equal(t, "str", (&UpstreamError{StatusCode: 400, Body: []byte(`{"error":"str"}`)}).Message())
	assert.Equal(t, "gemini says no", (&UpstreamError{StatusCode: 400, Body: []byte(`{"error":{"code":400,"message":"gemini says no"}}`)}).Message())
}

func TestResponseToStream(t *testing.T) {
	conv, err := NewClaudeAdaptor().ConvertResponse([]byte(`{"content":[{"type":"text","text":"whole answer"}],"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":3}}`), "claude")
	require.NoError(t, err)

	out, err := ResponseToStream(conv.Body)
	require.NoError(t, err)
	s := string(out)
	require.True(t, strings.HasSuffix(s, "data: [DONE]\n\n"))

	chunk := streamChunk(t, []byte(strings.TrimSuffix(s, "data: [DONE]\n\n")))
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "whole answer", chunk.Choices[0].Delta.Content)
	assert.Equal(t, openai.FinishReasonStop, chunk.Choices[0].FinishReason)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 5, chunk.Usage.TotalTokens)
}

func TestUsageFromOpenAIBody(t *testing.T) {
	assert.Equal(t, int64(9), UsageFromOpenAIBody([]byte(`{"usage":{"prompt_tokens":4,"completion_tokens":5}}`)).Total())
	assert.Equal(t, int64(0), UsageFromOpenAIBody([]byte(`garbage`)).Total())
}
