// Package passthrough decides when a request is already in the upstream's
// native format and can be forwarded without translation.
package passthrough

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Mode is the outcome of Decide.
type Mode int

const (
	Convert Mode = iota
	Passthrough
)

func (m Mode) String() string {
	if m == Passthrough {
		return "passthrough"
	}
	return "convert"
}

var nativePrefixes = []string{"/v1beta/models/", "/v1/models/"}

// Supports reports whether a channel type accepts native passthrough.
func Supports(channelType int) bool {
	return channelType == models.ChannelTypeGemini || channelType == models.ChannelTypeVertexAI
}

// IsNativePath reports whether path is a Gemini REST path. The leading
// slash is optional.
func IsNativePath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for _, p := range nativePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// hasContents reports whether body carries Gemini's "contents" array.
func hasContents(body []byte) bool {
	var peek struct {
		Contents json.RawMessage `json:"contents"`
	}
	if json.Unmarshal(body, &peek) != nil {
		return false
	}
	c := strings.TrimSpace(string(peek.Contents))
	return strings.HasPrefix(c, "[")
}

// Decide chooses between passthrough and conversion.
func Decide(path string, body []byte, channelType int) Mode {
	if !Supports(channelType) {
		return Convert
	}
	if IsNativePath(path) || hasContents(body) {
		return Passthrough
	}
	return Convert
}

// BuildGeminiURL joins base with a native path, or with the generateContent
// path for model when nativePath is empty. A trailing /v1beta or /v1 on base
// is dropped so it is not doubled.
func BuildGeminiURL(base, nativePath, model string, stream bool) string {
	base = strings.TrimRight(base, "/")
	for _, suffix := range []string{"/v1beta", "/v1"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	if nativePath != "" {
		if !strings.HasPrefix(nativePath, "/") {
			nativePath = "/" + nativePath
		}
		return base + nativePath
	}
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, method)
}

// ExtractModelFromGeminiPath returns the model of a native path such as
// /v1beta/models/gemini-pro:generateContent.
func ExtractModelFromGeminiPath(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for _, p := range nativePrefixes {
		if rest, ok := strings.CutPrefix(path, p); ok {
			model, _, _ := strings.Cut(rest, ":")
			model, _, _ = strings.Cut(model, "/")
			if model == "" {
				return "", false
			}
			return model, true
		}
	}
	return "", false
}

// NativeMethod splits a native path such as
// /v1beta/models/gemini-pro:countTokens?alt=sse into its method and raw
// query. method is empty when the path names none.
func NativeMethod(nativePath string) (method, rawQuery string) {
	path, rawQuery, _ := strings.Cut(nativePath, "?")
	if i := strings.LastIndex(path, ":"); i >= 0 {
		method = path[i+1:]
	}
	return method, rawQuery
}

// IsStreamPath reports whether a native path asks for a streamed response.
func IsStreamPath(path string) bool {
	return strings.Contains(path, ":streamGenerateContent")
}

// ParseGeminiUsage reads usageMetadata from a native Gemini response. The
// body may be a single object or a JSON array of stream chunks, in which
// case the last reported usage wins.
func ParseGeminiUsage(body []byte) streaming.Counts {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var chunks []json.RawMessage
		if json.Unmarshal([]byte(trimmed), &chunks) != nil {
			return streaming.Counts{}
		}
		var c streaming.TokenCounter
		for _, chunk := range chunks {
			streaming.ParseGemini(chunk, &c)
		}
		return c.Snapshot()
	}
	var c streaming.TokenCounter
	streaming.ParseGemini(body, &c)
	return c.Snapshot()
}
