package streaming

import (
	"bytes"
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// Parser extracts usage from one stream frame into a counter. Frames without
// usage leave the counter untouched.
type Parser func(frame []byte, c *TokenCounter)

// Family identifies a wire format for usage extraction.
type Family int

const (
	FamilyOpenAI Family = iota
	FamilyClaude
	FamilyGemini
)

// ParserFor returns the parser for a wire family.
func ParserFor(f Family) Parser {
	switch f {
	case FamilyClaude:
		return ParseClaude
	case FamilyGemini:
		return ParseGemini
	default:
		return ParseOpenAI
	}
}

var (
	dataPrefix  = []byte("data: ")
	donePayload = []byte("[DONE]")
)

// eachLine calls fn for every non-empty line of frame.
func eachLine(frame []byte, fn func(line []byte)) {
	for len(frame) > 0 {
		var line []byte
		if i := bytes.IndexByte(frame, '\n'); i >= 0 {
			line, frame = frame[:i], frame[i+1:]
		} else {
			line, frame = frame, nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(line) > 0 {
			fn(line)
		}
	}
}

// sseData returns the payload of a "data: " line.
func sseData(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, donePayload) {
		return nil, false
	}
	return payload, true
}

// ParseOpenAI reads usage from OpenAI-style chunks, which carry cumulative
// totals in the final chunk.
func ParseOpenAI(frame []byte, c *TokenCounter) {
	eachLine(frame, func(line []byte) {
		payload, ok := sseData(line)
		if !ok {
			return
		}
		var chunk struct {
			Usage *openai.Usage `json:"usage"`
		}
		if json.Unmarshal(payload, &chunk) != nil || chunk.Usage == nil {
			return
		}
		c.SetPrompt(int64(chunk.Usage.PromptTokens))
		c.SetCompletion(int64(chunk.Usage.CompletionTokens))
		if d := chunk.Usage.PromptTokensDetails; d != nil {
			c.SetCacheRead(int64(d.CachedTokens))
			if d.AudioTokens > 0 {
				c.SetAudio(int64(d.AudioTokens))
			}
		}
	})
}

type claudeUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}

type claudeEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *claudeUsage `json:"usage"`
	} `json:"message"`
	Usage *claudeUsage `json:"usage"`
}

func (u *claudeUsage) applyCache(c *TokenCounter) {
	if u.CacheReadInputTokens != nil {
		c.SetCacheRead(*u.CacheReadInputTokens)
	}
	if u.CacheCreationInputTokens != nil {
		c.SetCacheCreation(*u.CacheCreationInputTokens)
	}
}

// ParseClaude reads usage from Anthropic message events: message_start
// seeds the prompt count and message_delta carries the cumulative output.
func ParseClaude(frame []byte, c *TokenCounter) {
	eachLine(frame, func(line []byte) {
		payload, ok := sseData(line)
		if !ok {
			return
		}
		var ev claudeEvent
		if json.Unmarshal(payload, &ev) != nil {
			return
		}
		switch ev.Type {
		case "message_start":
			if ev.Message == nil || ev.Message.Usage == nil {
				return
			}
			u := ev.Message.Usage
			if u.InputTokens != nil {
				c.SetPrompt(*u.InputTokens)
			}
			u.applyCache(c)
		case "message_delta":
			if ev.Usage == nil {
				return
			}
			if ev.Usage.OutputTokens != nil {
				c.SetCompletion(*ev.Usage.OutputTokens)
			}
			if ev.Usage.InputTokens != nil && *ev.Usage.InputTokens > 0 {
				c.SetPrompt(*ev.Usage.InputTokens)
			}
			ev.Usage.applyCache(c)
		}
	})
}

// TrimArrayFraming strips the JSON array punctuation that surrounds objects
// in a streamed Gemini array response.
func TrimArrayFraming(b []byte) []byte {
	b = bytes.TrimSpace(b)
	b = bytes.TrimLeft(b, "[,\r\n\t ")
	b = bytes.TrimRight(b, "],\r\n\t ")
	return b
}

// GeminiUsage is the usageMetadata object of a Gemini response.
type GeminiUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
}

func applyGemini(payload []byte, c *TokenCounter) bool {
	var chunk struct {
		UsageMetadata *GeminiUsage `json:"usageMetadata"`
	}
	if json.Unmarshal(payload, &chunk) != nil {
		return false
	}
	if u := chunk.UsageMetadata; u != nil {
		c.SetPrompt(u.PromptTokenCount)
		c.SetCompletion(u.CandidatesTokenCount)
		if u.CachedContentTokenCount > 0 {
			c.SetCacheRead(u.CachedContentTokenCount)
		}
	}
	return true
}

// ParseGemini reads usageMetadata from either an SSE data line or a bare,
// possibly array-wrapped, JSON object.
func ParseGemini(frame []byte, c *TokenCounter) {
	whole := TrimArrayFraming(frame)
	if len(whole) > 0 && whole[0] == '{' && applyGemini(whole, c) {
		return
	}
	eachLine(frame, func(line []byte) {
		if payload, ok := sseData(line); ok {
			line = payload
		}
		line = TrimArrayFraming(line)
		if len(line) > 0 && line[0] == '{' {
			applyGemini(line, c)
		}
	})
}
