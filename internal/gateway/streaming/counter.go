// Package streaming forwards upstream response streams to clients while
// extracting token usage from them.
package streaming

import "sync/atomic"

// TokenCounter accumulates usage for one in-flight request. Providers report
// cumulative totals, so every setter overwrites.
type TokenCounter struct {
	prompt        atomic.Int64
	completion    atomic.Int64
	cacheRead     atomic.Int64
	cacheCreation atomic.Int64
	audio         atomic.Int64
}

// Counts is a point-in-time copy of a TokenCounter.
type Counts struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	AudioTokens         int64
}

// Total is prompt plus completion tokens.
func (c Counts) Total() int64 {
	return c.PromptTokens + c.CompletionTokens
}

func (c *TokenCounter) SetPrompt(n int64)        { c.prompt.Store(n) }
func (c *TokenCounter) SetCompletion(n int64)    { c.completion.Store(n) }
func (c *TokenCounter) SetCacheRead(n int64)     { c.cacheRead.Store(n) }
func (c *TokenCounter) SetCacheCreation(n int64) { c.cacheCreation.Store(n) }
func (c *TokenCounter) SetAudio(n int64)         { c.audio.Store(n) }

// Snapshot returns the current counts.
func (c *TokenCounter) Snapshot() Counts {
	return Counts{
		PromptTokens:        c.prompt.Load(),
		CompletionTokens:    c.completion.Load(),
		CacheReadTokens:     c.cacheRead.Load(),
		CacheCreationTokens: c.cacheCreation.Load(),
		AudioTokens:         c.audio.Load(),
	}
}
