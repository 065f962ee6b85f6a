package billing

import (
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Usage is the token breakdown of one request.
type Usage struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	AudioTokens         int64
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// Mode selects the rate card applied to a request.
type Mode int

const (
	ModeStandard Mode = iota
	ModeBatch
	ModePriority
)

// Rates is the fully resolved set of per-million nanodollar rates for one request.
type Rates struct {
	Input         int64
	Output        int64
	CacheRead     int64
	CacheCreation int64
	Audio         int64
}

// RatesFor derives the rates for a price row and mode. Unset sub-prices
// default to fixed fractions of the base rates: cache reads 10% of input,
// cache writes 125%, audio 700%, batch 50% and priority 170%.
func RatesFor(p *models.Price, mode Mode) Rates {
	in, out := p.InputPrice, p.OutputPrice
	switch mode {
	case ModeBatch:
		in = pick(p.BatchInputPrice, scale(p.InputPrice, 1, 2))
		out = pick(p.BatchOutputPrice, scale(p.OutputPrice, 1, 2))
	case ModePriority:
		in = pick(p.PriorityInputPrice, scale(p.InputPrice, 17, 10))
		out = pick(p.PriorityOutputPrice, scale(p.OutputPrice, 17, 10))
	}
	return Rates{
		Input:         in,
		Output:        out,
		CacheRead:     pick(p.CacheReadPrice, scale(p.InputPrice, 1, 10)),
		CacheCreation: pick(p.CacheCreationPrice, scale(p.InputPrice, 125, 100)),
		Audio:         pick(p.AudioInputPrice, scale(p.InputPrice, 7, 1)),
	}
}

func pick(v *int64, fallback int64) int64 {
	if v != nil {
		return *v
	}
	return fallback
}

// Cost sums every usage component at its rate. Cached prompt tokens are
// billed at the cache-read rate instead of the input rate.
func Cost(r Rates, u Usage) int64 {
	standard := u.PromptTokens - u.CacheReadTokens
	if standard < 0 {
		standard = 0
	}

	total := CalculateCostSafe(standard, r.Input)
	total = addSat(total, CalculateCostSafe(u.CompletionTokens, r.Output))
	total = addSat(total, CalculateCostSafe(u.CacheReadTokens, r.CacheRead))
	total = addSat(total, CalculateCostSafe(u.CacheCreationTokens, r.CacheCreation))
	total = addSat(total, CalculateCostSafe(u.AudioTokens, r.Audio))
	return total
}
