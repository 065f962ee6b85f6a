package billing

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// RateStore lists persisted exchange rates.
type RateStore interface {
	ListExchangeRates(ctx context.Context) ([]models.ExchangeRate, error)
}

type pair struct{ from, to string }

type rateEntry struct {
	rate      decimal.Decimal
	updatedAt time.Time
}

// ExchangeRates is a concurrent cache of currency conversion rates.
type ExchangeRates struct {
	mu    sync.RWMutex
	rates map[pair]rateEntry
}

// NewExchangeRates creates an empty rate cache.
func NewExchangeRates() *ExchangeRates {
	return &ExchangeRates{rates: make(map[pair]rateEntry)}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Set stores the rate for converting from into to.
func (e *ExchangeRates) Set(from, to string, rate float64, updatedAt time.Time) {
	e.mu.Lock()
	e.rates[pair{normalize(from), normalize(to)}] = rateEntry{rate: decimal.NewFromFloat(rate), updatedAt: updatedAt}
	e.mu.Unlock()
}

// Rate returns the multiplier converting from into to. A missing direct
// rate is derived from the reciprocal of the reverse pair.
func (e *ExchangeRates) Rate(from, to string) (decimal.Decimal, bool) {
	from, to = normalize(from), normalize(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if r, ok := e.rates[pair{from, to}]; ok && r.rate.IsPositive() {
		return r.rate, true
	}
	if r, ok := e.rates[pair{to, from}]; ok && r.rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r.rate, 18), true
	}
	return decimal.Decimal{}, false
}

// Convert converts a nanodollar-scaled amount between currencies, flooring
// to whole nano units. Without a usable rate the amount is returned
// unchanged and ok is false.
func (e *ExchangeRates) Convert(amount int64, from, to string) (converted int64, ok bool) {
	rate, ok := e.Rate(from, to)
	if !ok {
		log.Printf("billing: no exchange rate %s->%s, charging unconverted amount", normalize(from), normalize(to))
		return amount, false
	}
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart(), true
}

// Len returns the number of cached pairs.
func (e *ExchangeRates) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rates)
}

// Load replaces the cached rates with the rows in store.
func (e *ExchangeRates) Load(ctx context.Context, store RateStore) error {
	rows, err := store.ListExchangeRates(ctx)
	if err != nil {
		return err
	}

	next := make(map[pair]rateEntry, len(rows))
	for _, r := range rows {
		next[pair{normalize(r.FromCurrency), normalize(r.ToCurrency)}] = rateEntry{
			rate:      decimal.NewFromFloat(r.Rate),
			updatedAt: r.UpdatedAt,
		}
	}

	e.mu.Lock()
	e.rates = next
	e.mu.Unlock()
	return nil
}

// StartSync reloads rates from store every interval until ctx is done.
func (e *ExchangeRates) StartSync(ctx context.Context, store RateStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Load(ctx, store); err != nil {
					log.Printf("billing: exchange rate refresh failed: %v", err)
				}
			}
		}
	}()
}
