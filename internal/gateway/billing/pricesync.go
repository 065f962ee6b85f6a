package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// PriceWriter persists model prices.
type PriceWriter interface {
	UpsertPrice(ctx context.Context, p models.Price) error
}

// listPrice is one entry of LiteLLM's model_prices_and_context_window.json.
// Costs are dollars per token.
type listPrice struct {
	InputCostPerToken          *float64 `json:"input_cost_per_token"`
	OutputCostPerToken         *float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost    *float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputCost     *float64 `json:"cache_creation_input_token_cost"`
	InputCostPerAudioToken     *float64 `json:"input_cost_per_audio_token"`
	InputCostPerTokenBatches   *float64 `json:"input_cost_per_token_batches"`
	OutputCostPerTokenBatches  *float64 `json:"output_cost_per_token_batches"`
	InputCostPerTokenPriority  *float64 `json:"input_cost_per_token_priority"`
	OutputCostPerTokenPriority *float64 `json:"output_cost_per_token_priority"`
	Mode                       string   `json:"mode"`
}

// perMillionNano converts a per-token dollar cost to nanodollars per million
// tokens.
func perMillionNano(cost *float64) *int64 {
	if cost == nil {
		return nil
	}
	n := DollarsToNano(decimal.NewFromFloat(*cost).Shift(6))
	return &n
}

// toPrice maps a list entry onto a USD price row. Entries without any
// token price, and embedding models, are skipped.
func (lp listPrice) toPrice(model string) (models.Price, bool) {
	if lp.Mode == "embedding" {
		return models.Price{}, false
	}
	in, out := perMillionNano(lp.InputCostPerToken), perMillionNano(lp.OutputCostPerToken)
	switch {
	case in == nil && out == nil:
		return models.Price{}, false
	case in == nil:
		in = out
	case out == nil:
		out = in
	}
	return models.Price{
		Model:               model,
		InputPrice:          *in,
		OutputPrice:         *out,
		Currency:            "USD",
		CacheReadPrice:      perMillionNano(lp.CacheReadInputTokenCost),
		CacheCreationPrice:  perMillionNano(lp.CacheCreationInputCost),
		AudioInputPrice:     perMillionNano(lp.InputCostPerAudioToken),
		BatchInputPrice:     perMillionNano(lp.InputCostPerTokenBatches),
		BatchOutputPrice:    perMillionNano(lp.OutputCostPerTokenBatches),
		PriorityInputPrice:  perMillionNano(lp.InputCostPerTokenPriority),
		PriorityOutputPrice: perMillionNano(lp.OutputCostPerTokenPriority),
	}, true
}

// PriceSync imports list prices from a LiteLLM-format price file.
type PriceSync struct {
	url    string
	store  PriceWriter
	client *http.Client
}

// NewPriceSync creates an importer for the file at url. A nil client gets a
// 30 second timeout.
func NewPriceSync(url string, store PriceWriter, client *http.Client) *PriceSync {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PriceSync{url: url, store: store, client: client}
}

// Fetch downloads and decodes the price file. The sample_spec entry and
// entries that do not decode are dropped.
func (s *PriceSync) Fetch(ctx context.Context) ([]models.Price, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("price sync: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price sync: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price sync: fetch: unexpected status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("price sync: decode: %w", err)
	}

	prices := make([]models.Price, 0, len(raw))
	for model, entry := range raw {
		if model == "sample_spec" {
			continue
		}
		var lp listPrice
		if json.Unmarshal(entry, &lp) != nil {
			continue
		}
		if p, ok := lp.toPrice(model); ok {
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Model < prices[j].Model })
	return prices, nil
}

// Sync fetches the price file and upserts every priced model. Rows that fail
// to write are logged and skipped; the number written is returned.
func (s *PriceSync) Sync(ctx context.Context) (int, error) {
	prices, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range prices {
		if err := s.store.UpsertPrice(ctx, p); err != nil {
			log.Printf("billing: price sync for %s failed: %v", p.Model, err)
			continue
		}
		n++
	}
	return n, nil
}

// StartSync imports prices every interval until ctx is done.
func (s *PriceSync) StartSync(ctx context.Context, interval time.Duration) {
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
				n, err := s.Sync(ctx)
				if err != nil {
					log.Printf("billing: price sync failed: %v", err)
					continue
				}
				log.Printf("billing: synced %d model prices", n)
			}
		}
	}()
}
