package billing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

var (
	ErrNoPrice           = errors.New("no price configured")
	ErrAliasLoop         = errors.New("price alias loop")
	ErrInsufficientQuota = errors.New("insufficient quota")
)

const maxAliasDepth = 8

// PriceStore reads raw price rows.
type PriceStore interface {
	GetPrice(ctx context.Context, model string) (*models.Price, error)
	TieredPrices(ctx context.Context, model string) ([]models.TieredPrice, error)
}

// Ledger applies quota deductions atomically.
type Ledger interface {
	DeductQuota(ctx context.Context, tokenID int64, delta int64) (bool, error)
}

// ResolvePrice looks a model up by exact name and follows alias_for until
// it reaches a concrete price row.
func ResolvePrice(ctx context.Context, store PriceStore, model string) (*models.Price, error) {
	seen := make(map[string]bool, 2)
	name := model
	for depth := 0; depth < maxAliasDepth; depth++ {
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrAliasLoop, model)
		}
		seen[name] = true

		p, err := store.GetPrice(ctx, name)
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, name)
		}
		if err != nil {
			return nil, err
		}
		if p.AliasFor == "" || p.AliasFor == name {
			return p, nil
		}
		name = p.AliasFor
	}
	return nil, fmt.Errorf("%w: %s", ErrAliasLoop, model)
}

// Charge is the priced outcome of one request.
type Charge struct {
	Model          string
	PricedModel    string
	Usage          Usage
	SourceNano     int64
	SourceCurrency string
	Nano           int64
	Currency       string
	// Converted is false when no exchange rate was found and Nano holds
	// the unconverted source amount.
	Converted bool
}

// Engine prices usage and settles it against the ledger.
type Engine struct {
	prices   PriceStore
	rates    *ExchangeRates
	ledger   Ledger
	currency string
}

// NewEngine creates a billing engine that charges in ledgerCurrency.
func NewEngine(prices PriceStore, rates *ExchangeRates, ledger Ledger, ledgerCurrency string) *Engine {
	if ledgerCurrency == "" {
		ledgerCurrency = "USD"
	}
	return &Engine{prices: prices, rates: rates, ledger: ledger, currency: normalize(ledgerCurrency)}
}

// Quote prices usage for model. Tiered rates, when configured, replace the
// base input and output rates with those of the tier containing the
// request's total token count.
func (e *Engine) Quote(ctx context.Context, model, region string, usage Usage, mode Mode) (Charge, error) {
	price, err := ResolvePrice(ctx, e.prices, model)
	if err != nil {
		return Charge{}, err
	}

	rates := RatesFor(price, mode)

	tiers, err := e.prices.TieredPrices(ctx, price.Model)
	if err != nil {
		return Charge{}, fmt.Errorf("load tiers: %w", err)
	}
	if len(tiers) > 0 {
		if region == "" {
			region = price.Region
		}
		tier, err := EffectiveTier(tiers, region, usage.Total())
		if err != nil {
			return Charge{}, err
		}
		tiered := *price
		tiered.InputPrice, tiered.OutputPrice = tier.InputPrice, tier.OutputPrice
		rates = RatesFor(&tiered, mode)
	}

	source := price.Currency
	if source == "" {
		source = "USD"
	}
	cost := Cost(rates, usage)

	charge := Charge{
		Model:          model,
		PricedModel:    price.Model,
		Usage:          usage,
		SourceNano:     cost,
		SourceCurrency: normalize(source),
		Nano:           cost,
		Currency:       e.currency,
		Converted:      normalize(source) == e.currency,
	}
	if !charge.Converted && e.rates != nil {
		charge.Nano, charge.Converted = e.rates.Convert(cost, source, e.currency)
	}
	return charge, nil
}

// Settle deducts a charge from a token's quota. ErrInsufficientQuota is
// returned when the conditional deduction is refused.
func (e *Engine) Settle(ctx context.Context, tokenID int64, charge Charge) error {
	if charge.Nano <= 0 {
		return nil
	}
	ok, err := e.ledger.DeductQuota(ctx, tokenID, charge.Nano)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("billing: token %d cannot cover %d nano %s for %s", tokenID, charge.Nano, charge.Currency, charge.Model)
		return ErrInsufficientQuota
	}
	return nil
}

// Bill quotes and settles in one step.
func (e *Engine) Bill(ctx context.Context, tokenID int64, model, region string, usage Usage, mode Mode) (Charge, error) {
	charge, err := e.Quote(ctx, model, region, usage, mode)
	if err != nil {
		return Charge{}, err
	}
	return charge, e.Settle(ctx, tokenID, charge)
}
