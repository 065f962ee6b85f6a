package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

type memPrices struct {
	prices map[string]models.Price
	tiers  map[string][]models.TieredPrice
}

func (m *memPrices) GetPrice(_ context.Context, model string) (*models.Price, error) {
	p, ok := m.prices[model]
	if !ok {
		return nil, fmt.Errorf("price %s: %w", model, database.ErrNotFound)
	}
	return &p, nil
}

func (m *memPrices) TieredPrices(_ context.Context, model string) ([]models.TieredPrice, error) {
	return m.tiers[model], nil
}

type memRates []models.ExchangeRate

func (m memRates) ListExchangeRates(context.Context) ([]models.ExchangeRate, error) {
	return m, nil
}

func i64(v int64) *int64 { return &v }

func TestCalculateCostSafeExamples(t *testing.T) {
	assert.Equal(t, int64(3_000_000_000), CalculateCostSafe(1_000_000, 3_000_000_000))
	assert.Equal(t, int64(180_000_000), CalculateCostSafe(150_000, 1_200_000_000))
	assert.Equal(t, int64(10_000_000_000_000_000), CalculateCostSafe(10_000_000_000, 1_000_000_000_000))
	assert.Equal(t, int64(0), CalculateCostSafe(999, 1000))
	assert.Equal(t, int64(0), CalculateCostSafe(-5, 1000))
	assert.Equal(t, int64(math.MaxInt64), CalculateCostSafe(math.MaxInt64, math.MaxInt64))
}

func TestCalculateCostSafeMatchesBigInt(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	million := big.NewInt(1_000_000)
	for i := 0; i < 5000; i++ {
		tokens := rng.Int63n(10_000_000_001)
		price := rng.Int63n(1_000_000_000_001)

		want := new(big.Int).Mul(big.NewInt(tokens), big.NewInt(price))
		want.Quo(want, million)

		require.Equal(t, want.Int64(), CalculateCostSafe(tokens, price), "tokens=%d price=%d", tokens, price)
	}
}

func TestNanoConversions(t *testing.T) {
	assert.Equal(t, int64(2_500_000_000), DollarsToNanoFloat(2.5))
	assert.Equal(t, int64(123), DollarsToNanoFloat(0.000000123))
	assert.Equal(t, int64(150_000_000), DollarsToNanoFloat(0.15))
	assert.Equal(t, int64(123_456_789), DollarsToNano(decimal.RequireFromString("0.123456789")))
	assert.Equal(t, "2.5", NanoToDollars(2_500_000_000).String())

	for _, x := range []int64{0, 1, 123, 999_999_999, 1_000_000_001, math.MaxInt64, math.MinInt64 + 1, -42} {
		assert.Equal(t, x, DollarsToNano(NanoToDollars(x)), "round trip %d", x)
	}

	assert.Equal(t, int64(7_240_000_000), RateToScaled(7.24))
	assert.Equal(t, "0.138", ScaledToRate(138_000_000).String())
}

func TestRatesForDefaults(t *testing.T) {
	p := &models.Price{InputPrice: 1_000_000_000, OutputPrice: 2_000_000_000}

	std := RatesFor(p, ModeStandard)
	assert.Equal(t, Rates{
		Input: 1_000_000_000, Output: 2_000_000_000,
		CacheRead: 100_000_000, CacheCreation: 1_250_000_000, Audio: 7_000_000_000,
	}, std)

	batch := RatesFor(p, ModeBatch)
	assert.Equal(t, int64(500_000_000), batch.Input)
	assert.Equal(t, int64(1_000_000_000), batch.Output)

	prio := RatesFor(p, ModePriority)
	assert.Equal(t, int64(1_700_000_000), prio.Input)
	assert.Equal(t, int64(3_400_000_000), prio.Output)

	p.BatchInputPrice = i64(42)
	p.CacheReadPrice = i64(7)
	assert.Equal(t, int64(42), RatesFor(p, ModeBatch).Input)
	assert.Equal(t, int64(7), RatesFor(p, ModeStandard).CacheRead)
}

func TestCostWithCache(t *testing.T) {
	r := Rates{Input: 3_000_000_000, Output: 15_000_000_000, CacheRead: 300_000_000, CacheCreation: 3_750_000_000}
	u := Usage{PromptTokens: 10_000, CompletionTokens: 1_000, CacheReadTokens: 4_000, CacheCreationTokens: 2_000}

	// 6000*3 + 1000*15 + 4000*0.3 + 2000*3.75 dollars per million
	want := int64(18_000_000 + 15_000_000 + 1_200_000 + 7_500_000)
	assert.Equal(t, want, Cost(r, u))

	// cache reads larger than the prompt never produce a negative component
	assert.Equal(t, int64(0), Cost(Rates{Input: 1}, Usage{PromptTokens: 1, CacheReadTokens: 5}))
}

func qwenTiers() []models.TieredPrice {
	return []models.TieredPrice{
		{Model: "qwen", TierStart: 128_000, InputPrice: 3_000_000_000, OutputPrice: 9_000_000_000},
		{Model: "qwen", TierStart: 0, TierEnd: i64(32_000), InputPrice: 1_200_000_000, OutputPrice: 6_000_000_000},
		{Model: "qwen", TierStart: 32_000, TierEnd: i64(128_000), InputPrice: 2_400_000_000, OutputPrice: 7_200_000_000},
	}
}

func TestEffectiveTier(t *testing.T) {
	tiers := qwenTiers()

	cases := []struct {
		tokens int64
		start  int64
	}{
		{0, 0},
		{31_999, 0},
		{32_000, 32_000},
		{127_999, 32_000},
		{128_000, 128_000},
		{10_000_000, 128_000},
	}
	for _, c := range cases {
		tier, err := EffectiveTier(tiers, "", c.tokens)
		require.NoError(t, err)
		assert.Equal(t, c.start, tier.TierStart, "tokens=%d", c.tokens)
	}
}

func TestSegmentedTieredCost(t *testing.T) {
	cost, err := SegmentedTieredCost(150_000, qwenTiers(), "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(334_800_000), cost)

	cost, err = SegmentedTieredCost(0, qwenTiers(), "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)

	bounded := []models.TieredPrice{{TierStart: 0, TierEnd: i64(1000), InputPrice: 1_000_000, OutputPrice: 2_000_000}}
	cost, err = SegmentedTieredCost(3_000_000, bounded, "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), cost)
}

func TestTierSelectionErrors(t *testing.T) {
	_, err := EffectiveTier(nil, "", 1)
	assert.ErrorIs(t, err, ErrNoTiers)

	regional := []models.TieredPrice{{Region: "cn", TierStart: 0, InputPrice: 1, OutputPrice: 1}}
	_, err = EffectiveTier(regional, "intl", 1)
	var mismatch *RegionMismatchError
	assert.True(t, errors.As(err, &mismatch))

	tier, err := EffectiveTier(regional, "cn", 1)
	require.NoError(t, err)
	assert.Equal(t, "cn", tier.Region)

	mixed := append(regional, models.TieredPrice{TierStart: 0, InputPrice: 5, OutputPrice: 5})
	tier, err = EffectiveTier(mixed, "intl", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tier.InputPrice)

	inverted := []models.TieredPrice{{TierStart: 100, TierEnd: i64(50)}}
	_, err = EffectiveTier(inverted, "", 1)
	var invalid *InvalidTierError
	assert.True(t, errors.As(err, &invalid))

	negative := []models.TieredPrice{{TierStart: 0, InputPrice: -1}}
	_, err = SegmentedTieredCost(10, negative, "", false)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestExchangeRates(t *testing.T) {
	rates := NewExchangeRates()
	rates.Set("usd", "CNY", 7.2, time.Now())
	rates.Set("EUR", "USD", 1.25, time.Now())

	got, ok := rates.Convert(1_000_000_000, "USD", "CNY")
	assert.True(t, ok)
	assert.Equal(t, int64(7_200_000_000), got)

	// reciprocal of EUR->USD
	got, ok = rates.Convert(1_000_000_000, "USD", "EUR")
	assert.True(t, ok)
	assert.Equal(t, int64(800_000_000), got)

	got, ok = rates.Convert(123, "USD", "JPY")
	assert.False(t, ok)
	assert.Equal(t, int64(123), got)

	got, ok = rates.Convert(55, "GBP", "gbp")
	assert.True(t, ok)
	assert.Equal(t, int64(55), got)
}

func TestExchangeRatesLoad(t *testing.T) {
	rates := NewExchangeRates()
	rates.Set("AAA", "BBB", 2, time.Now())

	require.NoError(t, rates.Load(context.Background(), memRates{
		{FromCurrency: "USD", ToCurrency: "CNY", Rate: 7, UpdatedAt: time.Now()},
	}))
	assert.Equal(t, 1, rates.Len())
	_, ok := rates.Rate("AAA", "BBB")
	assert.False(t, ok)
	r, ok := rates.Rate("CNY", "USD")
	assert.True(t, ok)
	assert.True(t, r.Mul(decimal.NewFromInt(7)).Round(9).Equal(decimal.NewFromInt(1)))
}

func TestResolvePriceFollowsAlias(t *testing.T) {
	store := &memPrices{prices: map[string]models.Price{
		"gpt-4o":        {Model: "gpt-4o", InputPrice: 2_500_000_000, OutputPrice: 10_000_000_000},
		"gpt-4o-latest": {Model: "gpt-4o-latest", AliasFor: "gpt-4o"},
		"my-gpt":        {Model: "my-gpt", AliasFor: "gpt-4o-latest"},
		"loop-a":        {Model: "loop-a", AliasFor: "loop-b"},
		"loop-b":        {Model: "loop-b", AliasFor: "loop-a"},
		"dangling":      {Model: "dangling", AliasFor: "missing"},
	}}
	ctx := context.Background()

	p, err := ResolvePrice(ctx, store, "my-gpt")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.Model)
	assert.Equal(t, int64(2_500_000_000), p.InputPrice)

	_, err = ResolvePrice(ctx, store, "loop-a")
	assert.ErrorIs(t, err, ErrAliasLoop)

	_, err = ResolvePrice(ctx, store, "dangling")
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = ResolvePrice(ctx, store, "unknown")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestEngineQuote(t *testing.T) {
	store := &memPrices{
		prices: map[string]models.Price{
			"claude":    {Model: "claude", InputPrice: 3_000_000_000, OutputPrice: 15_000_000_000, Currency: "USD"},
			"qwen":      {Model: "qwen", InputPrice: 1, OutputPrice: 1, Currency: "CNY"},
			"qwen-plus": {Model: "qwen-plus", AliasFor: "qwen"},
			"yen":       {Model: "yen", InputPrice: 1_000_000_000, Currency: "JPY"},
		},
		tiers: map[string][]models.TieredPrice{"qwen": qwenTiers()},
	}
	rates := NewExchangeRates()
	rates.Set("USD", "CNY", 8, time.Now())
	engine := NewEngine(store, rates, nil, "USD")
	ctx := context.Background()

	c, err := engine.Quote(ctx, "claude", "", Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000}, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, int64(4_500_000_000), c.Nano)
	assert.True(t, c.Converted)

	// alias resolves to qwen, tier 32K-128K applies, CNY converts through the reverse USD rate
	c, err = engine.Quote(ctx, "qwen-plus", "", Usage{PromptTokens: 40_000, CompletionTokens: 10_000}, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, "qwen", c.PricedModel)
	wantCNY := CalculateCostSafe(40_000, 2_400_000_000) + CalculateCostSafe(10_000, 7_200_000_000)
	assert.Equal(t, wantCNY, c.SourceNano)
	assert.Equal(t, "CNY", c.SourceCurrency)
	assert.Equal(t, wantCNY/8, c.Nano)

	c, err = engine.Quote(ctx, "yen", "", Usage{PromptTokens: 1_000_000}, ModeStandard)
	require.NoError(t, err)
	assert.False(t, c.Converted)
	assert.Equal(t, int64(1_000_000_000), c.Nano)
}

func TestEngineSettleAgainstLedger(t *testing.T) {
	db, err := database.New(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	require.NoError(t, db.UpsertPrice(ctx, models.Price{Model: "m", InputPrice: 1_000_000, OutputPrice: 1_000_000}))
	id, err := db.CreateToken(ctx, &models.Token{Key: "sk-bill", QuotaLimit: 15, ExpiredTime: models.Unlimited})
	require.NoError(t, err)

	engine := NewEngine(db, NewExchangeRates(), db, "USD")

	c, err := engine.Bill(ctx, id, "m", "", Usage{PromptTokens: 5, CompletionTokens: 5}, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Nano)

	_, err = engine.Bill(ctx, id, "m", "", Usage{PromptTokens: 5, CompletionTokens: 5}, ModeStandard)
	assert.ErrorIs(t, err, ErrInsufficientQuota)

	tok, err := db.GetToken(ctx, "sk-bill")
	require.NoError(t, err)
	assert.Equal(t, int64(10), tok.UsedQuota)
}
