package billing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

var (
	ErrNoTiers      = errors.New("no tiered pricing configured")
	ErrInvalidPrice = errors.New("tier price cannot be negative")
)

// InvalidTierError reports a tier whose end precedes its start.
type InvalidTierError struct {
	Start, End int64
}

func (e *InvalidTierError) Error() string {
	return fmt.Sprintf("invalid tier: tier_end (%d) < tier_start (%d)", e.End, e.Start)
}

// RegionMismatchError reports that neither the requested region nor any
// universal tier is configured.
type RegionMismatchError struct {
	Region string
}

func (e *RegionMismatchError) Error() string {
	return fmt.Sprintf("no tiers for region %q", e.Region)
}

// selectTiers filters tiers to a region, falling back to universal tiers,
// then validates and sorts them by tier_start.
func selectTiers(tiers []models.TieredPrice, region string) ([]models.TieredPrice, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}

	var matched, universal []models.TieredPrice
	for _, t := range tiers {
		switch {
		case region != "" && t.Region == region:
			matched = append(matched, t)
		case t.Region == "":
			universal = append(universal, t)
		}
	}

	selected := matched
	if len(selected) == 0 {
		selected = universal
	}
	if len(selected) == 0 {
		if region != "" {
			return nil, &RegionMismatchError{Region: region}
		}
		selected = append(selected, tiers...)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].TierStart < selected[j].TierStart })
	for _, t := range selected {
		if t.TierEnd != nil && *t.TierEnd < t.TierStart {
			return nil, &InvalidTierError{Start: t.TierStart, End: *t.TierEnd}
		}
		if t.InputPrice < 0 || t.OutputPrice < 0 {
			return nil, ErrInvalidPrice
		}
	}
	return selected, nil
}

// EffectiveTier returns the tier whose [tier_start, tier_end) range contains
// tokens. Counts below the first tier use the first tier and counts beyond
// the last bounded tier use the last.
func EffectiveTier(tiers []models.TieredPrice, region string, tokens int64) (models.TieredPrice, error) {
	selected, err := selectTiers(tiers, region)
	if err != nil {
		return models.TieredPrice{}, err
	}

	for _, t := range selected {
		if tokens < t.TierStart {
			continue
		}
		if t.TierEnd == nil || tokens < *t.TierEnd {
			return t, nil
		}
	}
	if tokens < selected[0].TierStart {
		return selected[0], nil
	}
	return selected[len(selected)-1], nil
}

// SegmentedTieredCost bills each slice of tokens at the rate of the tier it
// falls in, so 150K tokens over tiers 0-32K, 32K-128K, 128K+ are billed as
// 32K + 96K + 22K at three rates. Tokens past the last bounded tier use the
// last tier's rate.
func SegmentedTieredCost(tokens int64, tiers []models.TieredPrice, region string, output bool) (int64, error) {
	if tokens <= 0 {
		return 0, nil
	}
	selected, err := selectTiers(tiers, region)
	if err != nil {
		return 0, err
	}

	rate := func(t models.TieredPrice) int64 {
		if output {
			return t.OutputPrice
		}
		return t.InputPrice
	}

	var total int64
	for _, t := range selected {
		if t.TierStart >= tokens {
			break
		}
		upper := tokens
		if t.TierEnd != nil && *t.TierEnd < upper {
			upper = *t.TierEnd
		}
		if n := upper - t.TierStart; n > 0 {
			total = addSat(total, CalculateCostSafe(n, rate(t)))
		}
	}

	last := selected[len(selected)-1]
	if last.TierEnd != nil && tokens > *last.TierEnd {
		total = addSat(total, CalculateCostSafe(tokens-*last.TierEnd, rate(last)))
	}
	return total, nil
}
