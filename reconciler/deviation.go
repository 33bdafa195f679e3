package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Calculator compares balance changes implied by movements with the ones observed on chain.
type Calculator struct {
	differ *BalanceDiffer
	limits Limits
	tokens map[string]Token // by unique id
}

func NewCalculator(differ *BalanceDiffer, limits Limits, tokens []Token) *Calculator {
	byID := make(map[string]Token, len(tokens))
	for _, t := range tokens {
		byID[t.UniqueID] = t
	}
	return &Calculator{differ: differ, limits: limits, tokens: byID}
}

// Evaluate returns one deviation per asset for the range (start, end]. Fees and tips of the
// movements are attributed to feeAssetID only, an empty feeAssetID attributes them nowhere.
func (c *Calculator) Evaluate(
	ctx context.Context,
	address string,
	movements []*Movement,
	start, end Block,
	feeAssetID string,
) ([]Deviation, error) {
	diff, err := c.differ.Diff(ctx, address, start.Number, end.Number)
	if err != nil {
		return nil, fmt.Errorf("balance diff (%d, %d]: %w", start.Number, end.Number, err)
	}

	within := MovementsWithin(movements, start, end)
	devs := c.universe(diff, within)

	fees := decimal.Zero
	for _, m := range within {
		fees = fees.Add(m.FeeAmount).Add(m.TipAmount)
	}

	for i := range devs {
		d := &devs[i]

		expected := decimal.Zero
		touching := 0
		for _, m := range within {
			touched := false
			for _, t := range m.Transfers {
				if transferMatches(t, *d) {
					expected = expected.Add(t.Amount)
					touched = true
				}
			}
			if touched {
				touching++
			}
		}

		d.MatchingEntryCount = touching
		if feeAssetID != "" && feeAssetID == d.AssetUniqueID {
			expected = expected.Sub(fees)
			d.MatchingEntryCount = len(within)
		}

		d.ExpectedDiff = expected
		d.SignedDeviation = d.ActualDiff.Sub(expected)
		d.AbsDeviation = d.SignedDeviation.Abs()

		limit, ok := c.limits.Lookup(d.Symbol)
		d.HasTolerance = ok
		d.ToleranceMax = limit.Max
		d.ToleranceSinglePayment = limit.SinglePayment
		d.AbsoluteDeviationTooLarge = d.AbsDeviation.GreaterThan(limit.Max)
		d.SinglePaymentDeviationTooLarge = perPayment(d.AbsDeviation, d.MatchingEntryCount).GreaterThan(limit.SinglePayment)
	}

	return devs, nil
}

// universe lists assets seen on chain followed by assets only the movements know about. The latter
// are unobserved: the node returned nothing for them, so their zero ActualDiff is not ground truth.
func (c *Calculator) universe(diff []AssetBalance, within []*Movement) []Deviation {
	devs := make([]Deviation, 0, len(diff))
	seen := make(map[string]bool, len(diff))
	for _, b := range diff {
		devs = append(devs, Deviation{
			Symbol:        b.Symbol,
			AssetUniqueID: b.AssetUniqueID,
			Decimals:      b.Decimals,
			ActualDiff:    b.Balance,
			Observed:      true,
		})
		seen[assetKey(b.AssetUniqueID, b.Symbol)] = true
	}

	for _, m := range within {
		for _, t := range m.Transfers {
			if t.AssetUniqueID == "" && matchesAny(t, devs) {
				continue
			}
			k := assetKey(t.AssetUniqueID, t.Symbol)
			if seen[k] {
				continue
			}
			seen[k] = true

			d := Deviation{Symbol: t.Symbol, AssetUniqueID: t.AssetUniqueID, ActualDiff: decimal.Zero}
			if token, ok := c.tokens[t.AssetUniqueID]; ok {
				d.Symbol = token.Symbol
				d.Decimals = token.Decimals
			}
			devs = append(devs, d)
		}
	}
	return devs
}

// transferMatches tells whether the transfer changes the balance of the deviation's asset.
// Transfers without an asset id fall back to the symbol, which the indexer omits on xcm legs.
func transferMatches(t Transfer, d Deviation) bool {
	if t.AssetUniqueID != "" {
		return t.AssetUniqueID == d.AssetUniqueID
	}
	if !strings.EqualFold(t.Symbol, d.Symbol) {
		return false
	}
	return t.IsXCM() || d.AssetUniqueID == ""
}

func matchesAny(t Transfer, devs []Deviation) bool {
	for _, d := range devs {
		if transferMatches(t, d) {
			return true
		}
	}
	return false
}

func perPayment(abs decimal.Decimal, count int) decimal.Decimal {
	if count <= 1 {
		return abs
	}
	return abs.Div(decimal.NewFromInt(int64(count)))
}

// MovementsWithin returns movements with start.Timestamp < Timestamp <= end.Timestamp.
func MovementsWithin(movements []*Movement, start, end Block) []*Movement {
	out := make([]*Movement, 0, len(movements))
	for _, m := range movements {
		if m.Timestamp.After(start.Timestamp) && !m.Timestamp.After(end.Timestamp) {
			out = append(out, m)
		}
	}
	return out
}

// TotalDeviation sums absolute deviations of all assets.
func TotalDeviation(devs []Deviation) decimal.Decimal {
	total := decimal.Zero
	for _, d := range devs {
		total = total.Add(d.AbsDeviation)
	}
	return total
}

func findDeviation(devs []Deviation, key string) (Deviation, bool) {
	for _, d := range devs {
		if d.Key() == key {
			return d, true
		}
	}
	return Deviation{}, false
}
