package reconciler

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultTolerance is applied to assets that have neither a static nor a price derived limit.
var DefaultTolerance = ToleranceLimit{
	SinglePayment: decimal.NewFromInt(1),
	Max:           decimal.NewFromInt(3),
}

var staticLimits = []ToleranceLimit{
	{Symbol: "DOT", SinglePayment: decimal.RequireFromString("0.1"), Max: decimal.RequireFromString("1")},
	{Symbol: "KSM", SinglePayment: decimal.RequireFromString("0.01"), Max: decimal.RequireFromString("0.1")},
	{Symbol: "ASTR", SinglePayment: decimal.RequireFromString("10"), Max: decimal.RequireFromString("100")},
	{Symbol: "GLMR", SinglePayment: decimal.RequireFromString("2"), Max: decimal.RequireFromString("20")},
	{Symbol: "ACA", SinglePayment: decimal.RequireFromString("10"), Max: decimal.RequireFromString("100")},
	{Symbol: "HDX", SinglePayment: decimal.RequireFromString("50"), Max: decimal.RequireFromString("500")},
	{Symbol: "USDT", SinglePayment: decimal.RequireFromString("1"), Max: decimal.RequireFromString("10")},
	{Symbol: "USDC", SinglePayment: decimal.RequireFromString("1"), Max: decimal.RequireFromString("10")},
}

var (
	singlePaymentUSD = decimal.NewFromInt(1)
	maxUSD           = decimal.NewFromInt(10)
)

// PriceQuoter returns the current USD price of a symbol, zero if it can't be quoted.
type PriceQuoter interface {
	PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Limits maps upper cased symbols to their tolerance.
type Limits map[string]ToleranceLimit

// Lookup is the only place deciding which tolerance applies to a symbol.
func (l Limits) Lookup(symbol string) (ToleranceLimit, bool) {
	limit, ok := l[strings.ToUpper(symbol)]
	if !ok {
		d := DefaultTolerance
		d.Symbol = symbol
		return d, false
	}
	return limit, true
}

type Tolerances struct {
	static Limits
	quoter PriceQuoter
	logger *zap.Logger
}

// NewTolerances builds the provider, quoter may be nil in which case only static limits are known.
func NewTolerances(quoter PriceQuoter, l *zap.Logger) *Tolerances {
	static := make(Limits, len(staticLimits))
	for _, limit := range staticLimits {
		static[limit.Symbol] = limit
	}
	return &Tolerances{static: static, quoter: quoter, logger: l}
}

// LimitsFor returns a limit for every symbol that is either statically known or priced.
// Symbols without an obtainable quote are left out.
func (t *Tolerances) LimitsFor(ctx context.Context, symbols []string) (Limits, error) {
	out := make(Limits, len(symbols))
	for _, symbol := range symbols {
		key := strings.ToUpper(symbol)
		if _, ok := out[key]; ok {
			continue
		}
		if limit, ok := t.static[key]; ok {
			out[key] = limit
			continue
		}
		if t.quoter == nil {
			continue
		}

		price, err := t.quoter.PriceUSD(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Warn("tolerances: no quote, asset left without limit", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if !price.IsPositive() {
			t.logger.Debug("tolerances: asset is not quoted", zap.String("symbol", symbol))
			continue
		}

		out[key] = ToleranceLimit{
			Symbol:        key,
			SinglePayment: singlePaymentUSD.DivRound(price, 18),
			Max:           maxUSD.DivRound(price, 18),
		}
	}
	return out, nil
}
