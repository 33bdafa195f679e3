package reconciler

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Localization describes how one deviation was fixed.
type Localization struct {
	Resolved decimal.Decimal // absolute deviation the patch accounts for
	Depth    int
	Start    Block
	End      Block
	Patch    *Patch // nil if nothing was left to fix
}

// Bisector narrows a block range down to the block causing a deviation and fixes it there.
type Bisector struct {
	domain  string
	calc    *Calculator
	indexer Indexer
	logger  *zap.Logger
}

func NewBisector(domain string, calc *Calculator, indexer Indexer, l *zap.Logger) *Bisector {
	return &Bisector{domain: domain, calc: calc, indexer: indexer, logger: l}
}

type span struct {
	start, end Block
	devs       []Deviation
	depth      int
}

func (s span) width() uint64 {
	if s.end.Number <= s.start.Number {
		return 0
	}
	return s.end.Number - s.start.Number
}

// LocalizeAndFix walks down from (start, end], whose deviations are devs, always keeping the
// half where target deviates more. Every step first tries the symbol confusion heuristic,
// the last block gets a compensation. Exactly one patch is applied to the ledger at most.
func (b *Bisector) LocalizeAndFix(
	ctx context.Context,
	l *Ledger,
	events []ChainEvent,
	address string,
	target Deviation,
	start, end Block,
	devs []Deviation,
	feeAssetID string,
) (Localization, error) {
	key := target.Key()
	stack := []span{{start: start, end: end, devs: devs}}

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cur, ok := findDeviation(s.devs, key)
		if !ok || cur.SignedDeviation.IsZero() {
			return Localization{Resolved: decimal.Zero, Depth: s.depth, Start: s.start, End: s.end}, nil
		}

		if p, ok := symbolConfusionPatch(l, cur, s.devs, s.start, s.end); ok {
			return b.apply(l, p, cur, s)
		}

		if s.width() <= 1 {
			return b.apply(l, compensationPatch(l, address, events, cur, s.start, s.end), cur, s)
		}

		midNumber := s.start.Number + s.width()/2
		mid, err := b.indexer.BlockByNumber(ctx, b.domain, midNumber)
		if err != nil {
			return Localization{}, fmt.Errorf("indexer block %d: %w", midNumber, err)
		}

		left, err := b.calc.Evaluate(ctx, address, l.Movements(), s.start, mid, feeAssetID)
		if err != nil {
			return Localization{}, err
		}
		right, err := b.calc.Evaluate(ctx, address, l.Movements(), mid, s.end, feeAssetID)
		if err != nil {
			return Localization{}, err
		}

		next := span{start: s.start, end: mid, devs: left, depth: s.depth + 1}
		leftDev, _ := findDeviation(left, key)
		rightDev, _ := findDeviation(right, key)
		if rightDev.AbsDeviation.GreaterThan(leftDev.AbsDeviation) {
			next = span{start: mid, end: s.end, devs: right, depth: s.depth + 1}
		}

		b.logger.Debug(
			"bisector: zoom in",
			zap.String("asset", cur.Symbol),
			zap.Uint64("from", next.start.Number),
			zap.Uint64("to", next.end.Number),
			zap.Int("depth", next.depth),
		)
		stack = append(stack, next)
	}

	return Localization{Resolved: decimal.Zero}, nil
}

func (b *Bisector) apply(l *Ledger, p Patch, cur Deviation, s span) (Localization, error) {
	if err := l.Apply(p); err != nil {
		return Localization{}, err
	}

	b.logger.Debug(
		"bisector: ledger patched",
		zap.String("kind", string(p.Kind)),
		zap.String("asset", cur.Symbol),
		zap.String("asset_id", cur.AssetUniqueID),
		zap.String("deviation", cur.SignedDeviation.String()),
		zap.Uint64("from", s.start.Number),
		zap.Uint64("to", s.end.Number),
	)

	return Localization{
		Resolved: cur.AbsDeviation,
		Depth:    s.depth,
		Start:    s.start,
		End:      s.end,
		Patch:    &p,
	}, nil
}
