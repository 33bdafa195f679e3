package reconciler

import (
	"strings"

	"github.com/shopspring/decimal"
)

// cancellationShare is how close two same symbol deviations must cancel out, relative to the target.
var cancellationShare = decimal.RequireFromString("0.05")

type confusionCandidate struct {
	ref      TransferRef
	transfer Transfer
}

// symbolConfusionPatch looks for a single xcm transfer booked on the wrong one of two assets
// sharing a symbol. It returns the reassignment that explains target's deviation, if any.
func symbolConfusionPatch(l *Ledger, target Deviation, devs []Deviation, start, end Block) (Patch, bool) {
	if !target.SinglePaymentDeviationTooLarge {
		return Patch{}, false
	}

	candidates := xcmCandidates(l, target.Symbol, start, end)
	if len(candidates) != 1 {
		return Patch{}, false
	}
	c := candidates[0]
	current := c.transfer.AssetUniqueID

	for _, other := range devs {
		if !other.Observed || !strings.EqualFold(other.Symbol, target.Symbol) || other.AssetUniqueID == target.AssetUniqueID {
			continue
		}
		if current != "" && current != target.AssetUniqueID && current != other.AssetUniqueID {
			continue
		}
		residual := other.SignedDeviation.Add(target.SignedDeviation).Abs()
		if !residual.LessThan(target.AbsDeviation.Mul(cancellationShare)) {
			continue
		}

		next := other.AssetUniqueID
		if current == other.AssetUniqueID {
			next = target.AssetUniqueID
		}
		if next == "" || next == current {
			continue
		}
		return Patch{Kind: PatchReassignAsset, Ref: c.ref, AssetUniqueID: next}, true
	}

	// the transfer sits on an asset nobody else deviates on and points the right way
	if current == "" || current == target.AssetUniqueID || target.AssetUniqueID == "" {
		return Patch{}, false
	}
	if claimed(devs, current) {
		return Patch{}, false
	}
	if c.transfer.Amount.Sign() != target.SignedDeviation.Sign() {
		return Patch{}, false
	}
	return Patch{Kind: PatchReassignAsset, Ref: c.ref, AssetUniqueID: target.AssetUniqueID}, true
}

func xcmCandidates(l *Ledger, symbol string, start, end Block) []confusionCandidate {
	var out []confusionCandidate
	for i, m := range l.Movements() {
		if !m.Timestamp.After(start.Timestamp) || m.Timestamp.After(end.Timestamp) {
			continue
		}
		for j, t := range m.Transfers {
			ref := TransferRef{Movement: i, Transfer: j}
			if !t.IsXCM() || !strings.EqualFold(t.Symbol, symbol) || l.Corrected(ref) {
				continue
			}
			out = append(out, confusionCandidate{ref: ref, transfer: t})
		}
	}
	return out
}

// claimed reports whether the asset shows a deviation that the transfer might be explaining.
func claimed(devs []Deviation, uniqueID string) bool {
	for _, d := range devs {
		if d.AssetUniqueID != uniqueID || !d.Observed {
			continue
		}
		if d.AbsoluteDeviationTooLarge || d.SinglePaymentDeviationTooLarge {
			return true
		}
	}
	return false
}
