package reconciler

// compensationPatch books target's residual deviation over (start, end] on the ledger.
// The synthetic transfer goes to the movement of an unmatched event's extrinsic if there is
// one, then to any movement of the interval, and only then into a new movement.
func compensationPatch(l *Ledger, address string, events []ChainEvent, target Deviation, start, end Block) Patch {
	t := Transfer{
		Symbol:        target.Symbol,
		AssetUniqueID: target.AssetUniqueID,
		Amount:        target.SignedDeviation,
	}
	if target.SignedDeviation.IsPositive() {
		t.To = address
	} else {
		t.From = address
	}

	inside := eventsWithin(events, start, end)

	refs := make(map[string]bool, len(inside))
	for _, e := range inside {
		if e.ExtrinsicRef != "" {
			refs[e.ExtrinsicRef] = true
		}
	}

	fallback := -1
	for i, m := range l.Movements() {
		if !m.Timestamp.After(start.Timestamp) || m.Timestamp.After(end.Timestamp) {
			continue
		}
		if m.ExtrinsicRef != "" && refs[m.ExtrinsicRef] {
			return Patch{Kind: PatchAppendTransfer, Ref: TransferRef{Movement: i}, Transfer: t}
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return Patch{Kind: PatchAppendTransfer, Ref: TransferRef{Movement: fallback}, Transfer: t}
	}

	number := end.Number
	return Patch{
		Kind: PatchInsertMovement,
		Movement: &Movement{
			BlockNumber: &number,
			Timestamp:   end.Timestamp,
			Transfers:   []Transfer{t},
			Provenance:  ProvenanceDeviationCompensation,
			Events:      inside,
		},
	}
}

// eventsWithin prefers block numbers and falls back to timestamps for events that lack one.
func eventsWithin(events []ChainEvent, start, end Block) []ChainEvent {
	var out []ChainEvent
	for _, e := range events {
		if e.BlockNumber != 0 {
			if e.BlockNumber > start.Number && e.BlockNumber <= end.Number {
				out = append(out, e)
			}
			continue
		}
		if e.Timestamp.After(start.Timestamp) && !e.Timestamp.After(end.Timestamp) {
			out = append(out, e)
		}
	}
	return out
}
