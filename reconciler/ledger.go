package reconciler

import (
	"errors"
	"fmt"
)

type PatchKind string

const (
	PatchReassignAsset  PatchKind = "reassignAsset"
	PatchAppendTransfer PatchKind = "appendTransfer"
	PatchInsertMovement PatchKind = "insertMovement"
)

// TransferRef addresses a transfer by position in the ledger.
type TransferRef struct {
	Movement int
	Transfer int
}

// Patch is a single edit of the ledger, heuristics and the compensation synthesizer only
// produce patches, Ledger.Apply is the only place that mutates movements.
type Patch struct {
	Kind PatchKind
	// Ref is the reassigned transfer, for appends only Ref.Movement is meaningful.
	Ref           TransferRef
	AssetUniqueID string
	Transfer      Transfer
	Movement      *Movement
}

var ErrInvalidPatch = errors.New("invalid ledger patch")

// Ledger is the movement set of one reconciliation run. Existing movements are edited in
// place, new ones are appended, nothing is ever removed.
type Ledger struct {
	movements []*Movement
	corrected map[TransferRef]bool
	applied   []Patch
}

func NewLedger(movements []*Movement) *Ledger {
	return &Ledger{
		movements: movements,
		corrected: make(map[TransferRef]bool),
	}
}

func (l *Ledger) Movements() []*Movement {
	return l.movements
}

func (l *Ledger) Patches() []Patch {
	return l.applied
}

// Corrected reports whether the transfer's asset was reassigned earlier in the run.
func (l *Ledger) Corrected(ref TransferRef) bool {
	return l.corrected[ref]
}

func (l *Ledger) Transfer(ref TransferRef) (Transfer, bool) {
	if !l.valid(ref) {
		return Transfer{}, false
	}
	return l.movements[ref.Movement].Transfers[ref.Transfer], true
}

func (l *Ledger) Apply(p Patch) error {
	switch p.Kind {
	case PatchReassignAsset:
		if !l.valid(p.Ref) || p.AssetUniqueID == "" {
			return fmt.Errorf("%w: reassign %+v", ErrInvalidPatch, p.Ref)
		}
		l.movements[p.Ref.Movement].Transfers[p.Ref.Transfer].AssetUniqueID = p.AssetUniqueID
		l.corrected[p.Ref] = true
	case PatchAppendTransfer:
		if p.Ref.Movement < 0 || p.Ref.Movement >= len(l.movements) {
			return fmt.Errorf("%w: append to movement %d", ErrInvalidPatch, p.Ref.Movement)
		}
		m := l.movements[p.Ref.Movement]
		m.Transfers = append(m.Transfers, p.Transfer)
	case PatchInsertMovement:
		if p.Movement == nil {
			return fmt.Errorf("%w: insert nil movement", ErrInvalidPatch)
		}
		l.movements = append(l.movements, p.Movement)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPatch, p.Kind)
	}

	l.applied = append(l.applied, p)
	return nil
}

// Touched returns persisted movements edited by applied patches, in patch order.
func (l *Ledger) Touched() []*Movement {
	seen := make(map[int]bool)
	var out []*Movement
	for _, p := range l.applied {
		if p.Kind == PatchInsertMovement {
			continue
		}
		m := l.movements[p.Ref.Movement]
		if m.ID == 0 || seen[p.Ref.Movement] {
			continue
		}
		seen[p.Ref.Movement] = true
		out = append(out, m)
	}
	return out
}

// Inserted returns movements created during the run that aren't persisted yet.
func (l *Ledger) Inserted() []*Movement {
	var out []*Movement
	for _, m := range l.movements {
		if m.ID == 0 && m.Provenance == ProvenanceDeviationCompensation {
			out = append(out, m)
		}
	}
	return out
}

func (l *Ledger) valid(ref TransferRef) bool {
	if ref.Movement < 0 || ref.Movement >= len(l.movements) {
		return false
	}
	return ref.Transfer >= 0 && ref.Transfer < len(l.movements[ref.Movement].Transfers)
}
