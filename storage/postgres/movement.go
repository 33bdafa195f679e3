package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/eqtlab/substrate-reconciler/pkg/db"
	"github.com/eqtlab/substrate-reconciler/reconciler"
)

var movementColumns = []string{
	"id",
	"block_number",
	"effective_at",
	"extrinsic_ref",
	"fee_amount",
	"fee_asset_id",
	"tip_amount",
	"xcm_fee_amount",
	"xcm_fee_asset_id",
	"transfers",
	"events",
	"provenance",
}

// movementRow keeps json columns raw until the row is scanned
type movementRow struct {
	reconciler.Movement
	transfers []byte
	events    []byte
}

func (s *Storage) ListMovements(ctx context.Context, walletID int, from, to time.Time) ([]*reconciler.Movement, error) {
	query := sq.
		Select(movementColumns...).
		From("movements").
		Where(sq.Eq{"wallet_id": walletID}).
		Where(sq.Gt{"effective_at": from}).
		Where(sq.LtOrEq{"effective_at": to}).
		OrderBy("effective_at asc", "id asc")

	var rows []*movementRow
	err := s.db.Select(ctx, query, db.ScanAll(&rows, func(r *movementRow) db.ScanArgs {
		return db.ScanArgs{
			&r.ID,
			&r.BlockNumber,
			&r.Timestamp,
			&r.ExtrinsicRef,
			&r.FeeAmount,
			&r.FeeAssetID,
			&r.TipAmount,
			&r.XCMFeeAmount,
			&r.XCMFeeAssetID,
			&r.transfers,
			&r.events,
			&r.Provenance,
		}
	}))
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("db select: %w", err)
	}

	movements := make([]*reconciler.Movement, 0, len(rows))
	for _, r := range rows {
		m := r.Movement
		if err := unmarshalJSON(r.transfers, &m.Transfers); err != nil {
			return nil, fmt.Errorf("movement %d transfers: %w", m.ID, err)
		}
		if err := unmarshalJSON(r.events, &m.Events); err != nil {
			return nil, fmt.Errorf("movement %d events: %w", m.ID, err)
		}
		movements = append(movements, &m)
	}

	return movements, nil
}

func (s *Storage) ListUnmatchedEvents(ctx context.Context, walletID int, from, to time.Time) ([]reconciler.ChainEvent, error) {
	query := sq.
		Select("extrinsic_ref", "block_number", "effective_at", "module", "event", "event_index").
		From("unmatched_events").
		Where(sq.Eq{"wallet_id": walletID}).
		Where(sq.Gt{"effective_at": from}).
		Where(sq.LtOrEq{"effective_at": to}).
		OrderBy("block_number asc", "event_index asc")

	var events []reconciler.ChainEvent
	err := s.db.Select(ctx, query, db.ScanValues(&events, func(e *reconciler.ChainEvent) db.ScanArgs {
		return db.ScanArgs{&e.ExtrinsicRef, &e.BlockNumber, &e.Timestamp, &e.Module, &e.Event, &e.EventIndex}
	}))
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("db select: %w", err)
	}

	return events, nil
}

func updateMovementTransfers(ctx context.Context, tx *db.DB, walletID int, m *reconciler.Movement) error {
	transfers, err := json.Marshal(m.Transfers)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	query := sq.
		Update("movements").
		Set("transfers", string(transfers)).
		Where(sq.Eq{"id": m.ID, "wallet_id": walletID})

	if err := tx.Update(ctx, query, nil); err != nil {
		return fmt.Errorf("db update: %w", err)
	}
	return nil
}

func insertMovements(ctx context.Context, tx *db.DB, walletID int, movements []*reconciler.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	query := sq.
		Insert("movements").
		Columns(append([]string{"wallet_id"}, movementColumns[1:]...)...)

	for _, m := range movements {
		transfers, err := json.Marshal(m.Transfers)
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
		events, err := json.Marshal(m.Events)
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}

		query = query.Values(
			walletID,
			m.BlockNumber,
			m.Timestamp,
			m.ExtrinsicRef,
			m.FeeAmount,
			m.FeeAssetID,
			m.TipAmount,
			m.XCMFeeAmount,
			m.XCMFeeAssetID,
			string(transfers),
			string(events),
			string(m.Provenance),
		)
	}

	if err := tx.Insert(ctx, query, nil); err != nil {
		return fmt.Errorf("insert movements: %w", err)
	}
	return nil
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
