package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/eqtlab/substrate-reconciler/pkg/db"
	"github.com/eqtlab/substrate-reconciler/reconciler"
)

// SaveReconciliation stores edited and inserted movements, replaces the wallet's deviations
// and records the run.
func (s *Storage) SaveReconciliation(ctx context.Context, walletID int, until time.Time, result *reconciler.Result) error {
	return s.db.RunInTransaction(ctx, func(ctx context.Context, tx *db.DB) error {
		for _, m := range result.Touched {
			if err := updateMovementTransfers(ctx, tx, walletID, m); err != nil {
				return fmt.Errorf("movement %d: %w", m.ID, err)
			}
		}

		if err := insertMovements(ctx, tx, walletID, result.Inserted); err != nil {
			return err
		}

		if err := replaceDeviations(ctx, tx, walletID, result.Deviations); err != nil {
			return err
		}

		excluded := result.Excluded
		if excluded == nil {
			excluded = []string{}
		}

		query := sq.
			Insert("reconciliations").
			Columns("wallet_id", "until", "state", "iterations", "patches", "excluded").
			Values(walletID, until, string(result.State), result.Iterations, len(result.Patches), excluded)

		if err := tx.Insert(ctx, query, nil); err != nil {
			return fmt.Errorf("insert reconciliation: %w", err)
		}
		return nil
	})
}

func replaceDeviations(ctx context.Context, tx *db.DB, walletID int, deviations []reconciler.Deviation) error {
	if err := tx.Delete(ctx, sq.Delete("deviations").Where(sq.Eq{"wallet_id": walletID}), nil); err != nil {
		return fmt.Errorf("delete deviations: %w", err)
	}
	if len(deviations) == 0 {
		return nil
	}

	query := sq.
		Insert("deviations").
		Columns(
			"wallet_id",
			"symbol",
			"asset_unique_id",
			"decimals",
			"actual_diff",
			"expected_diff",
			"signed_deviation",
			"abs_deviation",
			"tolerance_max",
			"tolerance_single_payment",
			"has_tolerance",
			"absolute_deviation_too_large",
			"single_payment_deviation_too_large",
			"matching_entry_count",
			"observed",
		)

	for _, d := range deviations {
		query = query.Values(
			walletID,
			d.Symbol,
			d.AssetUniqueID,
			d.Decimals,
			d.ActualDiff,
			d.ExpectedDiff,
			d.SignedDeviation,
			d.AbsDeviation,
			d.ToleranceMax,
			d.ToleranceSinglePayment,
			d.HasTolerance,
			d.AbsoluteDeviationTooLarge,
			d.SinglePaymentDeviationTooLarge,
			d.MatchingEntryCount,
			d.Observed,
		)
	}

	if err := tx.Insert(ctx, query, nil); err != nil {
		return fmt.Errorf("insert deviations: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
