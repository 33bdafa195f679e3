package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vgarvardt/gue/v5"
	"go.uber.org/zap"

	"github.com/eqtlab/substrate-reconciler/reconciler"
)

var ErrWalletNotFound = errors.New("wallet not found")

// handle runs one reconcile job. A failed job is not retried by the queue, the wallet goes back to the
// schedule once its lock expires.
func (w *Worker) handle(ctx context.Context, job *gue.Job) error {
	var args jobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		w.logger.Error("reconcile job has malformed args, dropping", zap.Error(err), zap.ByteString("job_args", job.Args))
		return nil
	}

	if err := w.reconcile(ctx, args); err != nil {
		w.logger.Error("reconcile job failed, wallet is retried after lock timeout", zap.Error(err), zap.Any("job_args", args))
		return nil
	}

	if err := w.storage.SetWalletEndReconcileTime(ctx, args.WalletID, time.Now()); err != nil {
		w.logger.Error(
			"reconcile job: failed to update wallet's reconcile_end_time",
			zap.Error(err),
			zap.Int("wallet_id", args.WalletID),
		)
	}
	return nil
}

func (w *Worker) reconcile(ctx context.Context, args jobArgs) error {
	wallet, err := w.storage.GetWallet(ctx, args.WalletID)
	if err != nil {
		return fmt.Errorf("get wallet: %w", err)
	}
	if wallet == nil {
		return fmt.Errorf("%w: %d", ErrWalletNotFound, args.WalletID)
	}

	movements, err := w.storage.ListMovements(ctx, wallet.ID, wallet.HistoryStart, args.Until)
	if err != nil {
		return fmt.Errorf("list movements: %w", err)
	}
	events, err := w.storage.ListUnmatchedEvents(ctx, wallet.ID, wallet.HistoryStart, args.Until)
	if err != nil {
		return fmt.Errorf("list unmatched events: %w", err)
	}

	result, err := w.engine.Reconcile(
		ctx,
		reconciler.Chain{Domain: wallet.Domain, Token: wallet.Token},
		wallet.Address,
		movements,
		events,
		wallet.HistoryStart,
		args.Until,
	)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if err := w.storage.SaveReconciliation(ctx, wallet.ID, args.Until, result); err != nil {
		return fmt.Errorf("save reconciliation: %w", err)
	}

	fields := []zap.Field{
		zap.Int("wallet_id", wallet.ID),
		zap.String("chain", wallet.Domain),
		zap.String("state", string(result.State)),
		zap.Int("iterations", result.Iterations),
		zap.Int("patches", len(result.Patches)),
		zap.Strings("excluded", result.Excluded),
	}
	if breaching := result.Breaching(); result.State == reconciler.StateStopped || len(breaching) > 0 {
		w.logger.Warn("reconcile job: wallet needs manual review", append(fields, zap.Int("breaching", len(breaching)))...)
		return nil
	}

	w.logger.Info("reconcile job: wallet reconciled", fields...)
	return nil
}
