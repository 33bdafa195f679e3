package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	timeutils "github.com/eqtlab/substrate-reconciler/pkg/time"
)

// scheduler finds a wallet that is due for reconciliation, sets the lock for it by setting its start time
// equal to now and enqueues a reconcile job. Scheduler never fail.
func (w *Worker) scheduler(ctx context.Context) {
	if err := timeutils.Sleep(ctx, w.cfg.SchedulerStartDelay); err != nil {
		return
	}
	for range timeutils.TickWithCtx(ctx, w.cfg.WalletsCheckInterval) {
		err := w.iteration(ctx, time.Now())
		if err != nil {
			w.logger.Error("scheduler worker failed", zap.Error(err)) // if one fail we continue
		}
	}
}

func (w *Worker) iteration(ctx context.Context, now time.Time) error {
	start, end := lockWindow(now, w.cfg.LockTimeout, w.cfg.ReconcileInterval)

	wallet, err := w.storage.GetAndLockWalletByReconcileTime(ctx, now, start, end)
	if err != nil {
		return fmt.Errorf("storage get and lock wallet by reconcile time: %w", err)
	}

	if wallet == nil {
		w.logger.Debug("scheduler: no wallet is due - all are reconciled or being reconciled right now")
		return nil
	}

	if err := w.enqueue(ctx, wallet.ID, now); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	w.logger.Debug("scheduler: reconcile job enqueued", zap.Int("wallet_id", wallet.ID), zap.String("chain", wallet.Domain))
	return nil
}

// lockWindow returns newest possible start and end reconcile times of a wallet that needs to be reconciled.
func lockWindow(now time.Time, lockDur, interval time.Duration) (start time.Time, end time.Time) {
	end = now.Add(-interval)  // reconciled before this time, old enough to be reconciled again
	start = now.Add(-lockDur) // no reconciler is processing the wallet unless it started after this time
	return start, end
}
