package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/vgarvardt/gue/v5"
	adapter "github.com/vgarvardt/gue/v5/adapter/zap"
	"go.uber.org/zap"

	"github.com/eqtlab/substrate-reconciler/reconciler"
)

// Worker periodically reconciles every wallet against its chain and stores the corrected history
type Worker struct {
	cfg     Config
	storage Storage
	q       *gue.Client
	engine  Engine
	logger  *zap.Logger

	enqueueJob func(ctx context.Context, j *gue.Job) error
}

type Storage interface {
	// GetAndLockWalletByReconcileTime returns wallet whose start and end reconcile times are less or equal to the given ones, also sets reconcile_start_time to the given `now`
	GetAndLockWalletByReconcileTime(ctx context.Context, now time.Time, start time.Time, end time.Time) (*Wallet, error)
	// GetWallet returns nil if there is no such wallet
	GetWallet(ctx context.Context, walletID int) (*Wallet, error)
	// ListMovements returns wallet's movements effective in (from, to] ordered by time
	ListMovements(ctx context.Context, walletID int, from, to time.Time) ([]*reconciler.Movement, error)
	// ListUnmatchedEvents returns chain events in (from, to] no movement explains yet
	ListUnmatchedEvents(ctx context.Context, walletID int, from, to time.Time) ([]reconciler.ChainEvent, error)
	// SaveReconciliation persists corrected movements and the deviations left after the run in one transaction
	SaveReconciliation(ctx context.Context, walletID int, until time.Time, result *reconciler.Result) error
	// SetWalletEndReconcileTime sets wallet's reconcile time to the given one
	SetWalletEndReconcileTime(ctx context.Context, walletID int, t time.Time) error
}

type Engine interface {
	Reconcile(
		ctx context.Context,
		chain reconciler.Chain,
		address string,
		movements []*reconciler.Movement,
		events []reconciler.ChainEvent,
		minDate, maxDate time.Time,
	) (*reconciler.Result, error)
}

func New(
	s Storage,
	q *gue.Client,
	e Engine,
	l *zap.Logger,
	cfg Config,
) *Worker {
	w := &Worker{
		storage: s,
		q:       q,
		engine:  e,
		logger:  l,
		cfg:     cfg,
	}
	if q != nil {
		w.enqueueJob = q.Enqueue
	}
	return w
}

const queueType = "reconcile"

// Run panics if it can't initialize worker queue
func (w *Worker) Run(ctx context.Context) {
	newCtx, cancel := context.WithCancel(ctx)

	schedulers := pool.New().WithMaxGoroutines(w.cfg.PoolSize)
	for i := 0; i < w.cfg.PoolSize; i++ {
		schedulers.Go(func() { w.scheduler(newCtx) })
	}

	reconcilers, err := gue.NewWorkerPool(
		w.q,
		gue.WorkMap{queueType: w.handle},
		w.cfg.PoolSize,
		gue.WithPoolLogger(adapter.New(w.logger)),
	)
	if err != nil {
		w.logger.Fatal("gue new worker pool", zap.Error(err))
	}

	w.logger.Info("reconcile worker has started")

	// run schedulers and reconcilers concurrently and cancel ctx as soon one of them exit so another exit too
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		schedulers.Wait()
	})
	wg.Go(func() {
		defer cancel()
		if err := reconcilers.Run(newCtx); err != nil {
			w.logger.Fatal("reconcilers run", zap.Error(err))
		}
	})
	wg.Wait()
}

type jobArgs struct {
	WalletID int       `json:"walletId"`
	Until    time.Time `json:"until"` // the run covers history up to this moment
}

func (w *Worker) enqueue(ctx context.Context, walletID int, until time.Time) error {
	args := jobArgs{
		WalletID: walletID,
		Until:    until,
	}

	bb, err := json.Marshal(&args)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	if err := w.enqueueJob(ctx, &gue.Job{Type: queueType, Args: bb}); err != nil {
		return fmt.Errorf("gue enqueue: %w", err)
	}

	return nil
}

// nolint:lll
type Config struct {
	PoolSize             int           `env:"POOL_SIZE, default=2"`                // How many schedulers and reconcilers to spawn
	WalletsCheckInterval time.Duration `env:"WALLETS_CHECK_INTERVAL, default=10s"` // How long one scheduler waits before new wallet lookup
	SchedulerStartDelay  time.Duration `env:"SCHEDULER_START_DELAY, default=1s"`   // How much time to wait before spawn next scheduler in a pool
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL, default=24h"`     // How frequently each wallet must be reconciled
	LockTimeout          time.Duration `env:"LOCK_TIMEOUT, default=30m"`           // How much time a reconciler has to process one wallet
}
