package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sourcegraph/conc/panics"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
	adapter "github.com/vgarvardt/gue/v5/adapter/zap"
	"go.uber.org/zap"

	"github.com/eqtlab/substrate-reconciler/config"
	"github.com/eqtlab/substrate-reconciler/indexer"
	"github.com/eqtlab/substrate-reconciler/nodes"
	"github.com/eqtlab/substrate-reconciler/pkg/coingecko"
	"github.com/eqtlab/substrate-reconciler/pkg/db"
	"github.com/eqtlab/substrate-reconciler/pkg/logger"
	"github.com/eqtlab/substrate-reconciler/pkg/postgres"
	"github.com/eqtlab/substrate-reconciler/pkg/subscan"
	"github.com/eqtlab/substrate-reconciler/reconciler"
	storage "github.com/eqtlab/substrate-reconciler/storage/postgres"
	"github.com/eqtlab/substrate-reconciler/worker"
)

func main() {
	ctx := context.Background()
	log := logger.New(true)

	cfg, err := config.ParseEnv(ctx)
	if err != nil {
		log.Fatal("can't parse configuration", zap.Error(err))
	}

	log = logger.New(cfg.Debug)

	pool, err := postgres.Connect(ctx, cfg.DB)
	if err != nil {
		log.Fatal("can't connect to db", zap.Error(err))
	}
	defer pool.Close()

	database := db.NewDB(pool, log)
	store := storage.New(database)

	dialer, err := nodes.NewDialer(cfg.Nodes, log.Named("nodes"))
	if err != nil {
		log.Fatal("can't parse node endpoints", zap.Error(err))
	}

	quotes, err := coingecko.New(cfg.Coingecko)
	if err != nil {
		log.Fatal("can't parse coingecko ids", zap.Error(err))
	}

	explorer := indexer.New(subscan.New(cfg.Subscan, log.Named("subscan")))
	engine := reconciler.New(
		explorer,
		dialer,
		reconciler.NewTolerances(quotes, log.Named("tolerances")),
		log.Named("reconciler"),
		cfg.Reconciler,
	)

	poolAdapter := pgxv5.NewConnPool(pool)
	q, err := gue.NewClient(poolAdapter, gue.WithClientLogger(adapter.New(log.Logger)))
	if err != nil {
		log.Fatal("pgx adapter for gue", zap.Error(err))
	}

	w := worker.New(store, q, engine, log.Named("worker"), cfg.Worker)

	runForever(
		log,
		func() { w.Run(ctx) },
	)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	log.Info("reconciler has been stopped")
}

// runForever spawns goroutine for every f in ff. Each f is logged and restarted if panic occurs. It's non-blocking.
func runForever(log *logger.Logger, ff ...func()) {
	for i := range ff {
		f := ff[i]
		go func() {
			var pc panics.Catcher
			pc.Try(f)
			if err := pc.Recovered().AsError(); err != nil {
				log.Error("panic", zap.Error(err))
				time.Sleep(time.Minute)
				runForever(log, f)
			}
		}()
	}
}
