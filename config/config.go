package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"

	"github.com/eqtlab/substrate-reconciler/nodes"
	"github.com/eqtlab/substrate-reconciler/pkg/coingecko"
	"github.com/eqtlab/substrate-reconciler/pkg/postgres"
	"github.com/eqtlab/substrate-reconciler/pkg/subscan"
	"github.com/eqtlab/substrate-reconciler/reconciler"
	"github.com/eqtlab/substrate-reconciler/worker"
)

type Config struct {
	Debug      bool              `env:"APP_DEBUG"`
	DB         postgres.Config   `env:",prefix=DB_"`
	Reconciler reconciler.Config `env:",prefix=RECONCILER_"`
	Nodes      nodes.Config      `env:",prefix=NODES_"`
	Subscan    subscan.Config    `env:",prefix=SUBSCAN_"`
	Coingecko  coingecko.Config  `env:",prefix=COINGECKO_"`
	Worker     worker.Config     `env:",prefix=WORKER_"`
}

func ParseEnv(ctx context.Context) (Config, error) {
	cfg := Config{}
	return cfg, envconfig.Process(ctx, &cfg)
}

// ParseLookuper is ParseEnv reading from l instead of the process environment.
func ParseLookuper(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	cfg := Config{}
	return cfg, envconfig.ProcessWith(ctx, &cfg, l)
}
