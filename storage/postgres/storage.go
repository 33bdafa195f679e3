package postgres

import (
	"github.com/eqtlab/substrate-reconciler/pkg/db"
	"github.com/eqtlab/substrate-reconciler/worker"
)

var _ worker.Storage = (*Storage)(nil)

// Storage implements worker.Storage interface via PostgreSQL
type Storage struct {
	db *db.DB
}

func New(db *db.DB) *Storage {
	return &Storage{
		db: db,
	}
}
