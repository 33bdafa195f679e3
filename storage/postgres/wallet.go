package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/eqtlab/substrate-reconciler/pkg/db"
	"github.com/eqtlab/substrate-reconciler/worker"
)

func (s *Storage) GetAndLockWalletByReconcileTime(
	ctx context.Context,
	newStart time.Time,
	oldStart time.Time,
	end time.Time,
) (*worker.Wallet, error) {
	query := `
		update wallets
		set reconcile_start_time = $1
		from (
			select id from wallets
			where (
				(reconcile_end_time is null or reconcile_end_time <= $2) and
				(reconcile_start_time is null or reconcile_start_time <= $3)
			)
			order by reconcile_start_time asc nulls first
			limit 1
			for update skip locked
		) as due_wallet
		where wallets.id = due_wallet.id
		returning wallets.id, domain, token, address, history_start;
`

	wallet := &worker.Wallet{}
	err := s.db.RawQuery(
		ctx,
		db.ScanOnce(
			&wallet.ID,
			&wallet.Domain,
			&wallet.Token,
			&wallet.Address,
			&wallet.HistoryStart,
		),
		query,
		newStart,
		end,
		oldStart,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db select: %w", err)
	}

	return wallet, nil
}

func (s *Storage) GetWallet(ctx context.Context, walletID int) (*worker.Wallet, error) {
	query := sq.
		Select("id", "domain", "token", "address", "history_start").
		From("wallets").
		Where(sq.Eq{"id": walletID})

	wallet := &worker.Wallet{}
	err := s.db.Select(
		ctx,
		query,
		db.ScanOnce(&wallet.ID, &wallet.Domain, &wallet.Token, &wallet.Address, &wallet.HistoryStart),
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db select: %w", err)
	}

	return wallet, nil
}

func (s *Storage) SetWalletEndReconcileTime(ctx context.Context, walletID int, time time.Time) error {
	query := sq.
		Update("wallets").
		Set("reconcile_end_time", time).
		Where(sq.Eq{"id": walletID})

	if err := s.db.Update(ctx, query, nil); err != nil {
		return fmt.Errorf("db update: %w", err)
	}

	return nil
}
