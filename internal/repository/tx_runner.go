package repository

import (
	"context"
	"errors"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxRunner runs service callbacks inside a postgres transaction.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// WithTx commits when fn returns nil and rolls back otherwise. Failing to
// open the transaction is reported as domain.ErrStoreUnavailable.
func (r *TxRunner) WithTx(ctx context.Context, fn func(repos service.TxRepositories) error) error {
	var fnErr error
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		fnErr = fn(txRepos{chats: NewChatRepositoryWithTx(tx)})
		return fnErr
	})
	if err == nil || fnErr != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.ErrStoreUnavailable.Wrap(err)
}

type txRepos struct {
	chats *ChatRepository
}

func (r txRepos) Chats() service.ChatRepositoryInterface {
	return r.chats
}
