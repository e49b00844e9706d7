package service

import "context"

// TxRepositories hands out repositories bound to one transaction.
type TxRepositories interface {
	Chats() ChatRepositoryInterface
}

// TxRunner runs fn in a transaction that commits only when fn returns nil.
// A question and its answer are stored this way so history never holds one
// without the other.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}
