package wallet

import (
	"context"
	"time"

	"walletcore.org/internal/money"
)

// RefundGuard asks the store to re-check the refund bound inside the atomic
// commit: sum of committed refunds against OriginalTxID plus the new amount
// must not exceed Original. The engine pre-checks too, but only the in-commit
// check holds under concurrent refunds.
type RefundGuard struct {
	OriginalTxID string
	Original     money.Money
}

// Mutation is one wallet's balance change and the transaction recording it.
// The store commits both as a single indivisible unit, or neither.
type Mutation struct {
	WalletID        string
	ExpectedVersion int64
	NewBalance      money.Money
	Tx              Transaction
	Refund          *RefundGuard
}

// TxFilter narrows ListTransactions. Zero values mean "no constraint".
type TxFilter struct {
	WalletID string
	OwnerID  string
	Type     TxType
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Store is the durable boundary of the ledger. Implementations must make
// Apply and ApplyTransfer atomic and serialize concurrent mutations of the
// same wallet, reporting version races as ErrConcurrencyConflict and
// idempotency-key races as ErrIdempotencyKeyTaken.
type Store interface {
	// CreateWallet persists w; when initial is non-nil the opening DEPOSIT
	// is written in the same atomic unit. Fails ErrDuplicateWallet when a
	// FIAT wallet already exists for the owner.
	CreateWallet(ctx context.Context, w Wallet, initial *Transaction) (Wallet, error)

	// GetWallet returns the wallet regardless of its active flag; absence
	// fails ErrWalletNotFound.
	GetWallet(ctx context.Context, id string) (Wallet, error)

	// ListWallets returns the owner's active wallets, optionally narrowed
	// by kind (empty Type means all kinds).
	ListWallets(ctx context.Context, ownerID string, walletType Type) ([]Wallet, error)

	// DeactivateWallet flips the wallet inactive. The transition is one-way;
	// balances and history are preserved for audit.
	DeactivateWallet(ctx context.Context, id string) (Wallet, error)

	GetTransaction(ctx context.Context, id string) (Transaction, error)

	// FindByIdempotencyKey returns the transaction previously recorded for
	// (walletID, key), if any.
	FindByIdempotencyKey(ctx context.Context, walletID, key string) (Transaction, bool, error)

	// SumRefunded totals committed REFUND amounts referencing the original
	// transaction.
	SumRefunded(ctx context.Context, originalTxID string) (money.Money, error)

	// ListTransactions returns committed entries ordered by created_at
	// descending.
	ListTransactions(ctx context.Context, f TxFilter) ([]Transaction, error)

	// Apply commits a single-wallet mutation at the expected version.
	Apply(ctx context.Context, m Mutation) (Wallet, error)

	// ApplyTransfer commits a debit and a credit on two distinct wallets as
	// one unit, acquiring the wallets in a deterministic order.
	ApplyTransfer(ctx context.Context, debit, credit Mutation) (Wallet, Wallet, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
