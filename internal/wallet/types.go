// Package wallet implements the ledger core: wallet records, an append-only
// transaction history, and the engine that mutates balances atomically.
package wallet

import (
	"errors"
	"fmt"
	"time"

	"walletcore.org/internal/money"
)

// Type enumerates the supported wallet kinds. FIAT wallets are unique per
// owner; the other kinds permit multiples.
type Type string

const (
	TypeFiat   Type = "FIAT"
	TypeCredit Type = "CREDIT"
	TypeCrypto Type = "CRYPTO"
)

// Valid reports whether t is one of the known wallet kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeFiat, TypeCredit, TypeCrypto:
		return true
	}
	return false
}

// TxType enumerates ledger transaction kinds. Direction is encoded by the
// kind, never by the sign of the amount.
type TxType string

const (
	TxDeposit     TxType = "DEPOSIT"
	TxWithdraw    TxType = "WITHDRAW"
	TxConsume     TxType = "CONSUME"
	TxTransferOut TxType = "TRANSFER_OUT"
	TxTransferIn  TxType = "TRANSFER_IN"
	TxRefund      TxType = "REFUND"
)

// Valid reports whether t is one of the known transaction kinds.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxConsume, TxTransferOut, TxTransferIn, TxRefund:
		return true
	}
	return false
}

// credits reports whether the kind increases the wallet balance.
func (t TxType) credits() bool {
	return t == TxDeposit || t == TxTransferIn
}

// Wallet is one account holding a balance in a single currency for one owner.
type Wallet struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Type          Type        `json:"type"`
	Currency      string      `json:"currency"`
	Balance       money.Money `json:"balance"`
	LockedBalance money.Money `json:"locked_balance"`
	Active        bool        `json:"active"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Transaction is one committed ledger entry. Records are immutable once
// written; corrections and reversals are new REFUND entries.
type Transaction struct {
	ID                    string            `json:"id"`
	WalletID              string            `json:"wallet_id"`
	OwnerID               string            `json:"owner_id"`
	Type                  TxType            `json:"type"`
	Amount                money.Money       `json:"amount"`
	BalanceBefore         money.Money       `json:"balance_before"`
	BalanceAfter          money.Money       `json:"balance_after"`
	CounterpartyWalletID  string            `json:"counterparty_wallet_id,omitempty"`
	OriginalTransactionID string            `json:"original_transaction_id,omitempty"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty"`
	ReferenceID           string            `json:"reference_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// MetadataTransferGroup is the metadata key correlating the two legs of one
// transfer.
const MetadataTransferGroup = "transfer_group"

var (
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletInactive        = errors.New("wallet is inactive")
	ErrDuplicateWallet       = errors.New("fiat wallet already exists for owner")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrInvalidWalletType     = errors.New("invalid wallet type")
	ErrInvalidOwner          = errors.New("owner id is required")
	ErrInvalidCurrency       = errors.New("invalid currency")
	ErrSameWallet            = errors.New("transfer endpoints must differ")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrNotRefundable         = errors.New("transaction kind cannot be refunded")
	ErrRefundExceedsOriginal = errors.New("refund exceeds refundable remainder")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with different request")
	ErrConcurrencyConflict   = errors.New("concurrent modification conflict")
	ErrStoreUnavailable      = errors.New("ledger store unavailable")

	// ErrIdempotencyKeyTaken is a store-level signal: the unique
	// (wallet_id, idempotency_key) constraint fired during commit. The
	// engine resolves it by replaying the recorded transaction; callers
	// never see it.
	ErrIdempotencyKeyTaken = errors.New("idempotency key already recorded")
)

// InsufficientBalanceError carries the requested and available amounts so
// callers can decide whether to retry, adjust or surface the failure.
type InsufficientBalanceError struct {
	WalletID  string
	Requested money.Money
	Available money.Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: requested %s, available %s",
		e.WalletID, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }
