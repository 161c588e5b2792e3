// Package report derives read-only statistics from the committed ledger.
// It never mutates state; everything here is a fold over ListTransactions.
package report

import (
	"context"
	"time"

	"walletcore.org/internal/money"
	"walletcore.org/internal/wallet"
)

// TypeTotal aggregates one transaction kind.
type TypeTotal struct {
	Count int         `json:"count"`
	Total money.Money `json:"total"`
}

// Summary is the activity breakdown for one wallet or owner over a period.
type Summary struct {
	WalletID     string                      `json:"wallet_id,omitempty"`
	OwnerID      string                      `json:"owner_id,omitempty"`
	From         time.Time                   `json:"from,omitempty"`
	To           time.Time                   `json:"to,omitempty"`
	ByType       map[wallet.TxType]TypeTotal `json:"by_type"`
	Transactions int                         `json:"transactions"`
	TotalIn      money.Money                 `json:"total_in"`
	TotalOut     money.Money                 `json:"total_out"`
}

// Reader computes summaries against the ledger store.
type Reader struct {
	store wallet.Store
}

// NewReader wraps the store.
func NewReader(store wallet.Store) *Reader {
	return &Reader{store: store}
}

const pageSize = 1000

// WalletSummary folds the wallet's history within [from, to] into totals per
// transaction kind. Zero bounds mean unbounded.
func (r *Reader) WalletSummary(ctx context.Context, walletID string, from, to time.Time) (Summary, error) {
	s, err := r.summarize(ctx, wallet.TxFilter{WalletID: walletID, From: from, To: to})
	if err != nil {
		return Summary{}, err
	}
	s.WalletID = walletID
	s.From = from
	s.To = to
	return s, nil
}

// OwnerSummary aggregates across all of the owner's wallets.
func (r *Reader) OwnerSummary(ctx context.Context, ownerID string, from, to time.Time) (Summary, error) {
	s, err := r.summarize(ctx, wallet.TxFilter{OwnerID: ownerID, From: from, To: to})
	if err != nil {
		return Summary{}, err
	}
	s.OwnerID = ownerID
	s.From = from
	s.To = to
	return s, nil
}

func (r *Reader) summarize(ctx context.Context, base wallet.TxFilter) (Summary, error) {
	s := Summary{ByType: make(map[wallet.TxType]TypeTotal)}

	base.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		base.Offset = offset
		page, err := r.store.ListTransactions(ctx, base)
		if err != nil {
			return Summary{}, err
		}
		for _, tx := range page {
			if err := s.add(tx); err != nil {
				return Summary{}, err
			}
		}
		if len(page) < pageSize {
			return s, nil
		}
	}
}

func (s *Summary) add(tx wallet.Transaction) error {
	tt := s.ByType[tx.Type]
	tt.Count++
	total, err := tt.Total.Add(tx.Amount)
	if err != nil {
		return err
	}
	tt.Total = total
	s.ByType[tx.Type] = tt
	s.Transactions++

	// A REFUND moves money opposite to its original: it credits when it
	// reverses a debit and vice versa. The recorded balance snapshots carry
	// that direction.
	credited := tx.BalanceAfter.Cmp(tx.BalanceBefore) >= 0
	if credited {
		if s.TotalIn, err = s.TotalIn.Add(tx.Amount); err != nil {
			return err
		}
	} else {
		if s.TotalOut, err = s.TotalOut.Add(tx.Amount); err != nil {
			return err
		}
	}
	return nil
}
