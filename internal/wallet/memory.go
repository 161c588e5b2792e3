package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"walletcore.org/internal/money"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and single-node deployments without Postgres; the durable
// implementation lives in internal/store/pg.
type InMemory struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	txs     []Transaction
	txByID  map[string]int
	idem    map[string]map[string]int // walletID -> key -> index into txs
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		wallets: make(map[string]*Wallet),
		txByID:  make(map[string]int),
		idem:    make(map[string]map[string]int),
	}
}

func (s *InMemory) CreateWallet(ctx context.Context, w Wallet, initial *Transaction) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.Type == TypeFiat {
		for _, existing := range s.wallets {
			if existing.OwnerID == w.OwnerID && existing.Type == TypeFiat {
				return Wallet{}, ErrDuplicateWallet
			}
		}
	}
	if _, ok := s.wallets[w.ID]; ok {
		return Wallet{}, ErrDuplicateWallet
	}

	cp := w
	s.wallets[w.ID] = &cp
	if initial != nil {
		s.recordLocked(*initial)
	}
	return cp, nil
}

func (s *InMemory) GetWallet(ctx context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (s *InMemory) ListWallets(ctx context.Context, ownerID string, walletType Type) ([]Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Wallet
	for _, w := range s.wallets {
		if w.OwnerID != ownerID || !w.Active {
			continue
		}
		if walletType != "" && w.Type != walletType {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) DeactivateWallet(ctx context.Context, id string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if w.Active {
		w.Active = false
		w.Version++
		w.UpdatedAt = time.Now().UTC()
	}
	return *w, nil
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.txByID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return copyTx(s.txs[idx]), nil
}

func (s *InMemory) FindByIdempotencyKey(ctx context.Context, walletID, key string) (Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.idemLookupLocked(walletID, key)
	if !ok {
		return Transaction{}, false, nil
	}
	return copyTx(s.txs[idx]), true, nil
}

func (s *InMemory) SumRefunded(ctx context.Context, originalTxID string) (money.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumRefundedLocked(originalTxID)
}

func (s *InMemory) ListTransactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []Transaction
	skipped := 0
	// Newest first: records append in commit order.
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if f.WalletID != "" && tx.WalletID != f.WalletID {
			continue
		}
		if f.OwnerID != "" && tx.OwnerID != f.OwnerID {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, copyTx(tx))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) Apply(ctx context.Context, m Mutation) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(m); err != nil {
		return Wallet{}, err
	}
	return s.applyLocked(m), nil
}

func (s *InMemory) ApplyTransfer(ctx context.Context, debit, credit Mutation) (Wallet, Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate in deterministic wallet order so concurrent opposing
	// transfers observe the same failure, mirroring the row-lock order the
	// Postgres store takes.
	first, second := debit, credit
	if strings.Compare(credit.WalletID, debit.WalletID) < 0 {
		first, second = credit, debit
	}
	if err := s.checkLocked(first); err != nil {
		return Wallet{}, Wallet{}, err
	}
	if err := s.checkLocked(second); err != nil {
		return Wallet{}, Wallet{}, err
	}

	from := s.applyLocked(debit)
	to := s.applyLocked(credit)
	return from, to, nil
}

func (s *InMemory) Ping(ctx context.Context) error { return nil }

// checkLocked verifies a mutation can commit: wallet exists, version
// matches, the idempotency key is unclaimed and any refund bound holds.
func (s *InMemory) checkLocked(m Mutation) error {
	w, ok := s.wallets[m.WalletID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != m.ExpectedVersion {
		return ErrConcurrencyConflict
	}
	if m.Tx.IdempotencyKey != "" {
		if _, taken := s.idemLookupLocked(m.WalletID, m.Tx.IdempotencyKey); taken {
			return ErrIdempotencyKeyTaken
		}
	}
	if m.Refund != nil {
		already, err := s.sumRefundedLocked(m.Refund.OriginalTxID)
		if err != nil {
			return ErrRefundExceedsOriginal
		}
		total, err := already.Add(m.Tx.Amount)
		if err != nil || total.Cmp(m.Refund.Original) > 0 {
			return ErrRefundExceedsOriginal
		}
	}
	if m.NewBalance.IsNegative() {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *InMemory) applyLocked(m Mutation) Wallet {
	w := s.wallets[m.WalletID]
	w.Balance = m.NewBalance
	w.Version++
	w.UpdatedAt = m.Tx.CreatedAt
	s.recordLocked(m.Tx)
	return *w
}

func (s *InMemory) recordLocked(tx Transaction) {
	s.txs = append(s.txs, copyTx(tx))
	idx := len(s.txs) - 1
	s.txByID[tx.ID] = idx
	if tx.IdempotencyKey != "" {
		byKey, ok := s.idem[tx.WalletID]
		if !ok {
			byKey = make(map[string]int)
			s.idem[tx.WalletID] = byKey
		}
		byKey[tx.IdempotencyKey] = idx
	}
}

func (s *InMemory) idemLookupLocked(walletID, key string) (int, bool) {
	byKey, ok := s.idem[walletID]
	if !ok {
		return 0, false
	}
	idx, ok := byKey[key]
	return idx, ok
}

func (s *InMemory) sumRefundedLocked(originalTxID string) (money.Money, error) {
	total := money.Zero
	for _, tx := range s.txs {
		if tx.Type == TxRefund && tx.OriginalTransactionID == originalTxID {
			var err error
			total, err = total.Add(tx.Amount)
			if err != nil {
				return money.Zero, err
			}
		}
	}
	return total, nil
}

func copyTx(tx Transaction) Transaction {
	cp := tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
