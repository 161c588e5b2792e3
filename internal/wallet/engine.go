package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"walletcore.org/internal/ids"
	"walletcore.org/internal/money"
	"walletcore.org/internal/obs"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 25 * time.Millisecond
	maxBackoff        = 500 * time.Millisecond
)

// Engine orchestrates the ledger operations. Every mutation follows the same
// shape: validate, idempotency check, atomic commit, best-effort notify.
// The engine holds no state beyond its collaborators; all durable state
// lives behind Store.
type Engine struct {
	store      Store
	notifier   Notifier
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

// Option configures Engine.
type Option func(*Engine)

// WithNotifier sets the post-commit event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRetry overrides the bounded retry policy for version conflicts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxRetries = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an engine over the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TransferResult bundles the two wallets and two ledger entries of one
// committed transfer.
type TransferResult struct {
	From Wallet      `json:"from"`
	To   Wallet      `json:"to"`
	Out  Transaction `json:"out"`
	In   Transaction `json:"in"`
}

// CreateWallet registers a wallet. A positive initial balance is committed
// together with its opening DEPOSIT entry.
func (e *Engine) CreateWallet(ctx context.Context, ownerID string, walletType Type, currency string, initial money.Money) (Wallet, error) {
	start := time.Now()
	w, err := e.createWallet(ctx, ownerID, walletType, currency, initial)
	e.observe("create_wallet", start, err, false)
	return w, err
}

func (e *Engine) createWallet(ctx context.Context, ownerID string, walletType Type, currency string, initial money.Money) (Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Wallet{}, ErrInvalidOwner
	}
	if !walletType.Valid() {
		return Wallet{}, ErrInvalidWalletType
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || len(currency) > 8 {
		return Wallet{}, ErrInvalidCurrency
	}
	if initial.IsNegative() {
		return Wallet{}, ErrInvalidAmount
	}

	now := e.now()
	w := Wallet{
		ID:        ids.NewWallet(),
		OwnerID:   ownerID,
		Type:      walletType,
		Currency:  currency,
		Balance:   initial,
		Active:    true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var opening *Transaction
	if initial.IsPositive() {
		opening = &Transaction{
			ID:             ids.NewTransaction(),
			WalletID:       w.ID,
			OwnerID:        ownerID,
			Type:           TxDeposit,
			Amount:         initial,
			BalanceBefore:  money.Zero,
			BalanceAfter:   initial,
			IdempotencyKey: uuid.NewString(),
			ReferenceID:    "initial_balance",
			CreatedAt:      now,
		}
	}

	created, err := e.store.CreateWallet(ctx, w, opening)
	if err != nil {
		return Wallet{}, err
	}

	evt := Event{
		Name:         EventCreated,
		WalletID:     created.ID,
		OwnerID:      created.OwnerID,
		Amount:       initial,
		BalanceAfter: created.Balance,
		OccurredAt:   now,
	}
	if opening != nil {
		evt.TransactionID = opening.ID
	}
	e.emit(evt)
	return created, nil
}

// GetWallet returns an active wallet. Soft-deleted wallets are invisible on
// this path; their history stays reachable through ListTransactions.
func (e *Engine) GetWallet(ctx context.Context, id string) (Wallet, error) {
	w, err := e.store.GetWallet(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	if !w.Active {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// ListWallets returns the owner's active wallets, optionally filtered by kind.
func (e *Engine) ListWallets(ctx context.Context, ownerID string, walletType Type) ([]Wallet, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidOwner
	}
	if walletType != "" && !walletType.Valid() {
		return nil, ErrInvalidWalletType
	}
	return e.store.ListWallets(ctx, ownerID, walletType)
}

// DeactivateWallet soft-deletes a wallet. The transition is one-way; the
// balance is preserved for audit.
func (e *Engine) DeactivateWallet(ctx context.Context, id string) (Wallet, error) {
	w, err := e.store.DeactivateWallet(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	e.emit(Event{
		Name:          EventDeactivated,
		WalletID:      w.ID,
		OwnerID:       w.OwnerID,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance,
		OccurredAt:    e.now(),
	})
	return w, nil
}

// GetTransaction fetches one ledger entry.
func (e *Engine) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ListTransactions queries the ledger, newest first.
func (e *Engine) ListTransactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, f)
}

// Deposit credits the wallet.
func (e *Engine) Deposit(ctx context.Context, walletID string, amount money.Money, idemKey, referenceID string, metadata map[string]string) (Wallet, Transaction, error) {
	start := time.Now()
	w, tx, replayed, err := e.applyOne(ctx, walletID, TxDeposit, amount, idemKey, referenceID, metadata, "", nil)
	e.observe("deposit", start, err, replayed)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if !replayed {
		e.emitTx(EventDeposited, tx)
	}
	return w, tx, nil
}

// Withdraw debits the wallet; overdraft is never permitted.
func (e *Engine) Withdraw(ctx context.Context, walletID string, amount money.Money, idemKey, destination string, metadata map[string]string) (Wallet, Transaction, error) {
	start := time.Now()
	w, tx, replayed, err := e.applyOne(ctx, walletID, TxWithdraw, amount, idemKey, destination, metadata, "", nil)
	e.observe("withdraw", start, err, replayed)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if !replayed {
		e.emitTx(EventWithdrawn, tx)
	}
	return w, tx, nil
}

// Consume debits the wallet for metered usage. Mechanically identical to
// Withdraw; kept distinct for audit and reporting.
func (e *Engine) Consume(ctx context.Context, walletID string, amount money.Money, idemKey, usageReference string, metadata map[string]string) (Wallet, Transaction, error) {
	start := time.Now()
	w, tx, replayed, err := e.applyOne(ctx, walletID, TxConsume, amount, idemKey, usageReference, metadata, "", nil)
	e.observe("consume", start, err, replayed)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if !replayed {
		e.emitTx(EventConsumed, tx)
	}
	return w, tx, nil
}

// Transfer moves funds between two wallets atomically: both balance changes
// and both ledger entries commit, or none do.
func (e *Engine) Transfer(ctx context.Context, fromID, toID string, amount money.Money, idemKey string, metadata map[string]string) (TransferResult, error) {
	start := time.Now()
	res, replayed, err := e.transfer(ctx, fromID, toID, amount, idemKey, metadata)
	e.observe("transfer", start, err, replayed)
	return res, err
}

func (e *Engine) transfer(ctx context.Context, fromID, toID string, amount money.Money, idemKey string, metadata map[string]string) (TransferResult, bool, error) {
	if !amount.IsPositive() {
		return TransferResult{}, false, ErrInvalidAmount
	}
	if fromID == toID {
		return TransferResult{}, false, ErrSameWallet
	}
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	for attempt := 0; ; attempt++ {
		// Idempotency is keyed on the debit side.
		prior, found, err := e.store.FindByIdempotencyKey(ctx, fromID, idemKey)
		if err != nil {
			return TransferResult{}, false, err
		}
		if found {
			res, err := e.replayTransfer(ctx, prior, toID, amount, idemKey)
			return res, true, err
		}

		from, err := e.store.GetWallet(ctx, fromID)
		if err != nil {
			return TransferResult{}, false, err
		}
		to, err := e.store.GetWallet(ctx, toID)
		if err != nil {
			return TransferResult{}, false, err
		}
		if !from.Active || !to.Active {
			return TransferResult{}, false, ErrWalletInactive
		}
		if from.Currency != to.Currency {
			return TransferResult{}, false, ErrInvalidCurrency
		}
		if from.Balance.Cmp(amount) < 0 {
			return TransferResult{}, false, &InsufficientBalanceError{
				WalletID:  fromID,
				Requested: amount,
				Available: from.Balance,
			}
		}

		newFrom, err := from.Balance.Sub(amount)
		if err != nil {
			return TransferResult{}, false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		newTo, err := to.Balance.Add(amount)
		if err != nil {
			return TransferResult{}, false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}

		now := e.now()
		group := ids.NewTransfer()
		out := Transaction{
			ID:                   ids.NewTransaction(),
			WalletID:             fromID,
			OwnerID:              from.OwnerID,
			Type:                 TxTransferOut,
			Amount:               amount,
			BalanceBefore:        from.Balance,
			BalanceAfter:         newFrom,
			CounterpartyWalletID: toID,
			IdempotencyKey:       idemKey,
			Metadata:             withTransferGroup(metadata, group),
			CreatedAt:            now,
		}
		in := Transaction{
			ID:                   ids.NewTransaction(),
			WalletID:             toID,
			OwnerID:              to.OwnerID,
			Type:                 TxTransferIn,
			Amount:               amount,
			BalanceBefore:        to.Balance,
			BalanceAfter:         newTo,
			CounterpartyWalletID: fromID,
			IdempotencyKey:       idemKey,
			Metadata:             withTransferGroup(metadata, group),
			CreatedAt:            now,
		}

		fromW, toW, err := e.store.ApplyTransfer(ctx,
			Mutation{WalletID: fromID, ExpectedVersion: from.Version, NewBalance: newFrom, Tx: out},
			Mutation{WalletID: toID, ExpectedVersion: to.Version, NewBalance: newTo, Tx: in},
		)
		switch {
		case err == nil:
			e.emit(Event{
				Name:                 EventTransferred,
				WalletID:             fromID,
				OwnerID:              fromW.OwnerID,
				TransactionID:        out.ID,
				Amount:               amount,
				BalanceBefore:        out.BalanceBefore,
				BalanceAfter:         out.BalanceAfter,
				CounterpartyWalletID: toID,
				TransferGroup:        group,
				OccurredAt:           now,
			})
			return TransferResult{From: fromW, To: toW, Out: out, In: in}, false, nil
		case errors.Is(err, ErrIdempotencyKeyTaken):
			continue // a concurrent retry committed first; replay it
		case errors.Is(err, ErrConcurrencyConflict):
			if attempt >= e.maxRetries {
				return TransferResult{}, false, ErrConcurrencyConflict
			}
			obs.IncCommitRetry()
			if err := sleepBackoff(ctx, e.backoffFor(attempt)); err != nil {
				return TransferResult{}, false, err
			}
		default:
			return TransferResult{}, false, err
		}
	}
}

// replayTransfer reconstructs the result of an already-committed transfer
// without mutating any state.
func (e *Engine) replayTransfer(ctx context.Context, out Transaction, toID string, amount money.Money, idemKey string) (TransferResult, error) {
	if out.Type != TxTransferOut || out.Amount != amount || out.CounterpartyWalletID != toID {
		return TransferResult{}, ErrIdempotencyConflict
	}
	in, found, err := e.store.FindByIdempotencyKey(ctx, toID, idemKey)
	if err != nil {
		return TransferResult{}, err
	}
	if !found {
		return TransferResult{}, fmt.Errorf("transfer %s: credit leg missing", out.ID)
	}
	from, err := e.store.GetWallet(ctx, out.WalletID)
	if err != nil {
		return TransferResult{}, err
	}
	to, err := e.store.GetWallet(ctx, toID)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{From: from, To: to, Out: out, In: in}, nil
}

// Refund reverses part or all of a prior transaction as a new REFUND entry.
// Refunding a debit-type entry credits the wallet; refunding a credit-type
// entry debits it and must still respect the non-negative balance invariant.
func (e *Engine) Refund(ctx context.Context, originalTxID string, amount money.Money, idemKey, reason string, metadata map[string]string) (Wallet, Transaction, error) {
	start := time.Now()
	w, tx, replayed, err := e.refund(ctx, originalTxID, amount, idemKey, reason, metadata)
	e.observe("refund", start, err, replayed)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if !replayed {
		e.emitTx(EventRefunded, tx)
	}
	return w, tx, nil
}

func (e *Engine) refund(ctx context.Context, originalTxID string, amount money.Money, idemKey, reason string, metadata map[string]string) (Wallet, Transaction, bool, error) {
	if !amount.IsPositive() {
		return Wallet{}, Transaction{}, false, ErrInvalidAmount
	}
	orig, err := e.store.GetTransaction(ctx, originalTxID)
	if err != nil {
		return Wallet{}, Transaction{}, false, err
	}
	if orig.Type == TxRefund {
		return Wallet{}, Transaction{}, false, ErrNotRefundable
	}

	// Replay must win over the remainder check: the committed refund the
	// caller is retrying may itself have consumed the remainder.
	if idemKey != "" {
		prior, found, err := e.store.FindByIdempotencyKey(ctx, orig.WalletID, idemKey)
		if err != nil {
			return Wallet{}, Transaction{}, false, err
		}
		if found {
			if prior.Type != TxRefund || prior.Amount != amount || prior.OriginalTransactionID != orig.ID {
				return Wallet{}, Transaction{}, false, ErrIdempotencyConflict
			}
			w, err := e.store.GetWallet(ctx, orig.WalletID)
			if err != nil {
				return Wallet{}, Transaction{}, false, err
			}
			return w, prior, true, nil
		}
	}

	already, err := e.store.SumRefunded(ctx, orig.ID)
	if err != nil {
		return Wallet{}, Transaction{}, false, err
	}
	total, err := already.Add(amount)
	if err != nil || total.Cmp(orig.Amount) > 0 {
		return Wallet{}, Transaction{}, false, ErrRefundExceedsOriginal
	}

	meta := metadata
	if reason != "" {
		meta = cloneMetadata(metadata)
		meta["reason"] = reason
	}

	guard := &RefundGuard{OriginalTxID: orig.ID, Original: orig.Amount}
	if orig.Type.credits() {
		// Refund of a credit debits the wallet: flag it so applyOne takes
		// the debit path.
		return e.applyOne(ctx, orig.WalletID, TxRefund, amount, idemKey, "", meta, orig.ID, guard)
	}
	return e.applyOneCredit(ctx, orig.WalletID, TxRefund, amount, idemKey, "", meta, orig.ID, guard)
}

// applyOne runs the validate / idempotency / CAS-commit loop for a
// single-wallet mutation. DEPOSIT and TRANSFER_IN credit; everything else
// debits, except a REFUND of a debit-type original which goes through
// applyOneCredit.
func (e *Engine) applyOne(ctx context.Context, walletID string, txType TxType, amount money.Money, idemKey, referenceID string, metadata map[string]string, originalTxID string, guard *RefundGuard) (Wallet, Transaction, bool, error) {
	credit := txType.credits()
	return e.commitLoop(ctx, walletID, txType, amount, idemKey, referenceID, metadata, originalTxID, guard, credit)
}

func (e *Engine) applyOneCredit(ctx context.Context, walletID string, txType TxType, amount money.Money, idemKey, referenceID string, metadata map[string]string, originalTxID string, guard *RefundGuard) (Wallet, Transaction, bool, error) {
	return e.commitLoop(ctx, walletID, txType, amount, idemKey, referenceID, metadata, originalTxID, guard, true)
}

func (e *Engine) commitLoop(ctx context.Context, walletID string, txType TxType, amount money.Money, idemKey, referenceID string, metadata map[string]string, originalTxID string, guard *RefundGuard, credit bool) (Wallet, Transaction, bool, error) {
	if !amount.IsPositive() {
		return Wallet{}, Transaction{}, false, ErrInvalidAmount
	}
	if idemKey == "" {
		// No caller-supplied key: a distinct single-use key per call, no
		// retry protection by the caller's choice.
		idemKey = uuid.NewString()
	}

	for attempt := 0; ; attempt++ {
		prior, found, err := e.store.FindByIdempotencyKey(ctx, walletID, idemKey)
		if err != nil {
			return Wallet{}, Transaction{}, false, err
		}
		if found {
			if prior.Type != txType || prior.Amount != amount ||
				(originalTxID != "" && prior.OriginalTransactionID != originalTxID) {
				return Wallet{}, Transaction{}, false, ErrIdempotencyConflict
			}
			w, err := e.store.GetWallet(ctx, walletID)
			if err != nil {
				return Wallet{}, Transaction{}, false, err
			}
			return w, prior, true, nil
		}

		w, err := e.store.GetWallet(ctx, walletID)
		if err != nil {
			return Wallet{}, Transaction{}, false, err
		}
		if !w.Active {
			return Wallet{}, Transaction{}, false, ErrWalletInactive
		}

		var newBalance money.Money
		if credit {
			newBalance, err = w.Balance.Add(amount)
			if err != nil {
				return Wallet{}, Transaction{}, false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
			}
		} else {
			if w.Balance.Cmp(amount) < 0 {
				return Wallet{}, Transaction{}, false, &InsufficientBalanceError{
					WalletID:  walletID,
					Requested: amount,
					Available: w.Balance,
				}
			}
			newBalance, err = w.Balance.Sub(amount)
			if err != nil {
				return Wallet{}, Transaction{}, false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
			}
		}

		tx := Transaction{
			ID:                    ids.NewTransaction(),
			WalletID:              walletID,
			OwnerID:               w.OwnerID,
			Type:                  txType,
			Amount:                amount,
			BalanceBefore:         w.Balance,
			BalanceAfter:          newBalance,
			OriginalTransactionID: originalTxID,
			IdempotencyKey:        idemKey,
			ReferenceID:           referenceID,
			Metadata:              cloneMetadata(metadata),
			CreatedAt:             e.now(),
		}

		updated, err := e.store.Apply(ctx, Mutation{
			WalletID:        walletID,
			ExpectedVersion: w.Version,
			NewBalance:      newBalance,
			Tx:              tx,
			Refund:          guard,
		})
		switch {
		case err == nil:
			return updated, tx, false, nil
		case errors.Is(err, ErrIdempotencyKeyTaken):
			continue // committed by a concurrent retry; replay it
		case errors.Is(err, ErrConcurrencyConflict):
			if attempt >= e.maxRetries {
				return Wallet{}, Transaction{}, false, ErrConcurrencyConflict
			}
			obs.IncCommitRetry()
			if err := sleepBackoff(ctx, e.backoffFor(attempt)); err != nil {
				return Wallet{}, Transaction{}, false, err
			}
		default:
			return Wallet{}, Transaction{}, false, err
		}
	}
}

func (e *Engine) emit(evt Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(evt)
}

func (e *Engine) emitTx(name string, tx Transaction) {
	e.emit(Event{
		Name:                  name,
		WalletID:              tx.WalletID,
		OwnerID:               tx.OwnerID,
		TransactionID:         tx.ID,
		Amount:                tx.Amount,
		BalanceBefore:         tx.BalanceBefore,
		BalanceAfter:          tx.BalanceAfter,
		CounterpartyWalletID:  tx.CounterpartyWalletID,
		OriginalTransactionID: tx.OriginalTransactionID,
		OccurredAt:            tx.CreatedAt,
	})
}

func (e *Engine) observe(op string, start time.Time, err error, replayed bool) {
	result := "ok"
	switch {
	case err != nil:
		result = errLabel(err)
	case replayed:
		result = "replayed"
	}
	obs.ObserveOperation(op, result, time.Since(start))
}

func (e *Engine) backoffFor(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := e.backoff << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func errLabel(err error) string {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ErrWalletInactive):
		return "wallet_inactive"
	case errors.Is(err, ErrDuplicateWallet):
		return "duplicate_wallet"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidWalletType),
		errors.Is(err, ErrInvalidCurrency), errors.Is(err, ErrInvalidOwner),
		errors.Is(err, ErrSameWallet):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrNotRefundable), errors.Is(err, ErrRefundExceedsOriginal):
		return "refund_rejected"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func withTransferGroup(metadata map[string]string, group string) map[string]string {
	meta := cloneMetadata(metadata)
	meta[MetadataTransferGroup] = group
	return meta
}

func cloneMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
