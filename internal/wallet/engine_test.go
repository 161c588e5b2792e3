package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walletcore.org/internal/money"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *InMemory) {
	t.Helper()
	store := NewInMemory()
	return NewEngine(store, opts...), store
}

func mustWallet(t *testing.T, e *Engine, owner string, initial money.Money) Wallet {
	t.Helper()
	w, err := e.CreateWallet(context.Background(), owner, TypeCredit, "CREDIT", initial)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func TestDepositThenWithdraw(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.Zero)

	if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("500"), "d1", "pay-1", nil); err != nil {
		t.Fatal(err)
	}
	updated, _, err := e.Withdraw(ctx, w.ID, money.MustParse("200"), "w1", "bank-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Balance != money.MustParse("300") {
		t.Fatalf("balance=%s, want 300", updated.Balance)
	}

	txs, err := e.ListTransactions(ctx, TxFilter{WalletID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(txs))
	}
	// Newest first.
	if txs[0].Type != TxWithdraw || txs[0].BalanceAfter != money.MustParse("300") {
		t.Fatalf("unexpected head entry: %+v", txs[0])
	}
	if txs[1].Type != TxDeposit || txs[1].BalanceAfter != money.MustParse("500") {
		t.Fatalf("unexpected tail entry: %+v", txs[1])
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("300"))

	_, _, err := e.Withdraw(ctx, w.ID, money.MustParse("1000"), "w1", "", nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var ib *InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatalf("error does not carry amounts: %v", err)
	}
	if ib.Requested != money.MustParse("1000") || ib.Available != money.MustParse("300") {
		t.Fatalf("unexpected error detail: %+v", ib)
	}

	after, err := e.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != money.MustParse("300") {
		t.Fatalf("balance mutated on failure: %s", after.Balance)
	}
	txs, _ := e.ListTransactions(ctx, TxFilter{WalletID: w.ID, Type: TxWithdraw})
	if len(txs) != 0 {
		t.Fatalf("failed withdraw recorded %d entries", len(txs))
	}
}

func TestDepositIdempotentReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.Zero)

	_, tx1, err := e.Deposit(ctx, w.ID, money.MustParse("100"), "k1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	updated, tx2, err := e.Deposit(ctx, w.ID, money.MustParse("100"), "k1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID {
		t.Fatalf("replay produced a new transaction: %s != %s", tx1.ID, tx2.ID)
	}
	if updated.Balance != money.MustParse("100") {
		t.Fatalf("balance applied twice: %s", updated.Balance)
	}
	txs, _ := e.ListTransactions(ctx, TxFilter{WalletID: w.ID})
	if len(txs) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(txs))
	}
}

func TestIdempotencyConflictOnDifferentAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.Zero)

	if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("100"), "k1", "", nil); err != nil {
		t.Fatal(err)
	}
	_, _, err := e.Deposit(ctx, w.ID, money.MustParse("250"), "k1", "", nil)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestMissingIdempotencyKeyIsSingleUse(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.Zero)

	for i := 0; i < 2; i++ {
		if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("10"), "", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	updated, _ := e.GetWallet(ctx, w.ID)
	if updated.Balance != money.MustParse("20") {
		t.Fatalf("balance=%s, want 20", updated.Balance)
	}
}

func TestTransfer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustWallet(t, e, "owner-a", money.MustParse("500"))
	b := mustWallet(t, e, "owner-b", money.MustParse("100"))

	res, err := e.Transfer(ctx, a.ID, b.ID, money.MustParse("300"), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.From.Balance != money.MustParse("200") || res.To.Balance != money.MustParse("400") {
		t.Fatalf("balances after transfer: from=%s to=%s", res.From.Balance, res.To.Balance)
	}
	if res.Out.Type != TxTransferOut || res.In.Type != TxTransferIn {
		t.Fatalf("leg types: %s / %s", res.Out.Type, res.In.Type)
	}
	if res.Out.CounterpartyWalletID != b.ID || res.In.CounterpartyWalletID != a.ID {
		t.Fatal("legs are not cross-referenced")
	}
	if res.Out.Metadata[MetadataTransferGroup] == "" ||
		res.Out.Metadata[MetadataTransferGroup] != res.In.Metadata[MetadataTransferGroup] {
		t.Fatal("legs do not share a transfer group")
	}

	// Conservation: total before == total after.
	before := money.MustParse("600")
	after, _ := res.From.Balance.Add(res.To.Balance)
	if after != before {
		t.Fatalf("conservation violated: %s != %s", after, before)
	}
}

func TestTransferValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustWallet(t, e, "owner-a", money.MustParse("100"))

	if _, err := e.Transfer(ctx, a.ID, a.ID, money.MustParse("10"), "", nil); !errors.Is(err, ErrSameWallet) {
		t.Fatalf("self transfer: %v", err)
	}
	if _, err := e.Transfer(ctx, a.ID, "wal_missing", money.Zero, "", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := e.Transfer(ctx, a.ID, "wal_missing", money.MustParse("10"), "", nil); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("missing destination: %v", err)
	}
}

func TestTransferIdempotentReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustWallet(t, e, "owner-a", money.MustParse("500"))
	b := mustWallet(t, e, "owner-b", money.Zero)

	first, err := e.Transfer(ctx, a.ID, b.ID, money.MustParse("50"), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Transfer(ctx, a.ID, b.ID, money.MustParse("50"), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Out.ID != second.Out.ID || first.In.ID != second.In.ID {
		t.Fatal("replay created new ledger entries")
	}
	if second.From.Balance != money.MustParse("450") {
		t.Fatalf("replay mutated balance: %s", second.From.Balance)
	}

	if _, err := e.Transfer(ctx, a.ID, b.ID, money.MustParse("60"), "t1", nil); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestRefundBound(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("500"))

	_, wd, err := e.Withdraw(ctx, w.ID, money.MustParse("100"), "w1", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := e.Refund(ctx, wd.ID, money.MustParse("50"), "r1", "partial", nil); err != nil {
		t.Fatal(err)
	}
	_, _, err = e.Refund(ctx, wd.ID, money.MustParse("60"), "r2", "too much", nil)
	if !errors.Is(err, ErrRefundExceedsOriginal) {
		t.Fatalf("expected ErrRefundExceedsOriginal, got %v", err)
	}
	// The remainder is still refundable.
	updated, _, err := e.Refund(ctx, wd.ID, money.MustParse("50"), "r3", "rest", nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Balance != money.MustParse("500") {
		t.Fatalf("balance=%s, want 500", updated.Balance)
	}
}

func TestRefundIdempotentReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("500"))

	_, wd, err := e.Withdraw(ctx, w.ID, money.MustParse("100"), "w1", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A full refund consumes the whole remainder.
	first, ref, err := e.Refund(ctx, wd.ID, money.MustParse("100"), "rk-1", "full", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Retrying with the same key replays the committed entry instead of
	// tripping the remainder check.
	again, replay, err := e.Refund(ctx, wd.ID, money.MustParse("100"), "rk-1", "full", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if replay.ID != ref.ID {
		t.Fatalf("replay returned a new entry: %s != %s", replay.ID, ref.ID)
	}
	if again.Balance != first.Balance || again.Balance != money.MustParse("500") {
		t.Fatalf("retry moved the balance: %s", again.Balance)
	}
	txs, err := e.ListTransactions(ctx, TxFilter{WalletID: w.ID, Type: TxRefund})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Fatalf("ledger has %d refund entries, want 1", len(txs))
	}

	// Same key, different amount is a conflict, not a replay.
	if _, _, err := e.Refund(ctx, wd.ID, money.MustParse("50"), "rk-1", "full", nil); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestRefundPartialReplayAfterRemainderConsumed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("500"))

	_, wd, err := e.Withdraw(ctx, w.ID, money.MustParse("100"), "w1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Refund(ctx, wd.ID, money.MustParse("60"), "rk-a", "", nil); err != nil {
		t.Fatal(err)
	}
	_, rest, err := e.Refund(ctx, wd.ID, money.MustParse("40"), "rk-b", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Both retries replay even though the remainder is now zero.
	_, replayA, err := e.Refund(ctx, wd.ID, money.MustParse("60"), "rk-a", "", nil)
	if err != nil || replayA.Amount != money.MustParse("60") {
		t.Fatalf("retry rk-a: tx=%+v err=%v", replayA, err)
	}
	updated, replayB, err := e.Refund(ctx, wd.ID, money.MustParse("40"), "rk-b", "", nil)
	if err != nil {
		t.Fatalf("retry rk-b: %v", err)
	}
	if replayB.ID != rest.ID {
		t.Fatalf("replay returned a new entry: %s != %s", replayB.ID, rest.ID)
	}
	if updated.Balance != money.MustParse("500") {
		t.Fatalf("balance=%s, want 500", updated.Balance)
	}
	// A fresh key is still bounded.
	if _, _, err := e.Refund(ctx, wd.ID, money.MustParse("1"), "rk-c", "", nil); !errors.Is(err, ErrRefundExceedsOriginal) {
		t.Fatalf("expected ErrRefundExceedsOriginal, got %v", err)
	}
}

func TestRefundOfDepositDebits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.Zero)

	_, dep, err := e.Deposit(ctx, w.ID, money.MustParse("100"), "d1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Drain the balance so the refund would overdraw.
	if _, _, err := e.Consume(ctx, w.ID, money.MustParse("80"), "c1", "job-1", nil); err != nil {
		t.Fatal(err)
	}
	_, _, err = e.Refund(ctx, dep.ID, money.MustParse("100"), "r1", "chargeback", nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// A refund within the remaining balance debits the wallet.
	updated, tx, err := e.Refund(ctx, dep.ID, money.MustParse("20"), "r2", "partial chargeback", nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Balance != money.Zero {
		t.Fatalf("balance=%s, want 0", updated.Balance)
	}
	if tx.OriginalTransactionID != dep.ID || tx.Metadata["reason"] != "partial chargeback" {
		t.Fatalf("unexpected refund entry: %+v", tx)
	}
}

func TestRefundRejectsRefund(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("100"))

	_, wd, _ := e.Withdraw(ctx, w.ID, money.MustParse("40"), "w1", "", nil)
	_, ref, err := e.Refund(ctx, wd.ID, money.MustParse("40"), "r1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Refund(ctx, ref.ID, money.MustParse("10"), "r2", "", nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable, got %v", err)
	}
	if _, _, err := e.Refund(ctx, "txn_missing", money.MustParse("10"), "r3", "", nil); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestInactiveWalletRejectsMutations(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("100"))

	if _, err := e.DeactivateWallet(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("10"), "", "", nil); !errors.Is(err, ErrWalletInactive) {
		t.Fatalf("deposit on inactive wallet: %v", err)
	}
	if _, err := e.GetWallet(ctx, w.ID); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("inactive wallet visible on read path: %v", err)
	}
	// History remains reachable for audit.
	txs, err := e.ListTransactions(ctx, TxFilter{WalletID: w.ID})
	if err != nil || len(txs) != 1 {
		t.Fatalf("audit history: %d entries, err=%v", len(txs), err)
	}
}

func TestCreateWalletRules(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateWallet(ctx, "owner-1", TypeFiat, "USD", money.Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateWallet(ctx, "owner-1", TypeFiat, "USD", money.Zero); !errors.Is(err, ErrDuplicateWallet) {
		t.Fatalf("second fiat wallet: %v", err)
	}
	// Non-fiat kinds permit multiples.
	for i := 0; i < 2; i++ {
		if _, err := e.CreateWallet(ctx, "owner-1", TypeCredit, "CREDIT", money.Zero); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.CreateWallet(ctx, "", TypeCredit, "CREDIT", money.Zero); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("blank owner: %v", err)
	}
	if _, err := e.CreateWallet(ctx, "owner-2", Type("BONUS"), "CREDIT", money.Zero); !errors.Is(err, ErrInvalidWalletType) {
		t.Fatalf("bad type: %v", err)
	}
	if _, err := e.CreateWallet(ctx, "owner-2", TypeCredit, "CREDIT", money.FromUnits(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative initial: %v", err)
	}
}

func TestCreateWalletInitialBalanceIsLedgered(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("250"))

	txs, err := e.ListTransactions(ctx, TxFilter{WalletID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != TxDeposit || txs[0].Amount != money.MustParse("250") {
		t.Fatalf("opening deposit missing: %+v", txs)
	}
	if txs[0].BalanceBefore != money.Zero || txs[0].BalanceAfter != money.MustParse("250") {
		t.Fatalf("opening snapshot wrong: %+v", txs[0])
	}
}

func TestConcurrentDepositsSumCorrectly(t *testing.T) {
	e, _ := newTestEngine(t, WithRetry(1000, time.Millisecond))
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("10"))

	const n = 50
	amount := money.MustParse("5")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.Deposit(ctx, w.ID, amount, "", "", nil); err != nil {
				t.Errorf("concurrent deposit: %v", err)
			}
		}()
	}
	wg.Wait()

	updated, err := e.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := money.MustParse("260") // 10 + 50*5
	if updated.Balance != want {
		t.Fatalf("balance=%s, want %s", updated.Balance, want)
	}
	txs, _ := e.ListTransactions(ctx, TxFilter{WalletID: w.ID, Type: TxDeposit, Limit: 1000})
	if len(txs) != n+1 { // opening deposit plus n concurrent ones
		t.Fatalf("ledger has %d deposits, want %d", len(txs), n+1)
	}
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	e, _ := newTestEngine(t, WithRetry(1000, time.Millisecond))
	ctx := context.Background()
	a := mustWallet(t, e, "owner-a", money.MustParse("1000"))
	b := mustWallet(t, e, "owner-b", money.MustParse("1000"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := e.Transfer(ctx, a.ID, b.ID, money.MustParse("300"), "ab", nil); err != nil {
			t.Errorf("a->b: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := e.Transfer(ctx, b.ID, a.ID, money.MustParse("200"), "ba", nil); err != nil {
			t.Errorf("b->a: %v", err)
		}
	}()
	wg.Wait()

	wa, _ := e.GetWallet(ctx, a.ID)
	wb, _ := e.GetWallet(ctx, b.ID)
	if wa.Balance != money.MustParse("900") || wb.Balance != money.MustParse("1100") {
		t.Fatalf("net balances wrong: a=%s b=%s", wa.Balance, wb.Balance)
	}
}

func TestLedgerReplayReconstructsBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	w := mustWallet(t, e, "owner-1", money.MustParse("100"))
	other := mustWallet(t, e, "owner-2", money.MustParse("100"))

	_, dep, _ := e.Deposit(ctx, w.ID, money.MustParse("40"), "d1", "", nil)
	_, _, _ = e.Withdraw(ctx, w.ID, money.MustParse("25"), "w1", "", nil)
	_, _ = e.Transfer(ctx, w.ID, other.ID, money.MustParse("15"), "t1", nil)
	_, _, _ = e.Refund(ctx, dep.ID, money.MustParse("10"), "r1", "", nil)

	txs, err := e.ListTransactions(ctx, TxFilter{WalletID: w.ID, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	// Oldest first for the fold.
	prev := money.Zero
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.BalanceBefore != prev {
			t.Fatalf("gap in ledger at %s: before=%s, prev after=%s", tx.ID, tx.BalanceBefore, prev)
		}
		prev = tx.BalanceAfter
	}
	current, _ := e.GetWallet(ctx, w.ID)
	if prev != current.Balance {
		t.Fatalf("replayed balance %s != current %s", prev, current.Balance)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func TestEngineEmitsPostCommitEvents(t *testing.T) {
	rec := &recordingNotifier{}
	store := NewInMemory()
	e := NewEngine(store, WithNotifier(rec))
	ctx := context.Background()

	w, err := e.CreateWallet(ctx, "owner-1", TypeCredit, "CREDIT", money.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("10"), "k1", "", nil); err != nil {
		t.Fatal(err)
	}
	// Replay must not re-emit.
	if _, _, err := e.Deposit(ctx, w.ID, money.MustParse("10"), "k1", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Withdraw(ctx, w.ID, money.MustParse("200"), "w1", "", nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatal("expected failure")
	}

	got := rec.names()
	want := []string{EventCreated, EventDeposited}
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
}
