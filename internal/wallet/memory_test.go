package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"walletcore.org/internal/money"
)

func seedWallet(t *testing.T, s *InMemory, id, owner string, balance money.Money) Wallet {
	t.Helper()
	w := Wallet{
		ID:        id,
		OwnerID:   owner,
		Type:      TypeCredit,
		Currency:  "CREDIT",
		Balance:   balance,
		Active:    true,
		Version:   1,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	created, err := s.CreateWallet(context.Background(), w, nil)
	if err != nil {
		t.Fatalf("seed wallet %s: %v", id, err)
	}
	return created
}

func seedTx(walletID, owner string, typ TxType, amount, before, after money.Money, key string) Transaction {
	return Transaction{
		ID:             "txn_" + walletID + "_" + key,
		WalletID:       walletID,
		OwnerID:        owner,
		Type:           typ,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestApplyVersionConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.MustParse("100"))

	m := Mutation{
		WalletID:        w.ID,
		ExpectedVersion: w.Version,
		NewBalance:      money.MustParse("150"),
		Tx:              seedTx(w.ID, w.OwnerID, TxDeposit, money.MustParse("50"), w.Balance, money.MustParse("150"), "k1"),
	}
	updated, err := s.Apply(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != w.Version+1 || updated.Balance != money.MustParse("150") {
		t.Fatalf("unexpected wallet after apply: %+v", updated)
	}

	// A second commit against the stale version must fail untouched.
	m.Tx = seedTx(w.ID, w.OwnerID, TxDeposit, money.MustParse("50"), w.Balance, money.MustParse("150"), "k2")
	if _, err := s.Apply(ctx, m); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	after, _ := s.GetWallet(ctx, w.ID)
	if after.Balance != money.MustParse("150") {
		t.Fatalf("failed commit mutated balance: %s", after.Balance)
	}
}

func TestApplyIdempotencyKeyTaken(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.Zero)

	m := Mutation{
		WalletID:        w.ID,
		ExpectedVersion: 1,
		NewBalance:      money.MustParse("10"),
		Tx:              seedTx(w.ID, w.OwnerID, TxDeposit, money.MustParse("10"), money.Zero, money.MustParse("10"), "dup"),
	}
	if _, err := s.Apply(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.ExpectedVersion = 2
	m.Tx.ID = "txn_other"
	if _, err := s.Apply(ctx, m); !errors.Is(err, ErrIdempotencyKeyTaken) {
		t.Fatalf("expected ErrIdempotencyKeyTaken, got %v", err)
	}

	got, found, err := s.FindByIdempotencyKey(ctx, w.ID, "dup")
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if got.Amount != money.MustParse("10") {
		t.Fatalf("wrong recorded tx: %+v", got)
	}
}

func TestApplyRejectsNegativeBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.MustParse("5"))

	m := Mutation{
		WalletID:        w.ID,
		ExpectedVersion: 1,
		NewBalance:      money.FromUnits(-1),
		Tx:              seedTx(w.ID, w.OwnerID, TxWithdraw, money.MustParse("6"), w.Balance, money.FromUnits(-1), "k1"),
	}
	if _, err := s.Apply(ctx, m); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestApplyRefundGuard(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.MustParse("100"))

	orig := seedTx(w.ID, w.OwnerID, TxWithdraw, money.MustParse("40"), money.MustParse("140"), money.MustParse("100"), "orig")
	if _, err := s.Apply(ctx, Mutation{WalletID: w.ID, ExpectedVersion: 1, NewBalance: money.MustParse("100"), Tx: orig}); err != nil {
		t.Fatal(err)
	}

	refund := func(version int64, amount money.Money, key string) error {
		bal, _ := s.GetWallet(ctx, w.ID)
		newBal, _ := bal.Balance.Add(amount)
		tx := seedTx(w.ID, w.OwnerID, TxRefund, amount, bal.Balance, newBal, key)
		tx.OriginalTransactionID = orig.ID
		_, err := s.Apply(ctx, Mutation{
			WalletID:        w.ID,
			ExpectedVersion: version,
			NewBalance:      newBal,
			Tx:              tx,
			Refund:          &RefundGuard{OriginalTxID: orig.ID, Original: orig.Amount},
		})
		return err
	}

	if err := refund(2, money.MustParse("30"), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := refund(3, money.MustParse("20"), "r2"); !errors.Is(err, ErrRefundExceedsOriginal) {
		t.Fatalf("expected ErrRefundExceedsOriginal, got %v", err)
	}

	sum, err := s.SumRefunded(ctx, orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum != money.MustParse("30") {
		t.Fatalf("refunded sum=%s, want 30", sum)
	}
}

func TestApplyTransferValidatesBothBeforeCommit(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := seedWallet(t, s, "wal_a", "owner-a", money.MustParse("100"))
	b := seedWallet(t, s, "wal_b", "owner-b", money.MustParse("50"))

	debit := Mutation{
		WalletID:        a.ID,
		ExpectedVersion: 1,
		NewBalance:      money.MustParse("70"),
		Tx:              seedTx(a.ID, a.OwnerID, TxTransferOut, money.MustParse("30"), a.Balance, money.MustParse("70"), "t1"),
	}
	credit := Mutation{
		WalletID:        b.ID,
		ExpectedVersion: 99, // stale
		NewBalance:      money.MustParse("80"),
		Tx:              seedTx(b.ID, b.OwnerID, TxTransferIn, money.MustParse("30"), b.Balance, money.MustParse("80"), "t1"),
	}
	if _, _, err := s.ApplyTransfer(ctx, debit, credit); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	// Neither side moved.
	fa, _ := s.GetWallet(ctx, a.ID)
	fb, _ := s.GetWallet(ctx, b.ID)
	if fa.Balance != money.MustParse("100") || fb.Balance != money.MustParse("50") {
		t.Fatalf("partial commit: a=%s b=%s", fa.Balance, fb.Balance)
	}
	if _, found, _ := s.FindByIdempotencyKey(ctx, a.ID, "t1"); found {
		t.Fatal("debit leg recorded despite failure")
	}
}

func TestListWalletsFilters(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedWallet(t, s, "wal_1", "owner-1", money.Zero)

	fiat := Wallet{
		ID: "wal_2", OwnerID: "owner-1", Type: TypeFiat, Currency: "USD",
		Active: true, Version: 1, CreatedAt: time.Now().UTC().Add(time.Second),
	}
	if _, err := s.CreateWallet(ctx, fiat, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeactivateWallet(ctx, "wal_1"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListWallets(ctx, "owner-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "wal_2" {
		t.Fatalf("expected only the active fiat wallet, got %+v", all)
	}
	byType, _ := s.ListWallets(ctx, "owner-1", TypeCredit)
	if len(byType) != 0 {
		t.Fatalf("inactive wallet leaked through type filter: %+v", byType)
	}
}

func TestListTransactionsPagingAndOrder(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.Zero)

	version := int64(1)
	balance := money.Zero
	for i := 0; i < 5; i++ {
		amount := money.FromUnits(int64(i+1) * 100)
		next, _ := balance.Add(amount)
		tx := seedTx(w.ID, w.OwnerID, TxDeposit, amount, balance, next, "")
		tx.ID = tx.ID + string(rune('a'+i))
		tx.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if _, err := s.Apply(ctx, Mutation{WalletID: w.ID, ExpectedVersion: version, NewBalance: next, Tx: tx}); err != nil {
			t.Fatal(err)
		}
		version++
		balance = next
	}

	page, err := s.ListTransactions(ctx, TxFilter{WalletID: w.ID, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page size=%d, want 2", len(page))
	}
	// Newest first; offset 1 skips the newest.
	if page[0].Amount != money.FromUnits(400) || page[1].Amount != money.FromUnits(300) {
		t.Fatalf("wrong page: %s, %s", page[0].Amount, page[1].Amount)
	}
}

func TestStoreCopiesMetadata(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	w := seedWallet(t, s, "wal_1", "owner-1", money.Zero)

	meta := map[string]string{"reason": "promo"}
	tx := seedTx(w.ID, w.OwnerID, TxDeposit, money.MustParse("1"), money.Zero, money.MustParse("1"), "k1")
	tx.Metadata = meta
	if _, err := s.Apply(ctx, Mutation{WalletID: w.ID, ExpectedVersion: 1, NewBalance: money.MustParse("1"), Tx: tx}); err != nil {
		t.Fatal(err)
	}
	meta["reason"] = "mutated"

	stored, _, err := s.FindByIdempotencyKey(ctx, w.ID, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Metadata["reason"] != "promo" {
		t.Fatalf("stored metadata aliased caller map: %v", stored.Metadata)
	}
}
