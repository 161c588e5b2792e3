package report

import (
	"context"
	"testing"
	"time"

	"walletcore.org/internal/money"
	"walletcore.org/internal/wallet"
)

func TestWalletSummary(t *testing.T) {
	ctx := context.Background()
	store := wallet.NewInMemory()
	engine := wallet.NewEngine(store)

	w, err := engine.CreateWallet(ctx, "owner-1", wallet.TypeCredit, "CREDIT", money.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.Deposit(ctx, w.ID, money.MustParse("40"), "d1", "", nil); err != nil {
		t.Fatal(err)
	}
	_, wd, err := engine.Withdraw(ctx, w.ID, money.MustParse("25"), "w1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.Refund(ctx, wd.ID, money.MustParse("10"), "r1", "", nil); err != nil {
		t.Fatal(err)
	}

	s, err := NewReader(store).WalletSummary(ctx, w.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if s.Transactions != 4 {
		t.Fatalf("transactions=%d, want 4", s.Transactions)
	}
	dep := s.ByType[wallet.TxDeposit]
	if dep.Count != 2 || dep.Total != money.MustParse("140") {
		t.Fatalf("deposit totals: %+v", dep)
	}
	ref := s.ByType[wallet.TxRefund]
	if ref.Count != 1 || ref.Total != money.MustParse("10") {
		t.Fatalf("refund totals: %+v", ref)
	}
	// 100 opening + 40 deposit + 10 refund of the withdraw.
	if s.TotalIn != money.MustParse("150") {
		t.Fatalf("TotalIn=%s", s.TotalIn)
	}
	if s.TotalOut != money.MustParse("25") {
		t.Fatalf("TotalOut=%s", s.TotalOut)
	}

	// In minus out reconciles with the current balance.
	net, err := s.TotalIn.Sub(s.TotalOut)
	if err != nil {
		t.Fatal(err)
	}
	current, _ := engine.GetWallet(ctx, w.ID)
	if net != current.Balance {
		t.Fatalf("net %s != balance %s", net, current.Balance)
	}
}

func TestOwnerSummarySpansWallets(t *testing.T) {
	ctx := context.Background()
	store := wallet.NewInMemory()
	engine := wallet.NewEngine(store)

	a, _ := engine.CreateWallet(ctx, "owner-1", wallet.TypeCredit, "CREDIT", money.MustParse("50"))
	b, _ := engine.CreateWallet(ctx, "owner-1", wallet.TypeCredit, "CREDIT", money.MustParse("30"))
	other, _ := engine.CreateWallet(ctx, "owner-2", wallet.TypeCredit, "CREDIT", money.MustParse("999"))

	if _, _, err := engine.Consume(ctx, a.ID, money.MustParse("5"), "c1", "job", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.Consume(ctx, b.ID, money.MustParse("3"), "c2", "job", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.Consume(ctx, other.ID, money.MustParse("7"), "c3", "job", nil); err != nil {
		t.Fatal(err)
	}

	s, err := NewReader(store).OwnerSummary(ctx, "owner-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	cons := s.ByType[wallet.TxConsume]
	if cons.Count != 2 || cons.Total != money.MustParse("8") {
		t.Fatalf("consume totals: %+v", cons)
	}
	if s.Transactions != 4 { // two openings + two consumes
		t.Fatalf("transactions=%d, want 4", s.Transactions)
	}
}
