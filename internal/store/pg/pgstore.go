// Package pg implements the durable wallet store on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"walletcore.org/internal/money"
	"walletcore.org/internal/wallet"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

type Store struct {
	db *sql.DB
}

var _ wallet.Store = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; used by cmd/api and the sqlmock tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", wallet.ErrStoreUnavailable, err)
	}
	return nil
}

const walletColumns = `id, owner_id, wallet_type, currency, balance, locked_balance, active, version, created_at, updated_at`

const txColumns = `id, wallet_id, owner_id, tx_type, amount, balance_before, balance_after,
	coalesce(counterparty_wallet_id,''), coalesce(original_transaction_id,''),
	coalesce(idempotency_key,''), coalesce(reference_id,''), metadata, created_at`

func (s *Store) CreateWallet(ctx context.Context, w wallet.Wallet, initial *wallet.Transaction) (wallet.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("%w: %v", wallet.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into wallets(id, owner_id, wallet_type, currency, balance, locked_balance, active, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, w.ID, w.OwnerID, string(w.Type), w.Currency, w.Balance.Units(), w.LockedBalance.Units(),
		w.Active, w.Version, w.CreatedAt, w.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return wallet.Wallet{}, wallet.ErrDuplicateWallet
		}
		return wallet.Wallet{}, err
	}
	if initial != nil {
		if err := insertTransaction(ctx, tx, *initial); err != nil {
			return wallet.Wallet{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `select `+walletColumns+` from wallets where id=$1`, id)
	return scanWallet(row)
}

func (s *Store) ListWallets(ctx context.Context, ownerID string, walletType wallet.Type) ([]wallet.Wallet, error) {
	query := `select ` + walletColumns + ` from wallets where owner_id=$1 and active`
	args := []any{ownerID}
	if walletType != "" {
		query += ` and wallet_type=$2`
		args = append(args, string(walletType))
	}
	query += ` order by created_at asc`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateWallet(ctx context.Context, id string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		update wallets set active=false, version=version+1, updated_at=now()
		where id=$1 and active
		returning `+walletColumns, id)
	w, err := scanWallet(row)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		// Already inactive or genuinely missing; the plain read settles it.
		return s.GetWallet(ctx, id)
	}
	return w, err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (wallet.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+txColumns+` from transactions where id=$1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Transaction{}, wallet.ErrTransactionNotFound
	}
	return t, err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, walletID, key string) (wallet.Transaction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+txColumns+` from transactions
		where wallet_id=$1 and idempotency_key=$2
	`, walletID, key)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, err
	}
	return t, true, nil
}

func (s *Store) SumRefunded(ctx context.Context, originalTxID string) (money.Money, error) {
	var units int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(amount),0) from transactions
		where tx_type=$1 and original_transaction_id=$2
	`, string(wallet.TxRefund), originalTxID).Scan(&units)
	if err != nil {
		return 0, err
	}
	return money.FromUnits(units), nil
}

func (s *Store) ListTransactions(ctx context.Context, f wallet.TxFilter) ([]wallet.Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.WalletID != "" {
		add("wallet_id=$%d", f.WalletID)
	}
	if f.OwnerID != "" {
		add("owner_id=$%d", f.OwnerID)
	}
	if f.Type != "" {
		add("tx_type=$%d", string(f.Type))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `select ` + txColumns + ` from transactions`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by created_at desc, id desc limit $%d`, len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(` offset $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Apply(ctx context.Context, m wallet.Mutation) (wallet.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("%w: %v", wallet.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAndCheck(ctx, tx, m); err != nil {
		return wallet.Wallet{}, err
	}
	if err := insertTransaction(ctx, tx, m.Tx); err != nil {
		return wallet.Wallet{}, err
	}
	updated, err := updateBalance(ctx, tx, m)
	if err != nil {
		return wallet.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return wallet.Wallet{}, err
	}
	return updated, nil
}

func (s *Store) ApplyTransfer(ctx context.Context, debit, credit wallet.Mutation) (wallet.Wallet, wallet.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, fmt.Errorf("%w: %v", wallet.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock both wallets in id order to avoid deadlocks between opposing
	// transfers.
	first, second := debit, credit
	if credit.WalletID < debit.WalletID {
		first, second = credit, debit
	}
	if err := lockAndCheck(ctx, tx, first); err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	if err := lockAndCheck(ctx, tx, second); err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}

	if err := insertTransaction(ctx, tx, debit.Tx); err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	if err := insertTransaction(ctx, tx, credit.Tx); err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	from, err := updateBalance(ctx, tx, debit)
	if err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	to, err := updateBalance(ctx, tx, credit)
	if err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return wallet.Wallet{}, wallet.Wallet{}, err
	}
	return from, to, nil
}

// lockAndCheck takes the wallet's row lock and verifies the expected version
// and, for refunds, the refunded-total bound while the lock is held.
func lockAndCheck(ctx context.Context, tx *sql.Tx, m wallet.Mutation) error {
	var version int64
	err := tx.QueryRowContext(ctx, `select version from wallets where id=$1 for update`, m.WalletID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.ErrWalletNotFound
	}
	if err != nil {
		return err
	}
	if version != m.ExpectedVersion {
		return wallet.ErrConcurrencyConflict
	}
	if m.NewBalance.IsNegative() {
		return wallet.ErrInsufficientBalance
	}
	if m.Refund != nil {
		var refunded int64
		if err := tx.QueryRowContext(ctx, `
			select coalesce(sum(amount),0) from transactions
			where tx_type=$1 and original_transaction_id=$2
		`, string(wallet.TxRefund), m.Refund.OriginalTxID).Scan(&refunded); err != nil {
			return err
		}
		total, err := money.FromUnits(refunded).Add(m.Tx.Amount)
		if err != nil || total.Cmp(m.Refund.Original) > 0 {
			return wallet.ErrRefundExceedsOriginal
		}
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t wallet.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into transactions(id, wallet_id, owner_id, tx_type, amount, balance_before, balance_after,
			counterparty_wallet_id, original_transaction_id, idempotency_key, reference_id, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),nullif($9,''),nullif($10,''),nullif($11,''),$12,$13)
	`, t.ID, t.WalletID, t.OwnerID, string(t.Type), t.Amount.Units(), t.BalanceBefore.Units(), t.BalanceAfter.Units(),
		t.CounterpartyWalletID, t.OriginalTransactionID, t.IdempotencyKey, t.ReferenceID, meta, t.CreatedAt)
	if isUniqueViolation(err) {
		return wallet.ErrIdempotencyKeyTaken
	}
	return err
}

func updateBalance(ctx context.Context, tx *sql.Tx, m wallet.Mutation) (wallet.Wallet, error) {
	row := tx.QueryRowContext(ctx, `
		update wallets set balance=$2, version=version+1, updated_at=$3
		where id=$1
		returning `+walletColumns, m.WalletID, m.NewBalance.Units(), m.Tx.CreatedAt)
	w, err := scanWallet(row)
	if isCheckViolation(err) {
		return wallet.Wallet{}, wallet.ErrInsufficientBalance
	}
	return w, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (wallet.Wallet, error) {
	var (
		w             wallet.Wallet
		walletType    string
		units, locked int64
	)
	err := row.Scan(&w.ID, &w.OwnerID, &walletType, &w.Currency, &units, &locked,
		&w.Active, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.Type = wallet.Type(walletType)
	w.Balance = money.FromUnits(units)
	w.LockedBalance = money.FromUnits(locked)
	return w, nil
}

func scanTransaction(row rowScanner) (wallet.Transaction, error) {
	var (
		t                     wallet.Transaction
		txType                string
		amount, before, after int64
		meta                  []byte
	)
	err := row.Scan(&t.ID, &t.WalletID, &t.OwnerID, &txType, &amount, &before, &after,
		&t.CounterpartyWalletID, &t.OriginalTransactionID, &t.IdempotencyKey, &t.ReferenceID,
		&meta, &t.CreatedAt)
	if err != nil {
		return wallet.Transaction{}, err
	}
	t.Type = wallet.TxType(txType)
	t.Amount = money.FromUnits(amount)
	t.BalanceBefore = money.FromUnits(before)
	t.BalanceAfter = money.FromUnits(after)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return wallet.Transaction{}, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation
}
