package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"walletcore.org/internal/money"
	"walletcore.org/internal/wallet"
)

type createWalletRequest struct {
	OwnerID        string      `json:"owner_id"`
	Type           string      `json:"type"`
	Currency       string      `json:"currency"`
	InitialBalance money.Money `json:"initial_balance"`
}

type amountRequest struct {
	Amount         money.Money       `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	ReferenceID    string            `json:"reference_id"`
	Metadata       map[string]string `json:"metadata"`
}

type transferRequest struct {
	FromWalletID   string            `json:"from_wallet_id"`
	ToWalletID     string            `json:"to_wallet_id"`
	Amount         money.Money       `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

type refundRequest struct {
	TransactionID  string            `json:"transaction_id"`
	Amount         money.Money       `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Reason         string            `json:"reason"`
	Metadata       map[string]string `json:"metadata"`
}

type mutationResponse struct {
	Wallet      wallet.Wallet      `json:"wallet"`
	Transaction wallet.Transaction `json:"transaction"`
}

type listTransactionsResponse struct {
	Items []wallet.Transaction `json:"items"`
	AsOf  time.Time            `json:"as_of"`
}

func (a *API) handleWalletsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createWallet(w, r)
	case http.MethodGet:
		a.listWallets(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleWalletResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/wallets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getWallet(w, r, id)
	case "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, id)
	case "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listWalletTransactions(w, r, id)
	case "summary":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.walletSummary(w, r, id)
	case "deposit":
		a.mutate(w, r, id, wallet.TxDeposit)
	case "withdraw":
		a.mutate(w, r, id, wallet.TxWithdraw)
	case "consume":
		a.mutate(w, r, id, wallet.TxConsume)
	case "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivateWallet(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleOwnerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/owners/")
	ownerID, action, _ := strings.Cut(path, "/")
	if ownerID == "" || action != "summary" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.ownerSummary(w, r, ownerID)
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.transfer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleRefunds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.refund(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tx, err := a.engine.GetTransaction(r.Context(), id)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) createWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.engine.CreateWallet(r.Context(), req.OwnerID,
		wallet.Type(strings.ToUpper(strings.TrimSpace(req.Type))), req.Currency, req.InitialBalance)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}

	a.audit(r.Context(), "wallet.create", "wallet", created.ID, map[string]string{
		"owner_id":        created.OwnerID,
		"wallet_type":     string(created.Type),
		"currency":        created.Currency,
		"initial_balance": created.Balance.String(),
	})

	w.Header().Set("Location", "/v1/wallets/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listWallets(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	walletType := wallet.Type(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type"))))

	wallets, err := a.engine.ListWallets(r.Context(), ownerID, walletType)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": wallets})
}

func (a *API) getWallet(w http.ResponseWriter, r *http.Request, id string) {
	wal, err := a.engine.GetWallet(r.Context(), id)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	wal, err := a.engine.GetWallet(r.Context(), id)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wal.ID,
		"currency":  wal.Currency,
		"balance":   wal.Balance,
		"as_of":     wal.UpdatedAt,
	})
}

func (a *API) deactivateWallet(w http.ResponseWriter, r *http.Request, id string) {
	wal, err := a.engine.DeactivateWallet(r.Context(), id)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	a.audit(r.Context(), "wallet.deactivate", "wallet", wal.ID, nil)
	writeJSON(w, http.StatusOK, wal)
}

func (a *API) mutate(w http.ResponseWriter, r *http.Request, id string, txType wallet.TxType) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, err := resolveIdempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		wal wallet.Wallet
		tx  wallet.Transaction
	)
	switch txType {
	case wallet.TxDeposit:
		wal, tx, err = a.engine.Deposit(r.Context(), id, req.Amount, idem, req.ReferenceID, req.Metadata)
	case wallet.TxWithdraw:
		wal, tx, err = a.engine.Withdraw(r.Context(), id, req.Amount, idem, req.ReferenceID, req.Metadata)
	case wallet.TxConsume:
		wal, tx, err = a.engine.Consume(r.Context(), id, req.Amount, idem, req.ReferenceID, req.Metadata)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleWalletError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	a.audit(r.Context(), "wallet."+strings.ToLower(string(txType)), "transaction", tx.ID, map[string]string{
		"wallet_id": wal.ID,
		"amount":    tx.Amount.String(),
	})
	writeJSON(w, http.StatusCreated, mutationResponse{Wallet: wal, Transaction: tx})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, err := resolveIdempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	fromID := strings.TrimSpace(req.FromWalletID)
	toID := strings.TrimSpace(req.ToWalletID)
	if fromID == "" || toID == "" {
		writeError(w, r, http.StatusBadRequest, "from_wallet_id and to_wallet_id are required")
		return
	}

	res, err := a.engine.Transfer(r.Context(), fromID, toID, req.Amount, idem, req.Metadata)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	a.audit(r.Context(), "wallet.transfer", "transaction", res.Out.ID, map[string]string{
		"from_wallet": fromID,
		"to_wallet":   toID,
		"amount":      res.Out.Amount.String(),
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, err := resolveIdempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		writeError(w, r, http.StatusBadRequest, "transaction_id is required")
		return
	}

	wal, tx, err := a.engine.Refund(r.Context(), txID, req.Amount, idem, req.Reason, req.Metadata)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	a.audit(r.Context(), "wallet.refund", "transaction", tx.ID, map[string]string{
		"wallet_id":   wal.ID,
		"original_tx": txID,
		"amount":      tx.Amount.String(),
	})
	writeJSON(w, http.StatusCreated, mutationResponse{Wallet: wal, Transaction: tx})
}

func (a *API) listWalletTransactions(w http.ResponseWriter, r *http.Request, id string) {
	f, err := parseTxFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.WalletID = id
	a.serveTransactions(w, r, f)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseTxFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.WalletID = strings.TrimSpace(r.URL.Query().Get("wallet_id"))
	f.OwnerID = strings.TrimSpace(r.URL.Query().Get("owner_id"))
	a.serveTransactions(w, r, f)
}

func (a *API) serveTransactions(w http.ResponseWriter, r *http.Request, f wallet.TxFilter) {
	items, err := a.engine.ListTransactions(r.Context(), f)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) walletSummary(w http.ResponseWriter, r *http.Request, id string) {
	if a.reader == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reporting disabled")
		return
	}
	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s, err := a.reader.WalletSummary(r.Context(), id, from, to)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) ownerSummary(w http.ResponseWriter, r *http.Request, ownerID string) {
	if a.reader == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reporting disabled")
		return
	}
	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s, err := a.reader.OwnerSummary(r.Context(), ownerID, from, to)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- request plumbing ---

func resolveIdempotencyKey(r *http.Request, bodyKey string) (string, error) {
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey = strings.TrimSpace(bodyKey)
	if bodyKey != "" {
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			return "", errors.New("Idempotency-Key header and body value must match")
		}
	}
	if len(idem) > 128 {
		return "", errors.New("Idempotency-Key too long")
	}
	return idem, nil
}

func parseTxFilter(r *http.Request) (wallet.TxFilter, error) {
	var f wallet.TxFilter
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		return f, err
	}
	f.Limit = limit

	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		t := wallet.TxType(strings.ToUpper(raw))
		if !t.Valid() {
			return f, errors.New("unknown transaction type")
		}
		f.Type = t
	}
	f.From, f.To, err = parseTimeRange(r)
	return f, err
}

func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("from must be RFC3339")
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("to must be RFC3339")
		}
	}
	return from, to, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleWalletError(w http.ResponseWriter, r *http.Request, err error) {
	var ib *wallet.InsufficientBalanceError
	if errors.As(err, &ib) {
		payload := map[string]any{
			"error":     err.Error(),
			"wallet_id": ib.WalletID,
			"requested": ib.Requested,
			"available": ib.Available,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}

	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidWalletType),
		errors.Is(err, wallet.ErrInvalidOwner),
		errors.Is(err, wallet.ErrInvalidCurrency),
		errors.Is(err, wallet.ErrSameWallet),
		errors.Is(err, money.ErrMalformed),
		errors.Is(err, money.ErrRange):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, wallet.ErrTransactionNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, wallet.ErrDuplicateWallet),
		errors.Is(err, wallet.ErrWalletInactive),
		errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrNotRefundable),
		errors.Is(err, wallet.ErrRefundExceedsOriginal),
		errors.Is(err, wallet.ErrIdempotencyConflict),
		errors.Is(err, wallet.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, wallet.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
