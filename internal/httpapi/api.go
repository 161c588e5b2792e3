// Package httpapi is the HTTP surface of the wallet service.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"walletcore.org/internal/audit"
	"walletcore.org/internal/obs"
	"walletcore.org/internal/report"
	"walletcore.org/internal/stream"
	"walletcore.org/internal/wallet"
)

// Options carries everything the API needs besides the engine.
type Options struct {
	Store   wallet.Store // readiness probe target
	Stream  *stream.Stream
	Version string

	RequireAuth bool
	TokenTTL    time.Duration

	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP layer over the ledger engine.
type API struct {
	mux     *http.ServeMux
	engine  *wallet.Engine
	reader  *report.Reader
	store   wallet.Store
	stream  *stream.Stream
	version string

	requireAuth    bool
	tokenTTL       time.Duration
	maxBodyBytes   int64
	rateLimitRPS   float64
	rateLimitBurst int
}

func New(engine *wallet.Engine, opts Options) *API {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	a := &API{
		mux:            http.NewServeMux(),
		engine:         engine,
		store:          opts.Store,
		stream:         opts.Stream,
		version:        opts.Version,
		requireAuth:    opts.RequireAuth,
		tokenTTL:       opts.TokenTTL,
		maxBodyBytes:   opts.MaxBodyBytes,
		rateLimitRPS:   opts.RateLimitRPS,
		rateLimitBurst: opts.RateLimitBurst,
	}
	if opts.Store != nil {
		a.reader = report.NewReader(opts.Store)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// ledger
	a.mux.HandleFunc("/v1/wallets", a.handleWalletsCollection)
	a.mux.HandleFunc("/v1/wallets/", a.handleWalletResource)
	a.mux.HandleFunc("/v1/transfers", a.handleTransfers)
	a.mux.HandleFunc("/v1/refunds", a.handleRefunds)
	a.mux.HandleFunc("/v1/transactions", a.handleTransactions)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionResource)
	a.mux.HandleFunc("/v1/owners/", a.handleOwnerResource)
	a.mux.HandleFunc("/v1/events", a.StreamEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	if a.rateLimitRPS > 0 {
		h = RateLimit(h, a.rateLimitBurst, a.rateLimitRPS)
	}
	if a.maxBodyBytes > 0 {
		h = MaxBodyBytes(h, a.maxBodyBytes)
	}
	h = Logging(h)
	h = RequestID(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "walletcore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "walletcore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event, entity, id string, fields map[string]string) {
	payload := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range fields {
		payload[k] = v
	}
	_ = audit.LogEvent(ctx, event, payload)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
