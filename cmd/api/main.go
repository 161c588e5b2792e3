package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletcore.org/internal/config"
	"walletcore.org/internal/httpapi"
	"walletcore.org/internal/obs"
	"walletcore.org/internal/store/pg"
	"walletcore.org/internal/stream"
	"walletcore.org/internal/wallet"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := config.Load()

	// Postgres when a DSN is configured, in-memory otherwise.
	var (
		store   wallet.Store
		closeFn func() error
	)
	if cfg.PostgresDSN != "" {
		st, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db := st.DB()
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		store = st
		closeFn = st.Close
	} else {
		log.Println("WALLETCORE_PG_DSN is not set, using in-memory store")
		store = wallet.NewInMemory()
	}

	events := stream.New()
	notifier := wallet.NewAsyncNotifier(events, cfg.NotifierBuffer)

	engine := wallet.NewEngine(store, wallet.WithNotifier(notifier))

	api := httpapi.New(engine, httpapi.Options{
		Store:          store,
		Stream:         events,
		Version:        version,
		RequireAuth:    os.Getenv("WALLETCORE_AUTH_SECRET") != "",
		TokenTTL:       cfg.TokenTTL,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimitRPS:   cfg.RateLimitPerSec,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting walletcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	notifier.Close()
	if closeFn != nil {
		_ = closeFn()
	}
	log.Println("Stopped")
}
