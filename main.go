package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/batch"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/crypto"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/dedup"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/dispatch"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/push"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/relay"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/upstore"
)

const version = "0.2.0"

// Request body size limits
const (
	maxBodySize = 32 * 1024 // 32KB for POST requests
)

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// apiHeaders wraps an HTTP handler to add response headers for API endpoints
func apiHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Referrer policy - don't leak full URLs to external sites
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next(w, r)
	}
}

func main() {
	InitLogger()

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	box, err := crypto.New(cfg.ServerPrivateKey)
	if err != nil {
		slog.Error("invalid server private key", "error", err)
		os.Exit(1)
	}
	slog.Info("server identity loaded", "pubkey", box.PublicKeyHex())

	store := upstore.New(cfg.UnifiedPushStorePath)
	reg := registry.New(box, cfg.TokenTTL, store)
	if loaded, err := reg.LoadPersisted(); err != nil {
		// A corrupt store file is not fatal: start empty, keep serving
		slog.Warn("could not load persisted registrations, starting empty",
			"path", cfg.UnifiedPushStorePath, "error", err)
	} else if loaded > 0 {
		slog.Info("restored persisted registrations", "count", loaded)
	}

	var dd dedup.Store
	switch cfg.DedupBackend {
	case "redis":
		dd, err = dedup.NewRedis(cfg.RedisURL, dedup.DefaultWindow)
		if err != nil {
			slog.Error("redis dedup backend unavailable", "error", err)
			os.Exit(1)
		}
		slog.Info("dedup backend ready", "backend", "redis")
	default:
		dd = dedup.NewMemory(dedup.DefaultWindow)
		slog.Info("dedup backend ready", "backend", "memory")
	}
	defer dd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	senders := map[registry.Backend]push.Sender{
		registry.BackendUnifiedPush: push.NewUnifiedPush(),
	}
	if cfg.FCMCredentialsFile != "" {
		fcm, err := push.NewFCM(ctx, cfg.FCMCredentialsFile, cfg.FCMProjectID)
		if err != nil {
			slog.Error("FCM sender init failed", "error", err)
			os.Exit(1)
		}
		senders[registry.BackendFCM] = fcm
		slog.Info("FCM sender ready", "project", cfg.FCMProjectID)
	} else {
		slog.Warn("FCM_CREDENTIALS_FILE not set, FCM delivery disabled")
	}

	dispatcher := dispatch.New(reg, senders)

	scheduler := batch.New(cfg.BatchDelay, cfg.Cooldown, func(tradePubkey string) {
		notifySignalsTotal.Add(1)
		go func() {
			sent, err := dispatcher.Notify(ctx, tradePubkey)
			switch {
			case err != nil:
				IncrementPushFailed()
			case sent:
				IncrementPushSent()
			default:
				IncrementPushDropped()
			}
		}()
	})
	scheduler.Start()

	listener := relay.New(relay.Config{
		Relays:       cfg.Relays,
		Kind:         cfg.EventKind,
		AuthorPubkey: cfg.MostroPubkey,
	}, dd, reg.Has, func(a relay.Arrival) {
		scheduler.Arrive(a.TradePubkey)
	})
	listener.Start()

	// Periodic expiry sweep
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := reg.Sweep(); n > 0 {
					slog.Info("swept expired tokens", "count", n)
				}
			}
		}
	}()

	app := &App{
		cfg:        cfg,
		box:        box,
		registry:   reg,
		scheduler:  scheduler,
		listener:   listener,
		dispatcher: dispatcher,
		startTime:  time.Now(),
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"port", cfg.Port,
			"relays", cfg.Relays,
			"kind", cfg.EventKind,
		)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}

	stop()
	listener.Stop()
	scheduler.Stop()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	slog.Info("shutdown complete")
}
