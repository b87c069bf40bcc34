package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
)

// Config is the process configuration, read once from the environment at
// startup.
type Config struct {
	Port string

	ServerPrivateKey string
	MostroPubkey     string
	Relays           []string
	EventKind        int

	TokenTTL      time.Duration
	SweepInterval time.Duration
	BatchDelay    time.Duration
	Cooldown      time.Duration

	DedupBackend string
	RedisURL     string

	UnifiedPushStorePath string

	FCMCredentialsFile string
	FCMProjectID       string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                 envOr("PORT", "8000"),
		ServerPrivateKey:     os.Getenv("SERVER_PRIVATE_KEY"),
		MostroPubkey:         os.Getenv("MOSTRO_PUBKEY"),
		EventKind:            envInt("EVENT_KIND", 1059),
		TokenTTL:             time.Duration(envInt("TOKEN_TTL_HOURS", 168)) * time.Hour,
		SweepInterval:        time.Duration(envInt("SWEEP_INTERVAL_MINUTES", 10)) * time.Minute,
		BatchDelay:           time.Duration(envInt("BATCH_DELAY_SECONDS", 5)) * time.Second,
		Cooldown:             time.Duration(envInt("COOLDOWN_SECONDS", 60)) * time.Second,
		DedupBackend:         envOr("DEDUP_BACKEND", "memory"),
		RedisURL:             os.Getenv("REDIS_URL"),
		UnifiedPushStorePath: envOr("UNIFIEDPUSH_STORE_PATH", "unifiedpush.json"),
		FCMCredentialsFile:   os.Getenv("FCM_CREDENTIALS_FILE"),
		FCMProjectID:         os.Getenv("FCM_PROJECT_ID"),
	}

	for _, r := range strings.Split(envOr("NOSTR_RELAYS", "wss://relay.mostro.network"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.Relays = append(cfg.Relays, r)
		}
	}

	if cfg.ServerPrivateKey == "" {
		return nil, fmt.Errorf("SERVER_PRIVATE_KEY is required")
	}
	if !registry.ValidTradePubkey(cfg.MostroPubkey) {
		return nil, fmt.Errorf("MOSTRO_PUBKEY must be 64 hex characters")
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("NOSTR_RELAYS must list at least one relay")
	}
	switch cfg.DedupBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when DEDUP_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown DEDUP_BACKEND %q (memory or redis)", cfg.DedupBackend)
	}
	if cfg.FCMCredentialsFile != "" && cfg.FCMProjectID == "" {
		return nil, fmt.Errorf("FCM_PROJECT_ID is required when FCM_CREDENTIALS_FILE is set")
	}
	return cfg, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
