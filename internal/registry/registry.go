// Package registry owns the trade_pubkey -> device token mapping. It is the
// only shared mutable state in the process: the HTTP layer writes it, the
// dispatcher and relay listener read it, and the sweep timer expires it, all
// under a single RWMutex.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/crypto"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/upstore"
)

var (
	ErrInvalidPubkey   = errors.New("invalid trade pubkey")
	ErrNotFound        = errors.New("token not found")
	ErrUnknownPlatform = errors.New("unknown push platform")
)

// Backend selects the delivery mechanism for a registered token.
type Backend int

const (
	BackendFCM Backend = iota
	BackendUnifiedPush
)

func (b Backend) String() string {
	switch b {
	case BackendFCM:
		return "fcm"
	case BackendUnifiedPush:
		return "unifiedpush"
	default:
		return "unknown"
	}
}

// DeviceToken is a decrypted, in-memory registration. The raw value is never
// written to durable storage for FCM tokens and never logged.
type DeviceToken struct {
	Platform     crypto.Platform
	Backend      Backend
	Value        string
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Stats is the aggregate shape reported by /api/status.
type Stats struct {
	Total   int `json:"total"`
	Android int `json:"android"`
	IOS     int `json:"ios"`
}

// Persister stores UnifiedPush registrations durably. May be nil when the
// deployment runs FCM-only.
type Persister interface {
	Load() ([]upstore.Registration, error)
	Save([]upstore.Registration) error
}

// Registry maps trade pubkeys to device tokens with TTL expiry.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]DeviceToken

	box   *crypto.TokenCrypto
	ttl   time.Duration
	store Persister

	now func() time.Time
}

// New builds a registry decrypting registrations with box. Entries live for
// ttl after each (re-)registration. store may be nil.
func New(box *crypto.TokenCrypto, ttl time.Duration, store Persister) *Registry {
	return &Registry{
		tokens: make(map[string]DeviceToken),
		box:    box,
		ttl:    ttl,
		store:  store,
		now:    time.Now,
	}
}

// ValidTradePubkey reports whether s looks like a 64-char hex pubkey.
func ValidTradePubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// classifyBackend decides how a decrypted token is delivered: UnifiedPush
// registrations arrive as endpoint URLs, FCM registration ids are opaque
// strings without a scheme.
func classifyBackend(token string) (Backend, error) {
	if token == "" {
		return 0, ErrUnknownPlatform
	}
	if strings.HasPrefix(token, "https://") || strings.HasPrefix(token, "http://") {
		return BackendUnifiedPush, nil
	}
	if strings.Contains(token, "://") {
		return 0, fmt.Errorf("%w: unrecognized endpoint scheme", ErrUnknownPlatform)
	}
	return BackendFCM, nil
}

// LoadPersisted restores UnifiedPush registrations from the durable store,
// skipping entries that expired while the process was down. Returns the
// number of restored entries.
func (r *Registry) LoadPersisted() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	regs, err := r.store.Load()
	if err != nil {
		return 0, err
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, reg := range regs {
		if !ValidTradePubkey(reg.DeviceID) || !now.Before(reg.ExpiresAt) {
			continue
		}
		platform := crypto.PlatformAndroid
		if reg.Platform == crypto.PlatformIOS.String() {
			platform = crypto.PlatformIOS
		}
		r.tokens[reg.DeviceID] = DeviceToken{
			Platform:     platform,
			Backend:      BackendUnifiedPush,
			Value:        reg.EndpointURL,
			RegisteredAt: reg.RegisteredAt,
			ExpiresAt:    reg.ExpiresAt,
		}
		restored++
	}
	return restored, nil
}

// Register decrypts an encrypted token and upserts it under tradePubkey.
// Re-registration overwrites the previous entry and refreshes its TTL.
func (r *Registry) Register(tradePubkey string, encryptedToken []byte) (crypto.Platform, Backend, error) {
	if !ValidTradePubkey(tradePubkey) {
		return 0, 0, ErrInvalidPubkey
	}

	platform, token, err := r.box.Open(encryptedToken)
	if err != nil {
		return 0, 0, err
	}
	backend, err := classifyBackend(token)
	if err != nil {
		return 0, 0, err
	}

	now := r.now()
	entry := DeviceToken{
		Platform:     platform,
		Backend:      backend,
		Value:        token,
		RegisteredAt: now,
		ExpiresAt:    now.Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	previous, existed := r.tokens[tradePubkey]
	r.tokens[tradePubkey] = entry

	// The durable file only ever holds UnifiedPush endpoints. Persisting
	// under the same lock keeps the on-disk snapshot ordered with respect
	// to concurrent mutations. Best effort: the registration is already
	// live in memory and the next mutation rewrites the file.
	if backend == BackendUnifiedPush || (existed && previous.Backend == BackendUnifiedPush) {
		if err := r.persistLocked(); err != nil {
			slog.Warn("could not persist registrations", "error", err)
		}
	}
	return platform, backend, nil
}

// Unregister removes the entry for tradePubkey. ErrNotFound reports that the
// entry was already absent; callers treat that as success but may surface a
// different message.
func (r *Registry) Unregister(tradePubkey string) error {
	if !ValidTradePubkey(tradePubkey) {
		return ErrInvalidPubkey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tokens[tradePubkey]
	if !ok {
		return ErrNotFound
	}
	delete(r.tokens, tradePubkey)
	if entry.Backend == BackendUnifiedPush {
		if err := r.persistLocked(); err != nil {
			slog.Warn("could not persist registrations", "error", err)
		}
	}
	return nil
}

// Lookup returns the current token for tradePubkey. Expired entries are not
// returned even before the periodic sweep removes them.
func (r *Registry) Lookup(tradePubkey string) (DeviceToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[tradePubkey]
	if !ok || !r.now().Before(entry.ExpiresAt) {
		return DeviceToken{}, false
	}
	return entry, true
}

// Has reports whether tradePubkey currently has a live registration. Cheap
// probe used by the relay listener to drop events for unknown recipients.
func (r *Registry) Has(tradePubkey string) bool {
	_, ok := r.Lookup(tradePubkey)
	return ok
}

// Sweep removes all expired entries and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	persistNeeded := false
	for pk, entry := range r.tokens {
		if now.Before(entry.ExpiresAt) {
			continue
		}
		delete(r.tokens, pk)
		removed++
		if entry.Backend == BackendUnifiedPush {
			persistNeeded = true
		}
	}
	if persistNeeded {
		// Best effort; the next mutation rewrites the file anyway.
		_ = r.persistLocked()
	}
	return removed
}

// Stats counts live entries by platform.
func (r *Registry) Stats() Stats {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, entry := range r.tokens {
		if !now.Before(entry.ExpiresAt) {
			continue
		}
		s.Total++
		switch entry.Platform {
		case crypto.PlatformAndroid:
			s.Android++
		case crypto.PlatformIOS:
			s.IOS++
		}
	}
	return s
}

// persistLocked snapshots the UnifiedPush subset to the durable store.
// Caller must hold the write lock.
func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	regs := make([]upstore.Registration, 0)
	for pk, entry := range r.tokens {
		if entry.Backend != BackendUnifiedPush {
			continue
		}
		regs = append(regs, upstore.Registration{
			DeviceID:     pk,
			EndpointURL:  entry.Value,
			Platform:     entry.Platform.String(),
			RegisteredAt: entry.RegisteredAt,
			ExpiresAt:    entry.ExpiresAt,
		})
	}
	return r.store.Save(regs)
}
