package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/crypto"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/push"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
)

const testPubkey = "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0a1b2"

type fakeSender struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakeSender) Send(_ context.Context, token string, _ push.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.err
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func setup(t *testing.T) (*registry.Registry, *crypto.TokenCrypto) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := crypto.New(hex.EncodeToString(priv.Serialize()))
	if err != nil {
		t.Fatal(err)
	}
	return registry.New(box, time.Hour, nil), box
}

func register(t *testing.T, reg *registry.Registry, box *crypto.TokenCrypto, pubkey, token string) {
	t.Helper()
	sealed, err := crypto.Seal(box.PublicKey(), crypto.PlatformAndroid, token)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.Register(pubkey, sealed); err != nil {
		t.Fatal(err)
	}
}

func TestNotifyRoutesByBackend(t *testing.T) {
	reg, box := setup(t)
	fcm := &fakeSender{}
	up := &fakeSender{}
	d := New(reg, map[registry.Backend]push.Sender{
		registry.BackendFCM:         fcm,
		registry.BackendUnifiedPush: up,
	})

	upKey := "e000000000000000000000000000000000000000000000000000000000000001"
	register(t, reg, box, testPubkey, "fcm-token-1")
	register(t, reg, box, upKey, "https://push.example/up/1")

	if sent, err := d.Notify(context.Background(), testPubkey); err != nil || !sent {
		t.Fatalf("Notify(fcm) = (%v, %v)", sent, err)
	}
	if sent, err := d.Notify(context.Background(), upKey); err != nil || !sent {
		t.Fatalf("Notify(up) = (%v, %v)", sent, err)
	}

	if got := fcm.sent(); len(got) != 1 || got[0] != "fcm-token-1" {
		t.Errorf("fcm sends = %v", got)
	}
	if got := up.sent(); len(got) != 1 || got[0] != "https://push.example/up/1" {
		t.Errorf("unifiedpush sends = %v", got)
	}
}

func TestNotifyUnknownRecipientIsSilent(t *testing.T) {
	reg, _ := setup(t)
	fcm := &fakeSender{}
	d := New(reg, map[registry.Backend]push.Sender{registry.BackendFCM: fcm})

	sent, err := d.Notify(context.Background(), testPubkey)
	if err != nil {
		t.Fatalf("Notify for unknown pubkey errored: %v", err)
	}
	if sent {
		t.Error("Notify reported an attempt for an unknown pubkey")
	}
	if len(fcm.sent()) != 0 {
		t.Error("push attempted for an unregistered pubkey")
	}
}

func TestNotifyAfterUnregister(t *testing.T) {
	reg, box := setup(t)
	fcm := &fakeSender{}
	d := New(reg, map[registry.Backend]push.Sender{registry.BackendFCM: fcm})

	register(t, reg, box, testPubkey, "tok")
	if err := reg.Unregister(testPubkey); err != nil {
		t.Fatal(err)
	}

	if sent, _ := d.Notify(context.Background(), testPubkey); sent {
		t.Error("push attempted after unregister")
	}
}

func TestNotifySendFailureSurfaces(t *testing.T) {
	reg, box := setup(t)
	fcm := &fakeSender{err: errors.New("backend down")}
	d := New(reg, map[registry.Backend]push.Sender{registry.BackendFCM: fcm})

	register(t, reg, box, testPubkey, "tok")

	sent, err := d.Notify(context.Background(), testPubkey)
	if !sent {
		t.Error("failed send not reported as attempted")
	}
	if err == nil {
		t.Error("send failure swallowed")
	}
}

func TestNotifyMissingSenderDrops(t *testing.T) {
	reg, box := setup(t)
	d := New(reg, map[registry.Backend]push.Sender{})

	register(t, reg, box, testPubkey, "tok")

	sent, err := d.Notify(context.Background(), testPubkey)
	if err != nil || sent {
		t.Errorf("Notify with no sender = (%v, %v), want silent drop", sent, err)
	}
}
