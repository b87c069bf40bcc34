// Package dispatch routes a notify signal to the push backend registered for
// the recipient. Token resolution happens here, outside the batch
// scheduler's timer path, so registry contention never delays window firing.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/push"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
)

const sendTimeout = 15 * time.Second

// Dispatcher resolves tokens and forwards wake-ups to the matching backend.
type Dispatcher struct {
	registry *registry.Registry
	senders  map[registry.Backend]push.Sender
}

// New builds a dispatcher. Backends without a configured sender (for
// example FCM when no credentials are deployed) are simply absent from
// senders; signals for their tokens are dropped with a warning.
func New(reg *registry.Registry, senders map[registry.Backend]push.Sender) *Dispatcher {
	return &Dispatcher{registry: reg, senders: senders}
}

// Notify looks up the current token for tradePubkey and sends one wake-up.
// A missing registration is not an error: the client unregistered, or never
// registered, and the signal is silently dropped. The returned bool reports
// whether a push was actually attempted.
func (d *Dispatcher) Notify(ctx context.Context, tradePubkey string) (bool, error) {
	tok, ok := d.registry.Lookup(tradePubkey)
	if !ok {
		slog.Debug("no registration for notify signal", "trade_pubkey", prefix(tradePubkey))
		return false, nil
	}

	sender, ok := d.senders[tok.Backend]
	if !ok {
		slog.Warn("no sender configured for backend",
			"backend", tok.Backend.String(),
			"trade_pubkey", prefix(tradePubkey))
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := sender.Send(ctx, tok.Value, push.WakePayload()); err != nil {
		return true, fmt.Errorf("%s push for %s: %w", tok.Backend, prefix(tradePubkey), err)
	}
	slog.Info("push sent",
		"backend", tok.Backend.String(),
		"platform", tok.Platform.String(),
		"trade_pubkey", prefix(tradePubkey))
	return true, nil
}

// prefix shortens a pubkey for logs; full trade pubkeys stay out of the log
// stream.
func prefix(pubkey string) string {
	if len(pubkey) > 16 {
		return pubkey[:16]
	}
	return pubkey
}
