// Package relay maintains live NIP-01 subscriptions against the configured
// relays and funnels gift-wrap arrivals into the batch scheduler. Each relay
// gets its own goroutine running the connection state machine
// DISCONNECTED -> CONNECTING -> SUBSCRIBED, with exponential backoff between
// reconnect attempts.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/dedup"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
)

const (
	dialTimeout  = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Arrival is one deduplicated gift-wrap sighting for a registered recipient.
type Arrival struct {
	TradePubkey string
	EventID     string
	ReceivedAt  time.Time
}

// Config drives the listener's subscriptions and reconnect behavior.
type Config struct {
	Relays       []string
	Kind         int           // subscribed event kind (gift wrap, 1059)
	AuthorPubkey string        // only events authored by the Mostro daemon
	Lookback     time.Duration // subscription "since" window on (re)connect

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	HealthyAfter time.Duration // connection age that resets the backoff
}

func (c Config) withDefaults() Config {
	if c.Kind == 0 {
		c.Kind = 1059
	}
	if c.Lookback <= 0 {
		c.Lookback = time.Minute
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.HealthyAfter <= 0 {
		c.HealthyAfter = time.Minute
	}
	return c
}

// Stats is a snapshot of listener counters for /metrics.
type Stats struct {
	Connected       int64
	Reconnects      int64
	EventsReceived  int64
	EventsDeduped   int64
	EventsDelivered int64
	EventsDropped   int64
}

// Listener owns one goroutine per relay plus their websocket connections.
type Listener struct {
	cfg        Config
	dedup      dedup.Store
	registered func(tradePubkey string) bool
	deliver    func(Arrival)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected       atomic.Int64
	reconnects      atomic.Int64
	eventsReceived  atomic.Int64
	eventsDeduped   atomic.Int64
	eventsDelivered atomic.Int64
	eventsDropped   atomic.Int64
}

// New builds a listener. registered filters out recipients without a live
// registration before they reach the scheduler; deliver must be fast and
// non-blocking (the scheduler's Arrive is) because it runs on the socket
// read path.
func New(cfg Config, dd dedup.Store, registered func(string) bool, deliver func(Arrival)) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg.withDefaults(),
		dedup:      dd,
		registered: registered,
		deliver:    deliver,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches one connection goroutine per configured relay.
func (l *Listener) Start() {
	for _, url := range l.cfg.Relays {
		l.wg.Add(1)
		go l.runRelay(url)
	}
	slog.Info("relay listener started",
		"relays", len(l.cfg.Relays),
		"kind", l.cfg.Kind,
		"author", prefix(l.cfg.AuthorPubkey))
}

// Stop tears down all connections and waits for the goroutines to exit.
func (l *Listener) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Connected:       l.connected.Load(),
		Reconnects:      l.reconnects.Load(),
		EventsReceived:  l.eventsReceived.Load(),
		EventsDeduped:   l.eventsDeduped.Load(),
		EventsDelivered: l.eventsDelivered.Load(),
		EventsDropped:   l.eventsDropped.Load(),
	}
}

// runRelay is the per-relay reconnect loop. A connection that stayed
// subscribed for HealthyAfter resets the backoff to the minimum.
func (l *Listener) runRelay(url string) {
	defer l.wg.Done()

	backoff := l.cfg.MinBackoff
	for {
		if l.ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := l.connectAndListen(url)
		if l.ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("relay connection lost", "relay", url, "error", err)
		}
		l.reconnects.Add(1)

		if time.Since(start) >= l.cfg.HealthyAfter {
			backoff = l.cfg.MinBackoff
		}
		slog.Info("reconnecting to relay", "relay", url, "backoff", backoff.String())

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// connectAndListen runs one connection lifetime: dial, subscribe, read until
// the connection dies or the listener stops.
func (l *Listener) connectAndListen(url string) error {
	dialCtx, cancel := context.WithTimeout(l.ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	l.connected.Add(1)
	defer l.connected.Add(-1)
	slog.Info("connected to relay", "relay", url)

	var writeMu sync.Mutex
	subID := "mostro-" + uuid.NewString()[:8]

	filter := map[string]interface{}{
		"kinds": []int{l.cfg.Kind},
		"since": time.Now().Add(-l.cfg.Lookback).Unix(),
	}
	if l.cfg.AuthorPubkey != "" {
		filter["authors"] = []string{l.cfg.AuthorPubkey}
	}

	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON([]interface{}{"REQ", subID, filter})
	writeMu.Unlock()
	if err != nil {
		return err
	}
	slog.Debug("subscribed", "relay", url, "sub_id", subID)

	// The relay may ping us; gorilla answers those during ReadMessage. Our
	// own pings detect half-dead connections via the read deadline.
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-l.ctx.Done():
				// Unblock the read loop so Stop does not wait on a
				// read deadline.
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if err := l.handleFrame(url, subID, data); err != nil {
			return err
		}
	}
}

var errSubscriptionClosed = errors.New("subscription closed by relay")

// handleFrame routes one relay message. Only a CLOSED for our subscription
// is an error; everything else either feeds the pipeline or is ignored.
func (l *Listener) handleFrame(url, subID string, data []byte) error {
	f, msgType, ok := decodeFrame(data)
	if !ok {
		return nil
	}

	switch msgType {
	case "EVENT":
		if f.str(1) != subID {
			return nil
		}
		evt, ok := f.event(2)
		if !ok {
			return nil
		}
		l.handleEvent(url, evt)
	case "EOSE":
		slog.Debug("relay EOSE", "relay", url)
	case "NOTICE":
		slog.Info("relay notice", "relay", url, "notice", f.str(1))
	case "CLOSED":
		if f.str(1) == subID {
			slog.Warn("relay closed subscription", "relay", url, "reason", f.str(2))
			return errSubscriptionClosed
		}
	}
	return nil
}

// handleEvent filters, deduplicates and delivers one event. All drops are
// silent by design: a missing tag or an unknown recipient is expected
// traffic, not a fault.
func (l *Listener) handleEvent(url string, evt *Event) {
	l.eventsReceived.Add(1)

	if evt.Kind != l.cfg.Kind || evt.ID == "" {
		l.eventsDropped.Add(1)
		return
	}
	if l.cfg.AuthorPubkey != "" && evt.PubKey != l.cfg.AuthorPubkey {
		l.eventsDropped.Add(1)
		return
	}

	recipient := evt.Tag("p")
	if !registry.ValidTradePubkey(recipient) {
		slog.Debug("event without usable p tag", "relay", url, "event_id", evt.ID)
		l.eventsDropped.Add(1)
		return
	}

	if l.registered != nil && !l.registered(recipient) {
		slog.Debug("no registration for recipient",
			"relay", url, "trade_pubkey", prefix(recipient))
		l.eventsDropped.Add(1)
		return
	}

	seen, err := l.dedup.SeenOrAdd(l.ctx, evt.ID)
	if err != nil {
		// Fail open: a dedup backend outage must not drop notifications.
		// The batch window still absorbs the duplicate.
		slog.Warn("dedup backend error", "error", err)
	} else if seen {
		l.eventsDeduped.Add(1)
		return
	}

	l.eventsDelivered.Add(1)
	l.deliver(Arrival{
		TradePubkey: recipient,
		EventID:     evt.ID,
		ReceivedAt:  time.Now(),
	})
}

func prefix(pubkey string) string {
	if len(pubkey) > 16 {
		return pubkey[:16]
	}
	return pubkey
}
