// Package push delivers content-free wake-up notifications through the
// platform backends. Sends are fire-and-forget: failures are reported to the
// caller for logging but never retried here. A retry decorator can wrap a
// Sender without the dispatcher noticing.
package push

import "context"

// Payload is the data map carried by a wake-up push. It never contains
// message content; the client fetches the actual payload from its relays.
type Payload map[string]string

// WakePayload builds the standard wake-up payload.
func WakePayload() Payload {
	return Payload{"event": "wakeup", "source": "mostro-push-server"}
}

// Sender delivers one payload to one device token or endpoint.
type Sender interface {
	Send(ctx context.Context, token string, payload Payload) error
}
