package relay

import "encoding/json"

// Event is a NIP-01 event as delivered by a relay. Content is never
// decrypted here; gift-wrap events are used purely as wake-up triggers.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the first tag with the given name, or "".
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// frame is one relay-to-client message: a JSON array whose first element is
// the message type ("EVENT", "EOSE", "NOTICE", "CLOSED", ...).
type frame []json.RawMessage

func decodeFrame(data []byte) (frame, string, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || len(f) < 1 {
		return nil, "", false
	}
	var msgType string
	if err := json.Unmarshal(f[0], &msgType); err != nil {
		return nil, "", false
	}
	return f, msgType, true
}

func (f frame) str(i int) string {
	if i >= len(f) {
		return ""
	}
	var s string
	if err := json.Unmarshal(f[i], &s); err != nil {
		return ""
	}
	return s
}

func (f frame) event(i int) (*Event, bool) {
	if i >= len(f) {
		return nil, false
	}
	var evt Event
	if err := json.Unmarshal(f[i], &evt); err != nil {
		return nil, false
	}
	return &evt, true
}
