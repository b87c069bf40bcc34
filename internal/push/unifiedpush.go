package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UnifiedPushSender POSTs the wake payload to the device's UnifiedPush
// endpoint URL. Any 2xx from the push provider counts as accepted.
type UnifiedPushSender struct {
	Client *http.Client
}

func NewUnifiedPush() *UnifiedPushSender {
	return &UnifiedPushSender{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *UnifiedPushSender) Send(ctx context.Context, endpoint string, payload Payload) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: invalid endpoint URL", ErrSendFailed)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", "86400")
	req.Header.Set("Urgency", "high")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: endpoint returned %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
