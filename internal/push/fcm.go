package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

var ErrSendFailed = errors.New("push send failed")

// FCMSender sends data-only messages through the FCM HTTP v1 API. OAuth2
// token refresh is handled by the underlying client and invisible to
// callers.
type FCMSender struct {
	Endpoint string
	Client   *http.Client
}

// NewFCM builds a sender from a service-account JSON file and project id.
func NewFCM(ctx context.Context, credentialsFile, projectID string) (*FCMSender, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read FCM credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse FCM credentials: %w", err)
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 10 * time.Second

	return &FCMSender{
		Endpoint: fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID),
		Client:   client,
	}, nil
}

// fcmMessage is the HTTP v1 request shape for a high-priority data message
// that wakes the app on both Android and iOS without displaying content.
type fcmMessage struct {
	Message struct {
		Token   string  `json:"token"`
		Data    Payload `json:"data"`
		Android struct {
			Priority string `json:"priority"`
		} `json:"android"`
		APNS struct {
			Headers map[string]string `json:"headers"`
			Payload struct {
				APS struct {
					ContentAvailable int `json:"content-available"`
				} `json:"aps"`
			} `json:"payload"`
		} `json:"apns"`
	} `json:"message"`
}

func (s *FCMSender) Send(ctx context.Context, token string, payload Payload) error {
	var msg fcmMessage
	msg.Message.Token = token
	msg.Message.Data = payload
	msg.Message.Android.Priority = "high"
	msg.Message.APNS.Headers = map[string]string{
		"apns-priority":  "10",
		"apns-push-type": "background",
	}
	msg.Message.APNS.Payload.APS.ContentAvailable = 1

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: fcm returned %d: %s", ErrSendFailed, resp.StatusCode, detail)
	}
	return nil
}
