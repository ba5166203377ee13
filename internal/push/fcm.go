package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"
	fcmMaxBatch        = 500
)

// FCM result codes that mean the token will never work again.
var fcmInvalidCodes = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
	"MissingRegistration": true,
}

// FCMProvider posts to the FCM HTTP endpoint using a server key.
type FCMProvider struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMProvider(endpoint, key string, timeout time.Duration) *FCMProvider {
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &FCMProvider{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: timeout}}
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Priority        string            `json:"priority"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (f *FCMProvider) MaxBatch() int { return fcmMaxBatch }

func (f *FCMProvider) Send(ctx context.Context, token string, msg Message) error {
	errs, err := f.SendMulticast(ctx, []string{token}, msg)
	if err != nil {
		return err
	}
	return errs[0]
}

func (f *FCMProvider) SendMulticast(ctx context.Context, tokens []string, msg Message) ([]error, error) {
	body := fcmRequest{
		RegistrationIDs: tokens,
		Priority:        "high",
		Notification:    fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:            msg.Data,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode fcm request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "key="+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fcm returned status %d", resp.StatusCode)
	}
	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fcm response: %w", err)
	}
	if len(out.Results) != len(tokens) {
		return nil, fmt.Errorf("fcm returned %d results for %d tokens", len(out.Results), len(tokens))
	}
	errs := make([]error, len(tokens))
	for i, r := range out.Results {
		switch {
		case r.Error == "":
		case fcmInvalidCodes[r.Error]:
			errs[i] = fmt.Errorf("%w: %s", ErrInvalidToken, r.Error)
		default:
			errs[i] = fmt.Errorf("fcm: %s", r.Error)
		}
	}
	return errs, nil
}
