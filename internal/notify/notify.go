package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers push notifications to a device when the party has no live
// socket. Like the event channel it is best effort; callers ignore failures.
type Notifier interface {
	Push(ctx context.Context, deviceToken, title, body string, data map[string]string) error
}

// FCMNotifier posts to the FCM HTTPv1 endpoint with a bearer key.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (f *FCMNotifier) Push(ctx context.Context, deviceToken, title, body string, data map[string]string) error {
	msg := map[string]any{
		"message": map[string]any{
			"token":        deviceToken,
			"notification": map[string]string{"title": title, "body": body},
			"data":         data,
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push: status %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier is used when no push provider is configured.
type NopNotifier struct{}

func (NopNotifier) Push(context.Context, string, string, string, map[string]string) error {
	return nil
}
