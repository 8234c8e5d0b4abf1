package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketchat-ws/internal/domain"
)

// ErrUnregisteredToken marks a permanent provider rejection: the device
// token is invalid or revoked, so retrying is pointless.
var ErrUnregisteredToken = errors.New("push token invalid or unregistered")

// Sender is what the worker needs from a push provider.
type Sender interface {
	Send(ctx context.Context, job domain.PushJob) error
}

// Client talks to the push provider over HTTP. Only the worker pool ever
// holds one; the chat path never waits on the provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	To           string             `json:"to"`
	Notification notificationBody   `json:"notification"`
	Data         domain.PushPayload `json:"data"`
}

type notificationBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers one notification. A 4xx answer is permanent
// (ErrUnregisteredToken); anything else that fails is transient and may
// be retried by the caller.
func (c *Client) Send(ctx context.Context, job domain.PushJob) error {
	payload := sendRequest{
		To: job.Token,
		Notification: notificationBody{
			Title: job.Title,
			Body:  job.Body,
		},
		Data: job.Payload,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewPushDeliveryError("push provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: provider status %d", ErrUnregisteredToken, resp.StatusCode)
	default:
		return domain.NewPushDeliveryError(fmt.Sprintf("push provider status %d", resp.StatusCode), nil)
	}
}
