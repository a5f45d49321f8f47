// Package backend is the outbound webhook client for the streaming
// backend: user actions (send/retry/abort) and flow cancels are POSTed
// to a configured base URL, and the backend responds asynchronously on
// the event ingestion endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/internal/session"
)

// Client POSTs user actions to the backend transport.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logging.Component("backend"),
	}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// SendCallback returns the injected hook that forwards a send request.
func (c *Client) SendCallback() session.SendCallback {
	return func(ctx context.Context, req session.SendRequest) error {
		return c.post(ctx, "/send", req)
	}
}

// RetryCallback returns the injected hook that forwards a retry.
func (c *Client) RetryCallback() session.RetryCallback {
	return func(ctx context.Context, req session.RetryRequest) error {
		return c.post(ctx, "/retry", req)
	}
}

// AbortCallback returns the injected hook that asks the backend to
// stop a session's stream.
func (c *Client) AbortCallback() session.AbortCallback {
	return func(ctx context.Context, sessionID string) error {
		return c.post(ctx, "/abort", map[string]string{"sessionId": sessionID})
	}
}

// WatchFlowCancels forwards flow cancel requests from the bus to the
// backend. Best effort: failures are logged, never retried.
func (c *Client) WatchFlowCancels(bus *event.Bus) func() {
	return bus.Subscribe(event.FlowCancelRequested, func(e event.Event) {
		data, ok := e.Data.(event.FlowCancelData)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.post(ctx, "/flow/cancel", data); err != nil {
			c.log.Warn().Err(err).Str("flowID", data.FlowID).Msg("flow cancel delivery failed")
		}
	})
}
