package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultPushHost is the public ntfy instance.
const DefaultPushHost = "https://ntfy.sh"

// Push is one outbound push notification. Fields map onto ntfy request
// headers; Body is the plain-text message.
type Push struct {
	Title    string
	Priority string
	Tags     string
	Actions  string // e.g. "view, Open Poll, https://pollev.com/user"
	Body     string
}

// PushClient posts notifications to an ntfy-style webhook endpoint. Requests
// are single attempts: a failed push is recorded, not retried, and the user
// re-triggers via the force-check or test path.
type PushClient struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewPushClient creates a push client for the given host (DefaultPushHost if
// empty).
func NewPushClient(client *http.Client, baseURL string, logger *slog.Logger) *PushClient {
	if baseURL == "" {
		baseURL = DefaultPushHost
	}
	return &PushClient{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send posts one notification to the topic. Non-2xx responses are failures.
func (c *PushClient) Send(ctx context.Context, topic string, p Push) error {
	url := c.baseURL + "/" + topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Title", p.Title)
	req.Header.Set("Priority", p.Priority)
	req.Header.Set("Tags", p.Tags)
	if p.Actions != "" {
		req.Header.Set("Actions", p.Actions)
	}

	c.logger.Info("Push request starting",
		"method", "POST",
		"host", c.baseURL,
		"title", p.Title)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Info("Push request completed",
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
