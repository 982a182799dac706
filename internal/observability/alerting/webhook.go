package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "ReceiptChain/internal/errors"
)

// WebhookNotifier POSTs events as JSON. 5xx responses and transport errors
// are retried with exponential backoff; 4xx responses are not.
type WebhookNotifier struct {
	URL        string
	Client     *http.Client
	MaxRetries uint64
	// InitialInterval is the first backoff delay. Zero means 200ms.
	InitialInterval time.Duration
}

// NewWebhookNotifier posts to url with the given per-request timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}, MaxRetries: 3}
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode alert")
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	if n.InitialInterval > 0 {
		policy.InitialInterval = n.InitialInterval
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, n.MaxRetries), ctx)); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "deliver webhook alert")
	}
	return nil
}
