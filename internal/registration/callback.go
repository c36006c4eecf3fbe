package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// callbackPath is the WordPress plugin route the server calls back to prove
// the registrant controls the claimed origin.
const callbackPath = "/wp-json/eaglechat-plugin/v1/verify"

// CallbackClient verifies callback tokens against the claimed origin with a
// configurable retry policy.
type CallbackClient struct {
	httpClient *http.Client
	attempts   int
	delay      time.Duration
	logger     *slog.Logger
}

// NewCallbackClient builds a callback client. transport should come from
// safehttp so private origins are refused outside development mode.
func NewCallbackClient(transport http.RoundTripper, attempts int, delay time.Duration, logger *slog.Logger) *CallbackClient {
	if attempts < 1 {
		attempts = 1
	}
	return &CallbackClient{
		httpClient: &http.Client{Transport: transport, Timeout: 20 * time.Second},
		attempts:   attempts,
		delay:      delay,
		logger:     logger,
	}
}

type callbackRequest struct {
	CallbackToken string `json:"callback_token"`
}

type callbackResponse struct {
	Verified bool `json:"verified"`
}

// Verify posts the token to the origin's verify route. A 2xx reply carrying
// {"verified": true} succeeds. 4xx replies fail immediately; other outcomes
// retry up to the configured attempts, sleeping the configured delay between
// tries. The sleep is interruptible through ctx.
func (c *CallbackClient) Verify(ctx context.Context, siteURL, token string) error {
	callbackURL := siteURL + callbackPath
	body, err := json.Marshal(callbackRequest{CallbackToken: token})
	if err != nil {
		return fmt.Errorf("marshal callback request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.attempt(ctx, callbackURL, body)
		if err == nil {
			c.logger.Info("callback token verified",
				slog.String("site_url", siteURL),
				slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		var permanent *permanentCallbackError
		if errors.As(err, &permanent) {
			return fmt.Errorf("callback rejected: %w", err)
		}

		c.logger.Warn("callback attempt failed",
			slog.String("site_url", siteURL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.attempts),
			slog.String("error", err.Error()))

		if attempt < c.attempts {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("callback verification exhausted retries: %w", lastErr)
}

// Attempts returns the configured retry budget, for error reporting.
func (c *CallbackClient) Attempts() int { return c.attempts }

func (c *CallbackClient) attempt(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &permanentCallbackError{reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The origin answered authoritatively; retrying won't change it.
		return &permanentCallbackError{reason: fmt.Sprintf("origin returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("origin returned status %d", resp.StatusCode)
	}

	var result callbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode callback response: %w", err)
	}
	if !result.Verified {
		return fmt.Errorf("origin did not confirm the token")
	}
	return nil
}

// permanentCallbackError marks outcomes that retrying cannot fix.
type permanentCallbackError struct {
	reason string
}

func (e *permanentCallbackError) Error() string { return e.reason }
