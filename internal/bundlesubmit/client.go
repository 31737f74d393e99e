// Package bundlesubmit implements the bundle submitter adapter: a
// request-response endpoint accepting a small ordered array of serialized
// transactions and returning a bundle id. Uses the same
// exchange REST client shape (resty, explicit status-code handling), with
// non-2xx surfaced as a SubmissionError carrying the status code.
package bundlesubmit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// SubmissionError preserves the upstream status code and distinguishes
// transient from permanent failures.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("bundle submit: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the error is a rate-limit or transient network
// condition worth a single retry within budget.
func (e *SubmissionError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type submitRequest struct {
	Transactions []string `json:"transactions"`
}

type submitResponse struct {
	BundleID string `json:"bundle_id"`
}

// Client submits transaction bundles to the inclusion service.
type Client struct {
	http          *resty.Client
	maxBundleSize int
	limiter       *TokenBucket
}

// New constructs a bundle submitter client bound to the given endpoint.
// connectTimeout bounds dial time; callers pass a per-call deadline to
// Submit via ctx. Submissions are throttled to 20 bursts over a refill
// rate of 5/sec, well under inclusion services' typical per-key ceiling.
func New(endpoint string, maxBundleSize int, connectTimeout time.Duration) *Client {
	if maxBundleSize <= 0 {
		maxBundleSize = 5
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	h := resty.New().
		SetBaseURL(endpoint).
		SetTransport(transport).
		SetRetryCount(0)
	return &Client{http: h, maxBundleSize: maxBundleSize, limiter: NewTokenBucket(20, 5)}
}

// Submit sends an ordered array of serialized transactions (max
// maxBundleSize) and returns the assigned bundle id. Any non-2xx response
// is returned as *SubmissionError with the status code preserved.
func (c *Client) Submit(ctx context.Context, signedTxs []string) (string, error) {
	if len(signedTxs) == 0 {
		return "", fmt.Errorf("bundle submit: empty transaction set")
	}
	if len(signedTxs) > c.maxBundleSize {
		return "", fmt.Errorf("bundle submit: %d transactions exceeds max bundle size %d", len(signedTxs), c.maxBundleSize)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("bundle submit: rate limit wait: %w", err)
	}

	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Transactions: signedTxs}).
		SetResult(&result).
		Post("/bundle")
	if err != nil {
		return "", fmt.Errorf("bundle submit: request failed: %w", err)
	}
	if resp.IsError() {
		return "", &SubmissionError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if result.BundleID == "" {
		return "", fmt.Errorf("bundle submit: empty bundle id in response")
	}
	return result.BundleID, nil
}
