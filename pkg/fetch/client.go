package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/ratelimit"
)

// Client fetches assets from the pre-signed links embedded in the
// export. No authentication is involved; the links carry their own
// credentials in the query string.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	limiter    ratelimit.Limiter
	logger     logger.Logger
}

// NewClient creates a fetch client. The per-request timeout covers the
// whole transfer; exceeding it is a retryable timeout failure.
func NewClient(timeout time.Duration, userAgent string, limiter ratelimit.Limiter, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		headers: map[string]string{
			"User-Agent": userAgent,
			"Accept":     "*/*",
		},
		limiter: limiter,
		logger:  log,
	}
}

// SetHeader sets a custom header for all requests.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Open starts a fetch and returns the response body for streaming,
// together with the Content-Type the service declared.
//
// Links the export marks as non-GET are POSTed with the query string as
// the form body, matching the export page's own download handler.
func (c *Client) Open(ctx context.Context, rawURL string, usePost bool) (io.ReadCloser, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	var req *http.Request
	var err error
	if usePost {
		postURL, body, _ := strings.Cut(rawURL, "?")
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}
	if err != nil {
		return nil, "", errs.New(errs.ErrorTypeNetwork, "invalid request for %s: %v", rawURL, err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	c.logger.DebugWithFields("sending fetch request", map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorWithFields("fetch request failed", map[string]interface{}{
			"method":   req.Method,
			"url":      req.URL.String(),
			"error":    err.Error(),
			"duration": time.Since(start),
		})
		return nil, "", classifyTransportError(err)
	}

	c.logger.DebugWithFields("fetch request completed", map[string]interface{}{
		"method":   req.Method,
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, "", errs.NewStatus(resp.StatusCode, "unexpected status %s fetching %s", resp.Status, req.URL.Host)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// classifyTransportError separates deadline expiry from other transport
// failures; both are retryable but are recorded as distinct reasons.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.ErrorTypeTimeout, "fetch timed out: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.ErrorTypeTimeout, "fetch timed out: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.New(errs.ErrorTypeNetwork, "network error: %v", err)
}
