package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/version"
)

type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	retries      int
	userAgent    string
}

// New builds a client over a pooled transport. For JSON exchanges timeout
// bounds the whole request including the body. Streams only wait timeout
// for response headers; the body is read until the server ends it or the
// context is cancelled.
func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	transport := newTransport()
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		httpClient:   &http.Client{Timeout: timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		retries:      retries,
		userAgent:    version.UserAgent(),
	}
}

// WithRetries returns a copy sharing the transport but with its own retry
// budget.
func (c *Client) WithRetries(retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	cp := *c
	cp.retries = retries
	return &cp
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// DoJSON sends req and decodes a JSON body into out. 429 and 5xx responses
// and network errors are retried up to the client's budget.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	c.decorate(req)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < c.retries && ctx.Err() == nil {
				continue
			}
			return nil, lastErr
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read response", readErr)
		}

		if err := statusError(resp.StatusCode, buf); err != nil {
			if retryable(resp.StatusCode) && attempt < c.retries {
				lastErr = err
				continue
			}
			return resp.Header, err
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeParse, "endpoint returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeParse, "decode response JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

// PostJSON marshals payload as the request body.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) (http.Header, error) {
	req, err := c.newJSONRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	return c.DoJSON(ctx, req, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	return c.DoJSON(ctx, req, out)
}

// OpenStream POSTs payload and returns the open response body once a 2xx
// status arrives. It never retries; the caller owns attempt budgeting and
// must close the body.
func (c *Client) OpenStream(ctx context.Context, url string, payload any) (io.ReadCloser, error) {
	req, err := c.newJSONRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.decorate(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, mapNetError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, statusError(resp.StatusCode, buf)
	}
	return resp.Body, nil
}

func (c *Client) newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return req, nil
}

func (c *Client) decorate(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return clierr.New(clierr.CodeRateLimited, "endpoint rate limited request")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return clierr.New(clierr.CodeAuth, fmt.Sprintf("endpoint rejected credentials (status %d)", status))
	case status >= http.StatusInternalServerError:
		return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("endpoint unavailable (status %d)%s", status, snippet(body)))
	default:
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("endpoint returned unexpected status %d%s", status, snippet(body)))
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func snippet(body []byte) string {
	s := bytes.TrimSpace(body)
	if len(s) == 0 {
		return ""
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return ": " + string(s)
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "endpoint timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "endpoint request failed", err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
