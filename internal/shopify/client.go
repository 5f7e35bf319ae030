package shopify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatpop/internal/resilience"
)

const (
	DefaultAPIVersion = "2026-01"
	DefaultTimeout    = 30 * time.Second

	maxBodyBytes = 32 << 20
)

// HTTPError is a non-2xx answer from Shopify.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("shopify http %d: %s", e.Status, body)
}

// retryable statuses count against the circuit; other 4xx answers do not.
func (e *HTTPError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type ClientOptions struct {
	APIVersion string
	Timeout    time.Duration
	Breakers   *resilience.Breakers
	// BaseURL maps a shop domain to its origin. Tests point it at httptest.
	BaseURL    func(shop string) string
	HTTPClient *http.Client
}

// Client talks to the Shopify Admin API. Every call runs through a per-shop
// circuit breaker and an explicit timeout.
type Client struct {
	http       *http.Client
	breakers   *resilience.Breakers
	apiVersion string
	baseURL    func(shop string) string
}

func NewClient(opts ClientOptions) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakers(resilience.BreakerOptions{})
	}
	if opts.BaseURL == nil {
		opts.BaseURL = func(shop string) string { return "https://" + shop }
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	hc.Timeout = opts.Timeout
	return &Client{http: hc, breakers: opts.Breakers, apiVersion: opts.APIVersion, baseURL: opts.BaseURL}
}

func (c *Client) adminURL(shop, path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", strings.TrimRight(c.baseURL(shop), "/"), c.apiVersion, strings.TrimLeft(path, "/"))
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, shop, method, endpoint, accessToken string, body []byte) (*response, error) {
	resp, err := resilience.Do(ctx, c.breakers, "shopify:"+shop, func(ctx context.Context) (*response, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if accessToken != "" {
			req.Header.Set("X-Shopify-Access-Token", accessToken)
		}

		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		r := &response{status: res.StatusCode, header: res.Header, body: raw}
		if he := (&HTTPError{Status: r.status, Body: string(raw)}); he.retryable() {
			return nil, he
		}
		return r, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, &HTTPError{Status: resp.status, Body: string(resp.body)}
	}
	return resp, nil
}
