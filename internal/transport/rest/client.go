// Package rest implements Binance's authenticated REST transport: canonical
// query signing, weight-based rate-limit gating, and classification of
// error responses into the typed error taxonomy in pkg/errors.
//
// IMPORTANT: resty v3 requires calling Close() when done (breaking change
// from v2).
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"resty.dev/v3"

	"github.com/lilwiggy/ex-act/internal/nonce"
	"github.com/lilwiggy/ex-act/internal/ratelimit"
	"github.com/lilwiggy/ex-act/internal/signing"
	"github.com/lilwiggy/ex-act/pkg/errors"
)

// Config contains configuration for the REST transport.
type Config struct {
	// BaseURL overrides the default production/testnet URL.
	BaseURL string
	// Testnet selects the testnet base URL when BaseURL is empty.
	Testnet bool
	// Timeout is the per-request timeout (default: 10s).
	Timeout time.Duration
	// RecvWindow is the recvWindow attached to signed requests, in
	// milliseconds (default: 5000, clamped to [1, 60000]).
	RecvWindow int64
	// ProxyURL routes all REST requests through an HTTP/SOCKS proxy when
	// set (e.g. "http://127.0.0.1:8080"). Empty means no proxy.
	ProxyURL string
}

const (
	defaultRecvWindow = 5000
	maxRecvWindow      = 60000
)

// Client is the authenticated, rate-limited REST transport.
type Client struct {
	http       *resty.Client
	baseURL    string
	signer     signing.Signer
	limiter    *ratelimit.Limiter
	recvWindow int64

	closed   bool
	closedMu sync.RWMutex
}

// New creates a REST transport. signer may be nil for a public-data-only
// client. limiter must not be nil.
func New(cfg Config, signer signing.Signer, limiter *ratelimit.Limiter) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rest: limiter is required")
	}
	if cfg.BaseURL == "" {
		if cfg.Testnet {
			cfg.BaseURL = TestnetBaseURL
		} else {
			cfg.BaseURL = BaseURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	} else if cfg.RecvWindow > maxRecvWindow {
		cfg.RecvWindow = maxRecvWindow
	}

	http := resty.New()
	http.SetBaseURL(cfg.BaseURL)
	http.SetTimeout(cfg.Timeout)
	http.SetHeader("User-Agent", "ex-act/1.0")
	http.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	http.SetHeader("Accept", "application/json")
	if signer != nil {
		http.SetHeader("X-MBX-APIKEY", signer.APIKey())
	}
	if cfg.ProxyURL != "" {
		if err := http.SetProxyURL(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("rest: invalid proxy URL: %w", err)
		}
	}

	c := &Client{
		http:       http,
		baseURL:    cfg.BaseURL,
		signer:     signer,
		limiter:    limiter,
		recvWindow: cfg.RecvWindow,
	}
	c.setupMiddleware()
	return c, nil
}

func (c *Client) setupMiddleware() {
	c.http.AddRequestMiddleware(func(cl *resty.Client, req *resty.Request) error {
		c.closedMu.RLock()
		closed := c.closed
		c.closedMu.RUnlock()
		if closed {
			return fmt.Errorf("rest: client is closed")
		}

		endpoint := pathOf(req.URL)
		weight := GetEndpointWeight(endpoint)
		class := "REQUEST_WEIGHT"
		if isOrderEndpoint(endpoint) {
			class = "ORDERS"
		}
		if err := c.limiter.Charge(req.Context(), class, weight); err != nil {
			return err
		}

		if c.signer != nil && needsSigning(endpoint) {
			params := make(map[string]any, len(req.QueryParams)+3)
			for k, v := range req.QueryParams {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			timestamp := nonce.TimestampMillis()
			params["timestamp"] = timestamp
			params["recvWindow"] = c.recvWindow

			qs := CanonicalQuery(params)
			signature, err := c.signer.Sign(qs)
			if err != nil {
				return errors.NewSignatureError("binance", endpoint, err.Error())
			}

			req.SetQueryParam("timestamp", strconv.FormatInt(timestamp, 10))
			req.SetQueryParam("recvWindow", strconv.FormatInt(c.recvWindow, 10))
			req.SetQueryParam("signature", signature)
		}

		return nil
	})

	c.http.AddResponseMiddleware(func(cl *resty.Client, resp *resty.Response) error {
		c.trackWeightFromHeaders(resp.Header())
		return nil
	})
}

func pathOf(rawURL string) string {
	if idx := strings.Index(rawURL, "/api/"); idx != -1 {
		return rawURL[idx:]
	}
	return rawURL
}

func (c *Client) trackWeightFromHeaders(header http.Header) {
	for key, values := range header {
		if !strings.HasPrefix(strings.ToUpper(key), "X-MBX-USED-WEIGHT") || len(values) == 0 {
			continue
		}
		if used, err := strconv.Atoi(values[0]); err == nil {
			c.limiter.Reconcile([]ratelimit.ServerCount{{
				Class: "REQUEST_WEIGHT", Window: time.Minute, Max: ratelimit.DefaultMaxWeight, Count: used,
			}})
		}
	}
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			c.limiter.SetBackoff(time.Duration(secs) * time.Second)
		}
	}
}

// Close releases resources used by the client. Required by resty v3.
func (c *Client) Close() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
	c.http.Close()
}

// Do issues a request and returns the decoded JSON body into result (which
// may be nil to discard the body), classifying any error response into the
// pkg/errors taxonomy.
func (c *Client) Do(ctx context.Context, method, path string, query map[string]string, result any) error {
	req := c.http.R().SetContext(ctx)
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	if result != nil {
		req.SetResult(result)
	}

	var resp *resty.Response
	var err error
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodPut:
		resp, err = req.Put(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("rest: unsupported method %q", method)
	}
	if err != nil {
		return errors.NewConnectionError("binance", path, err.Error(), true)
	}
	if !resp.IsSuccess() {
		return c.classifyError(resp)
	}
	return nil
}

// Ping tests connectivity. Weight: 1.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, EPing, nil, nil)
}

// GetServerTime returns the exchange server's current time in Unix
// milliseconds. Intended as the probe function for internal/clock.Clock.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.Do(ctx, http.MethodGet, ETime, nil, &result); err != nil {
		return 0, err
	}
	return result.ServerTime, nil
}

// GetDepthSnapshot fetches a symbol's order book snapshot at the given
// depth limit. Intended as the SnapshotFetcher backing
// internal/orderbook.Manager's bootstrap algorithm.
func (c *Client) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (lastUpdateID int64, bids, asks [][2]string, err error) {
	var result struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	query := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	if err := c.Do(ctx, http.MethodGet, EDepth, query, &result); err != nil {
		return 0, nil, nil, err
	}
	return result.LastUpdateID, result.Bids, result.Asks, nil
}

// classifyError converts an unsuccessful HTTP response into a typed error
// from pkg/errors per spec.md §4.4's status-code table.
func (c *Client) classifyError(resp *resty.Response) error {
	statusCode := resp.StatusCode()

	var bodyBytes []byte
	if resp.Body != nil {
		bodyBytes, _ = io.ReadAll(resp.Body)
	}

	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(bodyBytes, &body)
	msg := body.Msg
	if msg == "" {
		msg = string(bodyBytes)
	}

	switch {
	case statusCode == http.StatusForbidden:
		return errors.NewWAFViolationError("binance", msg)
	case statusCode == http.StatusConflict:
		return errors.NewCancelReplacePartialSuccessError("binance", false, false, msg)
	case statusCode == http.StatusTooManyRequests:
		retryAfter := retryAfterOf(resp)
		c.limiter.SetBackoff(retryAfter)
		return errors.NewRateLimitError("binance", retryAfter, 0)
	case statusCode == 418:
		retryAfter := retryAfterOf(resp)
		c.limiter.SetBackoff(retryAfter)
		return errors.NewIPAutoBannedError("binance", msg, retryAfter)
	case statusCode == http.StatusUnauthorized || body.Code == -2015 || body.Code == -1022:
		return errors.NewUnauthorizedError("binance", strconv.Itoa(body.Code), msg)
	case statusCode >= 500:
		return errors.NewServerSideError("binance", statusCode, msg, nil)
	case body.Code <= -1100 && body.Code >= -1199:
		return errors.NewMalformedRequestError("binance", resp.Request.Method, strconv.Itoa(body.Code), msg)
	case statusCode >= 400:
		return errors.NewMalformedRequestError("binance", resp.Request.Method, strconv.Itoa(body.Code), msg)
	default:
		return errors.NewGenericError("binance", fmt.Sprintf("HTTP %d: %s", statusCode, msg), nil)
	}
}

func retryAfterOf(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
