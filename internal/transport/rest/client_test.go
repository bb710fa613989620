package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lilwiggy/ex-act/internal/ratelimit"
	"github.com/lilwiggy/ex-act/pkg/errors"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: server.URL}, nil, ratelimit.NewLimiter())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClassifyErrorStatusCodes(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		"403 is a WAF violation": {
			status: http.StatusForbidden,
			body:   `{"code":-1, "msg":"waf"}`,
			check: func(t *testing.T, err error) {
				var target *errors.WAFViolationError
				require.ErrorAs(t, err, &target)
			},
		},
		"429 is a rate limit error": {
			status: http.StatusTooManyRequests,
			body:   `{"code":-1, "msg":"too many requests"}`,
			check: func(t *testing.T, err error) {
				var target *errors.RateLimitError
				require.ErrorAs(t, err, &target)
			},
		},
		"418 is an IP auto-ban": {
			status: 418,
			body:   `{"code":-1, "msg":"banned"}`,
			check: func(t *testing.T, err error) {
				var target *errors.IPAutoBannedError
				require.ErrorAs(t, err, &target)
			},
		},
		"401 is unauthorized": {
			status: http.StatusUnauthorized,
			body:   `{"code":-2014, "msg":"bad key"}`,
			check: func(t *testing.T, err error) {
				var target *errors.UnauthorizedError
				require.ErrorAs(t, err, &target)
			},
		},
		"-2015 signature code is unauthorized regardless of status": {
			status: http.StatusBadRequest,
			body:   `{"code":-2015, "msg":"invalid signature"}`,
			check: func(t *testing.T, err error) {
				var target *errors.UnauthorizedError
				require.ErrorAs(t, err, &target)
			},
		},
		"500 is a server-side error": {
			status: http.StatusInternalServerError,
			body:   `{"code":-1, "msg":"oops"}`,
			check: func(t *testing.T, err error) {
				var target *errors.ServerSideError
				require.ErrorAs(t, err, &target)
			},
		},
		"-110x range is a malformed request": {
			status: http.StatusBadRequest,
			body:   `{"code":-1102, "msg":"mandatory param missing"}`,
			check: func(t *testing.T, err error) {
				var target *errors.MalformedRequestError
				require.ErrorAs(t, err, &target)
			},
		},
		"other 4xx is a malformed request": {
			status: http.StatusBadRequest,
			body:   `{"code":-9999, "msg":"bad request"}`,
			check: func(t *testing.T, err error) {
				var target *errors.MalformedRequestError
				require.ErrorAs(t, err, &target)
			},
		},
		"unmapped non-success status falls back to a generic error": {
			status: http.StatusMultipleChoices, // 300: not success, below every specific branch
			body:   `{"code":-1, "msg":"weird"}`,
			check: func(t *testing.T, err error) {
				var target *errors.GenericError
				require.ErrorAs(t, err, &target)
			},
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c := newTestClient(t, server)
			err := c.Do(context.Background(), http.MethodGet, "/api/v3/ping", nil, nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestPingSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	require.NoError(t, c.Ping(context.Background()))
}

func TestGetServerTime(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/time", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"serverTime": 1700000000000}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	st, err := c.GetServerTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), st)
}

func TestGetDepthSnapshot(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"lastUpdateId": 160,
			"bids": [["100.00", "1.5"]],
			"asks": [["101.00", "2.0"]]
		}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	lastUpdateID, bids, asks, err := c.GetDepthSnapshot(context.Background(), "BTCUSDT", 100)
	require.NoError(t, err)
	require.Equal(t, int64(160), lastUpdateID)
	require.Equal(t, [][2]string{{"100.00", "1.5"}}, bids)
	require.Equal(t, [][2]string{{"101.00", "2.0"}}, asks)
}

func TestDoRejectsUnsupportedMethod(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted for an unsupported method")
	}))
	defer server.Close()

	c := newTestClient(t, server)
	err := c.Do(context.Background(), "PATCH", "/api/v3/ping", nil, nil)
	require.Error(t, err)
}

func TestWeightHeaderReconcilesLimiter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	limiter := ratelimit.NewLimiter()
	c, err := New(Config{BaseURL: server.URL}, nil, limiter)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Ping(context.Background()))

	// Reconcile runs synchronously inside the response middleware: the
	// Ping's own weight-1 charge is topped up to the server-reported 42.
	stats := limiter.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "REQUEST_WEIGHT", stats[0].Class)
	require.Equal(t, 42, stats[0].Used)
}

func TestDoOnClosedClientFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL}, nil, ratelimit.NewLimiter())
	require.NoError(t, err)
	c.Close()

	err = c.Do(context.Background(), http.MethodGet, "/api/v3/ping", nil, nil)
	require.Error(t, err)
}
