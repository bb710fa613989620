package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lilwiggy/ex-act/internal/ratelimit"
)

func newTestClient() *Client {
	return New(DefaultConfig(), nil, nil, ratelimit.NewDefaultLimiter())
}

func TestRouteTextDeliversPendingRequest(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	ch := make(chan *rpcResponse, 1)
	c.pending["req-1"] = ch

	c.routeText([]byte(`{"id":"req-1","status":200,"result":{"serverTime":123}}`))

	resp := <-ch
	require.NotNil(t, resp)
	require.Equal(t, 200, resp.Status)
	require.JSONEq(t, `{"serverTime":123}`, string(resp.Result))
}

func TestRouteTextDispatchesRegisteredEvent(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	received := make(chan string, 1)
	c.OnEvent("executionReport", func(payload json.RawMessage) {
		received <- string(payload)
	})

	c.routeText([]byte(`{"e":"executionReport","s":"BTCUSDT"}`))

	payload := <-received
	require.Contains(t, payload, "BTCUSDT")
}

func TestRouteTextCombinedStreamEnvelope(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	received := make(chan string, 1)
	c.OnEvent("24hrTicker", func(payload json.RawMessage) {
		received <- string(payload)
	})

	c.routeText([]byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","s":"BTCUSDT"}}`))

	payload := <-received
	require.Contains(t, payload, "BTCUSDT")
}

func TestAbandonPendingUnblocksWaiters(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	ch := make(chan *rpcResponse, 1)
	c.pending["req-2"] = ch

	c.abandonPending()

	resp := <-ch
	require.Nil(t, resp)
	require.Empty(t, c.pending)
}

func TestCalculateBackoffRespectsMaxDelay(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.config.Reconnect = ReconnectConfig{
		InitialDelay: 1,
		MaxDelay:     10,
		Jitter:       0,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.calculateBackoff(attempt)
		require.LessOrEqual(t, d, c.config.Reconnect.MaxDelay)
	}
}
