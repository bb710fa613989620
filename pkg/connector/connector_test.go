package connector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesExchange(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err, "empty exchange name must be rejected")
}

func TestNewBuildsComponentsForPublicClient(t *testing.T) {
	t.Parallel()

	c, err := New(NewConfigBuilder().Exchange("binance", "", "", true).MustBuild())
	require.NoError(t, err)
	require.Nil(t, c.signer, "no API key means a public-data-only client")
	require.NotNil(t, c.restClient)
	require.NotNil(t, c.wsClient)
	require.NotNil(t, c.limiter)
	require.False(t, c.IsRunning())
	require.Equal(t, "binance", c.Exchange())
}

func TestNewBuildsHMACSignerByDefault(t *testing.T) {
	t.Parallel()

	c, err := New(NewConfigBuilder().Exchange("binance", "key", "secret", true).MustBuild())
	require.NoError(t, err)
	require.NotNil(t, c.signer)
	require.Equal(t, "key", c.signer.APIKey())
}

func TestNewSignerSchemeSelection(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		cfg     ExchangeConfig
		wantErr bool
	}{
		"default is HMAC": {
			cfg: ExchangeConfig{APIKey: "key", APISecret: "secret"},
		},
		"explicit HMAC": {
			cfg: ExchangeConfig{APIKey: "key", APISecret: "secret", SigningScheme: "HMAC"},
		},
		"unknown scheme rejected": {
			cfg:     ExchangeConfig{APIKey: "key", APISecret: "secret", SigningScheme: "DSA"},
			wantErr: true,
		},
		"ED25519 without a key fails": {
			cfg:     ExchangeConfig{APIKey: "key", SigningScheme: "ED25519"},
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := newSigner(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()

	c, err := New(NewConfigBuilder().Exchange("binance", "", "", true).MustBuild())
	require.NoError(t, err)
	require.NoError(t, c.Stop())
}

func TestSetHandlersAndReady(t *testing.T) {
	t.Parallel()

	c, err := New(NewConfigBuilder().Exchange("binance", "", "", true).MustBuild())
	require.NoError(t, err)

	called := false
	c.SetHandlers(Handlers{OnConnect: func(exchange string, connected bool) { called = true }})
	c.handlers.OnConnect("binance", true)
	require.True(t, called)

	select {
	case <-c.Ready():
		t.Fatal("connector should not be ready before connecting")
	default:
	}
}

func TestOrderBookUnknownSymbolReturnsNil(t *testing.T) {
	t.Parallel()

	c, err := New(NewConfigBuilder().Exchange("binance", "", "", true).MustBuild())
	require.NoError(t, err)
	require.Nil(t, c.OrderBook("BTC/USDT"))
}

func TestClockOffsetWithoutClockSyncIsZero(t *testing.T) {
	t.Parallel()

	cfg := NewConfigBuilder().Exchange("binance", "", "", true).MustBuild()
	cfg.ClockSync.Enabled = false
	c, err := New(cfg)
	require.NoError(t, err)
	require.Zero(t, c.ClockOffset())
}

func TestRateLimitStatsWithoutLimiterIsNil(t *testing.T) {
	t.Parallel()

	c := &Connector{}
	require.Nil(t, c.RateLimitStats())
}
