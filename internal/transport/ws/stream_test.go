package ws

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamBuilder(t *testing.T) {
	t.Parallel()

	sb := NewStreamBuilder("BTCUSDT")
	require.Equal(t, "btcusdt@ticker", sb.Ticker())
	require.Equal(t, "btcusdt@depth@100ms", sb.Depth())
	require.Equal(t, "btcusdt@kline_1m", sb.Kline("1m"))
	require.Equal(t, "btcusdt@kline_1m", sb.Kline("1M")) // normalized to lowercase
}

func TestParseStreamSymbolAndType(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		stream     string
		wantSymbol string
		wantType   string
	}{
		"ticker stream":      {"btcusdt@ticker", "BTCUSDT", "ticker"},
		"depth with speed":   {"ethusdt@depth@100ms", "ETHUSDT", "depth"},
		"all book tickers":   {"!bookTicker", "", "bookTicker"},
		"malformed no at":    {"btcusdt", "", ""},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.wantSymbol, ParseStreamSymbol(tc.stream))
			require.Equal(t, tc.wantType, ParseStreamType(tc.stream))
		})
	}
}

func TestCombineAndSplitStreams(t *testing.T) {
	t.Parallel()

	streams := []string{"btcusdt@ticker", "ethusdt@trade"}
	combined := CombineStreams(streams)
	require.Equal(t, "btcusdt@ticker/ethusdt@trade", combined)
	require.ElementsMatch(t, streams, SplitCombinedStream(combined))
	require.Empty(t, CombineStreams(nil))
	require.Nil(t, SplitCombinedStream(""))
}

func TestSubscriptionManager(t *testing.T) {
	t.Parallel()

	sm := NewSubscriptionManager()
	require.True(t, sm.Subscribe("BTCUSDT@Ticker"))
	require.False(t, sm.Subscribe("btcusdt@ticker")) // already subscribed, case-insensitive
	require.True(t, sm.IsSubscribed("btcusdt@ticker"))
	require.Equal(t, 1, sm.Count())

	require.True(t, sm.Unsubscribe("btcusdt@ticker"))
	require.False(t, sm.Unsubscribe("btcusdt@ticker"))
	require.Equal(t, 0, sm.Count())
}
