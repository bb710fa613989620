package rest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalQuery(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		params map[string]any
		want   string
	}{
		"sorts keys lexicographically": {
			params: map[string]any{"symbol": "BTCUSDT", "side": "BUY"},
			want:   "side=BUY&symbol=BTCUSDT",
		},
		"encodes array values as json": {
			params: map[string]any{"symbols": []string{"BTCUSDT", "ETHUSDT"}},
			want:   `symbols=%5B%22BTCUSDT%22%2C%22ETHUSDT%22%5D`,
		},
		"percent-encodes reserved characters": {
			params: map[string]any{"a": "x y&z"},
			want:   "a=x%20y%26z",
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := CanonicalQuery(tc.params)
			require.Equal(t, tc.want, got)
		})
	}
}
