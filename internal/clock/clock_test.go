package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSyncComputesOffset(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		serverOffset time.Duration
		wantErr      bool
	}{
		"small drift is fine":        {serverOffset: 50 * time.Millisecond, wantErr: false},
		"large drift reports error":  {serverOffset: 2 * time.Second, wantErr: true},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := New("binance", Config{
				MaxOffset: 500 * time.Millisecond,
				Probe: func(ctx context.Context) (int64, error) {
					return time.Now().Add(tc.serverOffset).UnixMilli(), nil
				},
			})

			err := c.Sync(t.Context())
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.True(t, c.IsSynchronized())
		})
	}
}

func TestClockSyncIfNever(t *testing.T) {
	t.Parallel()
	calls := 0
	c := New("binance", Config{
		Probe: func(ctx context.Context) (int64, error) {
			calls++
			return time.Now().UnixMilli(), nil
		},
	})

	require.NoError(t, c.SyncIfNever(t.Context()))
	require.NoError(t, c.SyncIfNever(t.Context()))
	require.Equal(t, 1, calls)
}
