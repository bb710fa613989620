package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterCharge(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		max      int
		window   time.Duration
		charges  int
		wantErr  bool
	}{
		"under budget succeeds immediately": {max: 10, window: time.Minute, charges: 1},
		"exact budget succeeds":             {max: 10, window: time.Minute, charges: 10},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := NewLimiter()
			l.RegisterClass("REQUEST_WEIGHT", tc.window, tc.max, false)

			ctx, cancel := context.WithTimeout(t.Context(), time.Second)
			defer cancel()
			err := l.Charge(ctx, "REQUEST_WEIGHT", tc.charges)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLimiterClassNormalization(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.RegisterClass("REQUEST_WEIGHT", time.Minute, 5, false)

	require.NoError(t, l.Charge(t.Context(), "REQUESTS", 5))

	stats := l.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "REQUEST_WEIGHT", stats[0].Class)
	require.Equal(t, 5, stats[0].Used)
}

func TestLimiterBlocksOverBudget(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.RegisterClass("ORDERS", 100*time.Millisecond, 1, false)

	require.NoError(t, l.Charge(t.Context(), "ORDERS", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Charge(ctx, "ORDERS", 1)
	require.Error(t, err)
}

func TestLimiterSetBackoff(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.RegisterClass("REQUEST_WEIGHT", time.Minute, 100, false)
	l.SetBackoff(30 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Charge(context.Background(), "REQUEST_WEIGHT", 1))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestLimiterReconcile(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.RegisterClass("REQUEST_WEIGHT", time.Minute, 1200, false)

	l.Reconcile([]ServerCount{{Class: "REQUEST_WEIGHT", Window: time.Minute, Max: 1200, Count: 1190}})

	stats := l.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 1190, stats[0].Used)
	require.Equal(t, 10, stats[0].Available)
}
