package orderbook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lilwiggy/ex-act/pkg/domain"
)

func lvl(price, qty string) domain.OrderBookLevel {
	return domain.OrderBookLevel{Price: domain.MustDecimal(price), Quantity: domain.MustDecimal(qty)}
}

func snapshotFetcherReturning(snap *Snapshot, err error) SnapshotFetcher {
	return func(ctx context.Context, symbol string, maxDepth int) (*Snapshot, error) {
		return snap, err
	}
}

func TestManagerHappyPathBootstrap(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		LastUpdateID: 160,
		Bids:         []domain.OrderBookLevel{lvl("100", "1")},
		Asks:         []domain.OrderBookLevel{lvl("101", "1")},
	}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 165,
		Bids: []domain.OrderBookLevel{lvl("100", "2")}})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 166, LastUpdateID: 170,
		Asks: []domain.OrderBookLevel{lvl("101", "3")}})

	require.True(t, m.IsReady())
	require.Equal(t, int64(170), m.LastUpdateID())

	bestBid := m.BestBid()
	require.NotNil(t, bestBid)
	require.Equal(t, 0, bestBid.Price.Cmp(domain.MustDecimal("100")))
	require.Equal(t, 0, bestBid.Quantity.Cmp(domain.MustDecimal("2")))

	bestAsk := m.BestAsk()
	require.NotNil(t, bestAsk)
	require.Equal(t, 0, bestAsk.Quantity.Cmp(domain.MustDecimal("3")))
}

func TestManagerSnapshotTooOldKeepsBuffering(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{LastUpdateID: 100}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})

	require.False(t, m.IsReady())
}

func TestManagerStraddleFailureResetsBuffer(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{LastUpdateID: 160}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	// A gap (161..169) separates the snapshot's lastUpdateId from the first
	// remaining buffered event, so the [U,u] straddle check must fail and
	// force a full restart.
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 170, LastUpdateID: 175})

	require.False(t, m.IsReady())
	require.Equal(t, int64(0), m.LastUpdateID())
}

func TestManagerGapDetectionRestartsSync(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		LastUpdateID: 163,
		Bids:         []domain.OrderBookLevel{lvl("100", "1")},
	}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})
	require.True(t, m.IsReady())

	// Skip ahead — a gap between last_applied+1 (166) and the next event's
	// FirstUpdateID (200) must force a full resync.
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 200, LastUpdateID: 205})

	require.False(t, m.IsReady())
	require.Equal(t, int64(0), m.LastUpdateID())
}

func TestManagerOutdatedEventIgnored(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{LastUpdateID: 163}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})
	require.True(t, m.IsReady())

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 100, LastUpdateID: 150,
		Bids: []domain.OrderBookLevel{lvl("999", "1")}})

	require.Equal(t, int64(165), m.LastUpdateID())
	require.Nil(t, m.BestBid())
}

func TestManagerZeroQuantityDeletesLevel(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		LastUpdateID: 163,
		Bids:         []domain.OrderBookLevel{lvl("100", "1")},
	}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})
	require.True(t, m.IsReady())
	require.NotNil(t, m.BestBid())

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 166, LastUpdateID: 170,
		Bids: []domain.OrderBookLevel{lvl("100", "0")}})

	require.Nil(t, m.BestBid())
}

func TestManagerZeroPriceIsNoOp(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		LastUpdateID: 163,
		Bids:         []domain.OrderBookLevel{lvl("100", "1")},
	}
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(snap, nil))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})
	require.True(t, m.IsReady())

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 166, LastUpdateID: 170,
		Bids: []domain.OrderBookLevel{lvl("0", "5")}})

	bestBid := m.BestBid()
	require.NotNil(t, bestBid)
	require.Equal(t, 0, bestBid.Quantity.Cmp(domain.MustDecimal("1")))
}

func TestManagerSnapshotFetchErrorKeepsBuffering(t *testing.T) {
	t.Parallel()

	fetchErr := errors.New("snapshot unavailable")
	m := NewManager("BTCUSDT", 1000, snapshotFetcherReturning(nil, fetchErr))
	m.Start()
	ctx := context.Background()

	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 150, LastUpdateID: 155})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 156, LastUpdateID: 160})
	m.HandleDiff(ctx, DiffEvent{FirstUpdateID: 161, LastUpdateID: 165})

	require.False(t, m.IsReady())
}
