// Package clock maintains the signed millisecond offset between the local
// process clock and an exchange server clock, used to stamp signed
// requests. Binance rejects signed requests whose timestamp drifts too far
// from its own clock. The WebSocket transport stamps signed requests through
// this type; the REST transport stamps its `timestamp` parameter with
// nonce.TimestampMillis (local wall-clock time) and does not apply the offset.
package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lilwiggy/ex-act/pkg/errors"
)

// ProbeFunc returns the exchange server's current time in Unix milliseconds
// (typically a GET /api/v3/time call).
type ProbeFunc func(ctx context.Context) (int64, error)

// Config contains clock synchronization configuration.
type Config struct {
	MaxOffset    time.Duration // Maximum allowed drift before Sync reports an error (default: 500ms)
	SyncInterval time.Duration // background resync interval (default: 5m)
	Probe        ProbeFunc
}

// DefaultConfig returns the default clock configuration.
func DefaultConfig() Config {
	return Config{
		MaxOffset:    500 * time.Millisecond,
		SyncInterval: 5 * time.Minute,
	}
}

// Clock holds an atomically-readable signed offset (server - local, in
// milliseconds) and the machinery to refresh it. Resync is triggered at
// three points per spec.md §4.2: construction (via Start), reconnect (the
// caller invokes Sync again after a transport reconnects), and lazily
// before the first signed WebSocket request if it has never synced.
type Clock struct {
	exchange string

	offset   atomic.Int64 // server - local, milliseconds
	lastSync atomic.Int64 // Unix milliseconds of last successful sync

	maxOffset    time.Duration
	syncInterval time.Duration
	probe        ProbeFunc

	mutex   sync.Mutex
	stopCh  chan struct{}
	running atomic.Bool
}

// New creates a Clock. Call Start to perform the initial sync and begin the
// background resync loop.
func New(exchange string, cfg Config) *Clock {
	def := DefaultConfig()
	if cfg.MaxOffset == 0 {
		cfg.MaxOffset = def.MaxOffset
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	return &Clock{
		exchange:     exchange,
		maxOffset:    cfg.MaxOffset,
		syncInterval: cfg.SyncInterval,
		probe:        cfg.Probe,
		stopCh:       make(chan struct{}),
	}
}

// Start performs the construction-time sync and begins the periodic resync
// loop. A failed initial sync is returned to the caller; periodic failures
// are logged and do not stop the loop (drift correction is best-effort).
func (c *Clock) Start() error {
	if c.running.Swap(true) {
		return nil
	}
	if err := c.Sync(context.Background()); err != nil {
		c.running.Store(false)
		return err
	}
	go c.syncLoop()
	log.Info().Str("exchange", c.exchange).Dur("interval", c.syncInterval).Msg("clock sync started")
	return nil
}

// Stop halts the background resync loop.
func (c *Clock) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.stopCh)
	log.Info().Str("exchange", c.exchange).Msg("clock sync stopped")
}

// Sync performs one round-trip probe and updates the offset. A drift beyond
// maxOffset is reported as a ClockSyncError but the offset is still stored
// — the spec treats excess drift as a signal, not a reason to keep using a
// stale offset.
func (c *Clock) Sync(ctx context.Context) error {
	c.mutex.Lock()
	probe := c.probe
	c.mutex.Unlock()
	if probe == nil {
		return errors.NewValidationError("probe", nil, "clock probe function must not be nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	localStart := time.Now().UnixMilli()
	serverTime, err := probe(ctx)
	if err != nil {
		return errors.NewConnectionError(c.exchange, "clock", "sync failed: "+err.Error(), true)
	}
	localEnd := time.Now().UnixMilli()

	localMid := (localStart + localEnd) / 2
	offset := serverTime - localMid

	c.offset.Store(offset)
	c.lastSync.Store(time.Now().UnixMilli())

	log.Debug().Str("exchange", c.exchange).Int64("offset_ms", offset).Msg("clock synchronized")

	if abs(offset) > c.maxOffset.Milliseconds() {
		return errors.NewClockSyncError(
			c.exchange,
			time.UnixMilli(localMid),
			time.UnixMilli(serverTime),
			time.Duration(abs(offset))*time.Millisecond,
		)
	}
	return nil
}

// SyncIfNever performs the lazy-first-use trigger: if the clock has never
// synced, it syncs now; otherwise it is a no-op. Intended for the first
// signed WebSocket request on a connection where Start was never called.
func (c *Clock) SyncIfNever(ctx context.Context) error {
	if c.IsSynchronized() {
		return nil
	}
	return c.Sync(ctx)
}

func (c *Clock) syncLoop() {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Sync(context.Background()); err != nil {
				log.Error().Err(err).Str("exchange", c.exchange).Msg("clock sync failed")
			}
		}
	}
}

// Now returns the current synchronized time.
func (c *Clock) Now() time.Time {
	return time.UnixMilli(c.NowMillis())
}

// NowMillis returns the current synchronized time in Unix milliseconds.
func (c *Clock) NowMillis() int64 {
	return time.Now().UnixMilli() + c.offset.Load()
}

// Offset returns the current signed offset (server - local).
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Millisecond
}

// IsSynchronized reports whether a sync has ever succeeded.
func (c *Clock) IsSynchronized() bool {
	return c.lastSync.Load() > 0
}

// LastSync returns the time of the last successful sync.
func (c *Clock) LastSync() time.Time {
	return time.UnixMilli(c.lastSync.Load())
}

// SetProbe replaces the probe function, used when the REST transport that
// backs it is recreated (e.g. after a base URL change).
func (c *Clock) SetProbe(probe ProbeFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.probe = probe
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
