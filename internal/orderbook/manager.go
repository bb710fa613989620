package orderbook

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lilwiggy/ex-act/pkg/domain"
)

// DiffEvent is one diff-depth update: a range [FirstUpdateID,
// LastUpdateID] and the bid/ask changes it carries. Within one event,
// bids are applied before asks; within a side, wire order is preserved.
type DiffEvent struct {
	FirstUpdateID int64
	LastUpdateID  int64
	Bids          []domain.OrderBookLevel
	Asks          []domain.OrderBookLevel
}

// Snapshot is a REST depth snapshot.
type Snapshot struct {
	LastUpdateID int64
	Bids         []domain.OrderBookLevel
	Asks         []domain.OrderBookLevel
}

// SnapshotFetcher fetches a depth snapshot of at least maxDepth levels
// per side for symbol.
type SnapshotFetcher func(ctx context.Context, symbol string, maxDepth int) (*Snapshot, error)

type state int

const (
	stateBuffering state = iota
	stateInitialized
)

// minBufferBeforeSnapshot is the buffered-event count that triggers a
// snapshot fetch attempt, per the exchange's published sequencing
// algorithm.
const minBufferBeforeSnapshot = 3

// Manager reconstructs one symbol's local L2 book from a REST snapshot
// plus a continuous diff-depth stream, implementing Binance's corrected
// (2025-11-12) bootstrap and steady-state sequencing algorithm with
// automatic resynchronization on a detected gap.
type Manager struct {
	symbol        string
	maxDepth      int
	fetchSnapshot SnapshotFetcher
	onUpdate      func()

	mu          sync.Mutex
	state       state
	buffer      []DiffEvent
	bids        *rbTree
	asks        *rbTree
	lastApplied int64
	started     bool
}

// NewManager creates a Manager for symbol. maxDepth bounds the snapshot
// depth requested from fetchSnapshot.
func NewManager(symbol string, maxDepth int, fetchSnapshot SnapshotFetcher) *Manager {
	return &Manager{
		symbol:        symbol,
		maxDepth:      maxDepth,
		fetchSnapshot: fetchSnapshot,
		bids:          newRBTree(true),
		asks:          newRBTree(false),
	}
}

// OnUpdate registers a callback invoked after every successfully applied
// diff event. Panics inside it are recovered and logged; book state is
// unaffected.
func (m *Manager) OnUpdate(fn func()) { m.onUpdate = fn }

// Start transitions the manager to the buffering state. The caller is
// responsible for subscribing to the diff-depth stream and feeding
// events to HandleDiff; Start only resets local state.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.started = true
}

// Stop clears all state and returns the manager to uninitialized.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.started = false
}

func (m *Manager) resetLocked() {
	m.state = stateBuffering
	m.buffer = nil
	m.bids = newRBTree(true)
	m.asks = newRBTree(false)
	m.lastApplied = 0
}

// IsReady reports whether the book has completed bootstrap and is
// serving consistent, gap-free state.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateInitialized
}

// HandleDiff feeds one diff-depth event into the state machine. Must be
// called in exchange order for a given symbol.
func (m *Manager) HandleDiff(ctx context.Context, event DiffEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateBuffering:
		m.buffer = append(m.buffer, event)
		if len(m.buffer) >= minBufferBeforeSnapshot {
			m.tryInitializeLocked(ctx)
		}
	case stateInitialized:
		m.applySteadyStateLocked(event)
	}
}

// tryInitializeLocked runs the bootstrap algorithm. Caller holds m.mu.
func (m *Manager) tryInitializeLocked(ctx context.Context) {
	firstBuffered := m.buffer[0]

	snap, err := m.fetchSnapshot(ctx, m.symbol, m.maxDepth)
	if err != nil {
		log.Warn().Err(err).Str("symbol", m.symbol).Msg("orderbook: snapshot fetch failed, retrying on next diff")
		return
	}

	if snap.LastUpdateID < firstBuffered.FirstUpdateID {
		// Snapshot predates our earliest buffered event; keep buffering
		// and retry once a newer event arrives.
		return
	}

	m.loadSnapshotLocked(snap)
	m.lastApplied = snap.LastUpdateID

	remaining := m.buffer[:0:0]
	for _, ev := range m.buffer {
		if ev.LastUpdateID > m.lastApplied {
			remaining = append(remaining, ev)
		}
	}

	if len(remaining) > 0 {
		first := remaining[0]
		if !(first.FirstUpdateID <= m.lastApplied && m.lastApplied <= first.LastUpdateID) {
			log.Warn().Str("symbol", m.symbol).Msg("orderbook: inconsistent bootstrap straddle, discarding state")
			m.resetLocked()
			return
		}
	}

	for _, ev := range remaining {
		m.applyLevelsLocked(ev.Bids, m.bids)
		m.applyLevelsLocked(ev.Asks, m.asks)
		m.lastApplied = ev.LastUpdateID
	}

	m.buffer = nil
	m.state = stateInitialized
}

func (m *Manager) loadSnapshotLocked(snap *Snapshot) {
	m.bids = newRBTree(true)
	m.asks = newRBTree(false)
	m.applyLevelsLocked(snap.Bids, m.bids)
	m.applyLevelsLocked(snap.Asks, m.asks)
}

// applySteadyStateLocked runs the Initialized-state update protocol.
// Caller holds m.mu.
func (m *Manager) applySteadyStateLocked(event DiffEvent) {
	if event.LastUpdateID <= m.lastApplied {
		return // outdated, ignore
	}
	if event.FirstUpdateID > m.lastApplied+1 {
		log.Warn().Str("symbol", m.symbol).
			Int64("last_applied", m.lastApplied).
			Int64("event_first", event.FirstUpdateID).
			Msg("orderbook: sequence gap detected, restarting synchronization")
		m.resetLocked()
		return
	}

	m.applyLevelsLocked(event.Bids, m.bids)
	m.applyLevelsLocked(event.Asks, m.asks)
	m.lastApplied = event.LastUpdateID

	if m.onUpdate != nil {
		m.safeCallback(m.onUpdate)
	}
}

// applyLevelsLocked applies a list of level changes to one side of the
// book. A zero price is a no-op; a zero quantity deletes the level;
// anything else overwrites it.
func (m *Manager) applyLevelsLocked(levels []domain.OrderBookLevel, side *rbTree) {
	for _, level := range levels {
		if level.Price == nil || domain.IsZero(level.Price) {
			continue
		}
		if level.Quantity == nil || domain.IsZero(level.Quantity) {
			side.Delete(level.Price)
			continue
		}
		side.Upsert(level.Price, level.Quantity)
	}
}

func (m *Manager) safeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("symbol", m.symbol).Msg("orderbook: update callback panicked")
		}
	}()
	fn()
}

// BestBid returns the highest bid level, or nil if the book has none.
func (m *Manager) BestBid() *domain.OrderBookLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, qty, ok := m.bids.Best()
	if !ok {
		return nil
	}
	return &domain.OrderBookLevel{Price: price, Quantity: qty}
}

// BestAsk returns the lowest ask level, or nil if the book has none.
func (m *Manager) BestAsk() *domain.OrderBookLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, qty, ok := m.asks.Best()
	if !ok {
		return nil
	}
	return &domain.OrderBookLevel{Price: price, Quantity: qty}
}

// TopN returns up to n levels per side, best first.
func (m *Manager) TopN(n int) (bids, asks []domain.OrderBookLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bids = collectTopN(m.bids, n)
	asks = collectTopN(m.asks, n)
	return bids, asks
}

func collectTopN(side *rbTree, n int) []domain.OrderBookLevel {
	levels := make([]domain.OrderBookLevel, 0, n)
	side.ForEach(func(price, quantity domain.Decimal) bool {
		levels = append(levels, domain.OrderBookLevel{Price: price, Quantity: quantity})
		return len(levels) < n
	})
	return levels
}

// LastUpdateID returns the last-applied sequencing id.
func (m *Manager) LastUpdateID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Snapshot materializes the current book state as a domain.OrderBook.
func (m *Manager) Snapshot(exchange string) *domain.OrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()

	bids := make([]domain.OrderBookLevel, 0, m.bids.Size())
	m.bids.ForEach(func(price, quantity domain.Decimal) bool {
		bids = append(bids, domain.OrderBookLevel{Price: price, Quantity: quantity})
		return true
	})
	asks := make([]domain.OrderBookLevel, 0, m.asks.Size())
	m.asks.ForEach(func(price, quantity domain.Decimal) bool {
		asks = append(asks, domain.OrderBookLevel{Price: price, Quantity: quantity})
		return true
	})

	return &domain.OrderBook{
		Exchange:     exchange,
		Symbol:       domain.NormalizeSymbol(m.symbol),
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: m.lastApplied,
	}
}
