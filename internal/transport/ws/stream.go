package ws

import (
	"strings"
	"sync"
)

// SubscriptionManager tracks active stream subscriptions for automatic
// resubscription on reconnect.
type SubscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// NewSubscriptionManager creates a SubscriptionManager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: make(map[string]bool),
	}
}

// Subscribe adds a stream. Returns true if it was not already subscribed.
// Stream names are normalized to lowercase, matching Binance's convention.
func (sm *SubscriptionManager) Subscribe(stream string) bool {
	stream = strings.ToLower(stream)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.subscriptions[stream] {
		return false
	}
	sm.subscriptions[stream] = true
	return true
}

// Unsubscribe removes a stream. Returns true if it had been subscribed.
func (sm *SubscriptionManager) Unsubscribe(stream string) bool {
	stream = strings.ToLower(stream)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.subscriptions[stream] {
		return false
	}
	delete(sm.subscriptions, stream)
	return true
}

// IsSubscribed reports whether stream is currently subscribed.
func (sm *SubscriptionManager) IsSubscribed(stream string) bool {
	stream = strings.ToLower(stream)

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.subscriptions[stream]
}

// Streams returns every subscribed stream name, used to rebuild the
// combined-stream URL on reconnect.
func (sm *SubscriptionManager) Streams() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	streams := make([]string, 0, len(sm.subscriptions))
	for stream := range sm.subscriptions {
		streams = append(streams, stream)
	}
	return streams
}

// Count returns the number of active subscriptions.
func (sm *SubscriptionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.subscriptions)
}

// Clear removes all subscriptions.
func (sm *SubscriptionManager) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.subscriptions = make(map[string]bool)
}

// StreamBuilder builds Binance WebSocket stream names for a single symbol.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#websocket-market-streams
type StreamBuilder struct {
	symbol string
}

// NewStreamBuilder creates a StreamBuilder for symbol in exchange format
// (e.g. "BTCUSDT").
func NewStreamBuilder(symbol string) *StreamBuilder {
	return &StreamBuilder{symbol: strings.ToLower(symbol)}
}

func (sb *StreamBuilder) Ticker() string      { return sb.symbol + "@ticker" }
func (sb *StreamBuilder) Ticker1s() string    { return sb.symbol + "@ticker@1s" }
func (sb *StreamBuilder) MiniTicker() string  { return sb.symbol + "@miniTicker" }
func (sb *StreamBuilder) BookTicker() string  { return sb.symbol + "@bookTicker" }
func (sb *StreamBuilder) Depth() string       { return sb.symbol + "@depth@100ms" }
func (sb *StreamBuilder) Depth100ms() string  { return sb.symbol + "@depth@100ms" }
func (sb *StreamBuilder) Depth10() string     { return sb.symbol + "@depth10@100ms" }
func (sb *StreamBuilder) Depth20() string     { return sb.symbol + "@depth20@100ms" }
func (sb *StreamBuilder) Trade() string       { return sb.symbol + "@trade" }
func (sb *StreamBuilder) AggTrade() string    { return sb.symbol + "@aggTrade" }
func (sb *StreamBuilder) ForceOrder() string  { return sb.symbol + "@forceOrder" }

// Kline builds a kline/candlestick stream name for the given interval
// (1s, 1m, 3m, 5m, 15m, 30m, 1h, 2h, 4h, 6h, 8h, 12h, 1d, 3d, 1w). The
// interval is lowercased, so "1M" yields the same stream name as "1m"; the
// monthly interval is not reachable through this builder.
func (sb *StreamBuilder) Kline(interval string) string {
	return sb.symbol + "@kline_" + strings.ToLower(interval)
}

// AllBookTickers returns the all-symbols book ticker stream name.
func AllBookTickers() string { return "!bookTicker" }

// UserData returns the listen-key stream path for a user data stream.
func UserData(listenKey string) string { return listenKey }

// CombineStreams joins stream names into a combined-stream URL suffix.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#combined-stream-exports
func CombineStreams(streams []string) string {
	if len(streams) == 0 {
		return ""
	}
	return strings.Join(streams, "/")
}

// SplitCombinedStream splits a combined stream path into individual streams.
func SplitCombinedStream(combined string) []string {
	if combined == "" {
		return nil
	}
	return strings.Split(combined, "/")
}

// ParseStreamSymbol extracts the normalized symbol from a stream name, or
// "" if the stream has no per-symbol form (e.g. "!bookTicker").
func ParseStreamSymbol(stream string) string {
	stream = strings.ToLower(stream)
	if strings.HasPrefix(stream, "!") {
		return ""
	}
	idx := strings.Index(stream, "@")
	if idx <= 0 {
		return ""
	}
	return strings.ToUpper(stream[:idx])
}

// ParseStreamType extracts the stream type (ticker, depth, trade, ...) from
// a stream name.
func ParseStreamType(stream string) string {
	stream = strings.ToLower(stream)
	if stream == "!bookticker" {
		return "bookTicker"
	}
	if stream == "!miniticker" {
		return "miniTicker"
	}

	atIdx := strings.Index(stream, "@")
	if atIdx < 0 || atIdx == len(stream)-1 {
		return ""
	}
	rest := stream[atIdx+1:]
	if next := strings.Index(rest, "@"); next > 0 {
		return rest[:next]
	}
	return rest
}
