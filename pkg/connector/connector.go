package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lilwiggy/ex-act/internal/circuit"
	"github.com/lilwiggy/ex-act/internal/clock"
	"github.com/lilwiggy/ex-act/internal/orderbook"
	"github.com/lilwiggy/ex-act/internal/ratelimit"
	"github.com/lilwiggy/ex-act/internal/sbe"
	"github.com/lilwiggy/ex-act/internal/signing"
	"github.com/lilwiggy/ex-act/internal/transport/rest"
	"github.com/lilwiggy/ex-act/internal/transport/ws"
	"github.com/lilwiggy/ex-act/pkg/domain"
)

const orderBookMaxDepth = 1000

// Connector provides exchange connectivity with fault tolerance.
// One Connector instance connects to one exchange.
type Connector struct {
	config   Config
	exchange string

	// Components
	signer         signing.Signer
	clock          *clock.Clock
	limiter        *ratelimit.Limiter
	restClient     *rest.Client
	wsClient       *ws.Client
	circuitBreaker *circuit.Breaker

	booksMu sync.RWMutex
	books   map[string]*orderbook.Manager

	// State
	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	// Handlers
	handlers Handlers

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Connector for an exchange.
func New(cfg Config) (*Connector, error) {
	if err := cfg.Exchange.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connector{
		config:   cfg,
		exchange: cfg.Exchange.Name,
		ready:    make(chan struct{}),
		books:    make(map[string]*orderbook.Manager),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := c.initComponents(); err != nil {
		cancel()
		return nil, err
	}

	return c, nil
}

// initComponents initializes all components.
func (c *Connector) initComponents() error {
	var err error

	if cfg := c.config.Exchange; cfg.APIKey != "" {
		c.signer, err = newSigner(cfg)
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}
	}

	if c.config.RateLimit.Enabled {
		c.limiter = ratelimit.NewDefaultLimiter()
	} else {
		c.limiter = ratelimit.NewLimiter()
	}

	restCfg := rest.Config{
		Testnet:    c.config.Exchange.Testnet,
		Timeout:    c.config.Connection.Timeout,
		RecvWindow: c.config.Connection.RecvWindow,
		ProxyURL:   c.config.Connection.ProxyURL,
	}
	c.restClient, err = rest.New(restCfg, c.signer, c.limiter)
	if err != nil {
		return fmt.Errorf("failed to create REST client: %w", err)
	}

	if c.config.CircuitBreaker.Enabled {
		c.circuitBreaker = circuit.NewBreaker(c.exchange, circuit.Config{
			MaxFailures:      c.config.CircuitBreaker.MaxFailures,
			SuccessThreshold: c.config.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      c.config.CircuitBreaker.OpenTimeout,
		})
	}

	if c.config.ClockSync.Enabled {
		c.clock = clock.New(c.exchange, clock.Config{
			MaxOffset:    c.config.ClockSync.MaxOffset,
			SyncInterval: c.config.ClockSync.SyncInterval,
			Probe:        c.restClient.GetServerTime,
		})
	}

	wsCfg := ws.Config{
		Testnet:      c.config.Exchange.Testnet,
		PingInterval: c.config.Connection.PingInterval,
		Reconnect: ws.ReconnectConfig{
			InitialDelay: c.config.Connection.ReconnectDelay,
			MaxDelay:     c.config.Connection.MaxReconnectWait,
			MaxAttempts:  0,
			Jitter:       0.1,
		},
	}
	c.wsClient = ws.New(wsCfg, c.signer, c.clock, c.limiter)
	c.setupWSHandlers()

	return nil
}

// newSigner builds the Signer for cfg.SigningScheme, defaulting to HMAC
// when unset.
func newSigner(cfg ExchangeConfig) (signing.Signer, error) {
	switch cfg.SigningScheme {
	case "", "HMAC":
		return signing.NewHMACSigner(cfg.APIKey, cfg.APISecret)
	case "ED25519":
		return signing.NewED25519Signer(cfg.APIKey, cfg.PrivateKeyPEM, cfg.KeyPassphrase)
	case "RSA":
		return signing.NewRSASigner(cfg.APIKey, cfg.PrivateKeyPEM, cfg.KeyPassphrase)
	default:
		return nil, fmt.Errorf("connector: unknown signing scheme %q", cfg.SigningScheme)
	}
}

// setupWSHandlers wires the WebSocket transport's generic event/binary
// dispatch into domain-typed handler callbacks.
func (c *Connector) setupWSHandlers() {
	c.wsClient.OnEvent("24hrTicker", c.handleTickerPayload)
	c.wsClient.OnEvent("bookTicker", c.handleBookTickerPayload)
	c.wsClient.OnEvent("trade", c.handleTradePayload)
	c.wsClient.OnEvent("aggTrade", c.handleAggTradePayload)
	c.wsClient.OnEvent("depthUpdate", c.handleDepthUpdatePayload)
	c.wsClient.OnEvent("executionReport", c.handleOrderUpdatePayload)

	c.wsClient.OnBinary(c.handleBinaryMessage)

	c.wsClient.OnConnect(func() {
		log.Info().Str("exchange", c.exchange).Msg("WebSocket connected")
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect(c.exchange, true)
		}
		c.markReady()
	})

	c.wsClient.OnDisconnect(func(err error) {
		log.Error().Err(err).Str("exchange", c.exchange).Msg("WebSocket disconnected")
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(c.exchange, false)
		}
	})
}

func (c *Connector) handleTickerPayload(payload json.RawMessage) {
	ticker, err := ws.ParseTicker(payload, c.exchange)
	if err != nil {
		c.reportError(err)
		return
	}
	if c.handlers.OnTicker != nil {
		c.safeHandler(func() { c.handlers.OnTicker(c.exchange, ticker) })
	}
}

func (c *Connector) handleBookTickerPayload(payload json.RawMessage) {
	ticker, err := ws.ParseBookTicker(payload, c.exchange)
	if err != nil {
		c.reportError(err)
		return
	}
	if c.handlers.OnTicker != nil {
		c.safeHandler(func() { c.handlers.OnTicker(c.exchange, ticker) })
	}
}

func (c *Connector) handleTradePayload(payload json.RawMessage) {
	trade, err := ws.ParseTrade(payload, c.exchange)
	if err != nil {
		c.reportError(err)
		return
	}
	if c.handlers.OnTrade != nil {
		c.safeHandler(func() { c.handlers.OnTrade(c.exchange, trade) })
	}
}

func (c *Connector) handleAggTradePayload(payload json.RawMessage) {
	trade, err := ws.ParseAggTrade(payload, c.exchange)
	if err != nil {
		c.reportError(err)
		return
	}
	if c.handlers.OnTrade != nil {
		c.safeHandler(func() { c.handlers.OnTrade(c.exchange, trade) })
	}
}

func (c *Connector) handleOrderUpdatePayload(payload json.RawMessage) {
	order, err := ws.ParseOrderUpdate(payload, c.exchange)
	if err != nil {
		c.reportError(err)
		return
	}
	if c.handlers.OnOrder != nil {
		c.safeHandler(func() { c.handlers.OnOrder(c.exchange, order) })
	}
}

// handleDepthUpdatePayload feeds a JSON diff-depth event, the form the depth
// stream opened by SubscribeOrderBook delivers, into the matching symbol's
// order-book manager. SBE-framed diffs go through handleBinaryMessage.
func (c *Connector) handleDepthUpdatePayload(payload json.RawMessage) {
	firstID, lastID, bids, asks, err := ws.ParseDepthUpdate(payload)
	if err != nil {
		c.reportError(err)
		return
	}

	var envelope struct {
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Symbol == "" {
		return
	}

	mgr := c.bookFor(envelope.Symbol)
	mgr.HandleDiff(c.ctx, orderbook.DiffEvent{
		FirstUpdateID: firstID,
		LastUpdateID:  lastID,
		Bids:          bids,
		Asks:          asks,
	})
}

// handleBinaryMessage feeds SBE-framed depth-diff messages into the
// matching symbol's order-book manager, and forwards trade/best-bid-ask
// frames as domain events.
func (c *Connector) handleBinaryMessage(message any) {
	switch m := message.(type) {
	case *sbe.DepthDiff:
		mgr := c.bookFor(m.Symbol)
		mgr.HandleDiff(c.ctx, orderbook.DiffEvent{
			FirstUpdateID: int64(m.FirstUpdateID),
			LastUpdateID:  int64(m.LastUpdateID),
			Bids:          sbeLevelsToDomain(m.BidChanges),
			Asks:          sbeLevelsToDomain(m.AskChanges),
		})
	case *sbe.BestBidAsk:
		if c.handlers.OnTicker == nil {
			return
		}
		ticker := &domain.Ticker{
			Exchange:    c.exchange,
			Symbol:      domain.NormalizeSymbol(m.Symbol),
			BidPrice:    domain.NewDecimalFromFloat64(m.BidPrice),
			BidQuantity: domain.NewDecimalFromFloat64(m.BidQuantity),
			AskPrice:    domain.NewDecimalFromFloat64(m.AskPrice),
			AskQuantity: domain.NewDecimalFromFloat64(m.AskQuantity),
			Timestamp:   time.Now(),
		}
		c.safeHandler(func() { c.handlers.OnTicker(c.exchange, ticker) })
	case *sbe.Trades:
		if c.handlers.OnTrade == nil {
			return
		}
		for _, t := range m.Trades {
			price := domain.NewDecimalFromFloat64(t.Price)
			qty := domain.NewDecimalFromFloat64(t.Quantity)
			side := domain.OrderSideBuy
			if t.BuyerIsMaker {
				side = domain.OrderSideSell
			}
			trade := &domain.Trade{
				Exchange:      c.exchange,
				Symbol:        domain.NormalizeSymbol(m.Symbol),
				ID:            fmt.Sprintf("%d", t.TradeID),
				Price:         price,
				Quantity:      qty,
				QuoteQuantity: domain.Mul(price, qty),
				Side:          side,
				IsMaker:       t.BuyerIsMaker,
				Timestamp:     time.UnixMilli(int64(m.TransactTimeMicros / 1000)),
			}
			c.safeHandler(func() { c.handlers.OnTrade(c.exchange, trade) })
		}
	}
}

func sbeLevelsToDomain(levels []sbe.Level) []domain.OrderBookLevel {
	out := make([]domain.OrderBookLevel, 0, len(levels))
	for _, lvl := range levels {
		qty := domain.NewDecimalFromFloat64(lvl.Quantity)
		if lvl.Absent {
			qty = domain.Zero()
		}
		out = append(out, domain.OrderBookLevel{
			Price:    domain.NewDecimalFromFloat64(lvl.Price),
			Quantity: qty,
		})
	}
	return out
}

// bookFor returns (creating if necessary) the order-book manager for a raw
// exchange symbol and starts it if this is the first time it is seen.
func (c *Connector) bookFor(rawSymbol string) *orderbook.Manager {
	c.booksMu.RLock()
	mgr, ok := c.books[rawSymbol]
	c.booksMu.RUnlock()
	if ok {
		return mgr
	}

	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	if mgr, ok = c.books[rawSymbol]; ok {
		return mgr
	}

	mgr = orderbook.NewManager(rawSymbol, orderBookMaxDepth, c.fetchSnapshot)
	mgr.OnUpdate(func() {
		if c.handlers.OnOrderBook == nil {
			return
		}
		snap := mgr.Snapshot(c.exchange)
		c.safeHandler(func() { c.handlers.OnOrderBook(c.exchange, snap) })
	})
	mgr.Start()
	c.books[rawSymbol] = mgr
	return mgr
}

// fetchSnapshot is the orderbook.SnapshotFetcher backed by the REST depth
// endpoint.
func (c *Connector) fetchSnapshot(ctx context.Context, symbol string, maxDepth int) (*orderbook.Snapshot, error) {
	var (
		lastUpdateID int64
		rawBids      [][2]string
		rawAsks      [][2]string
		err          error
	)
	if c.circuitBreaker != nil {
		result, cbErr := c.circuitBreaker.ExecuteWithResult(func() (any, error) {
			id, bids, asks, err := c.restClient.GetDepthSnapshot(ctx, symbol, maxDepth)
			if err != nil {
				return nil, err
			}
			return [3]any{id, bids, asks}, nil
		})
		if cbErr != nil {
			return nil, cbErr
		}
		triple := result.([3]any)
		lastUpdateID, rawBids, rawAsks = triple[0].(int64), triple[1].([][2]string), triple[2].([][2]string)
	} else {
		lastUpdateID, rawBids, rawAsks, err = c.restClient.GetDepthSnapshot(ctx, symbol, maxDepth)
		if err != nil {
			return nil, err
		}
	}
	bids, err := rawLevelsToDomain(rawBids)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot bids: %w", err)
	}
	asks, err := rawLevelsToDomain(rawAsks)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot asks: %w", err)
	}
	return &orderbook.Snapshot{LastUpdateID: lastUpdateID, Bids: bids, Asks: asks}, nil
}

func rawLevelsToDomain(raw [][2]string) ([]domain.OrderBookLevel, error) {
	out := make([]domain.OrderBookLevel, 0, len(raw))
	for _, level := range raw {
		price, err := domain.NewDecimal(level[0])
		if err != nil {
			return nil, err
		}
		qty, err := domain.NewDecimal(level[1])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.OrderBookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func (c *Connector) reportError(err error) {
	log.Error().Err(err).Str("exchange", c.exchange).Msg("failed to parse market data payload")
	if c.handlers.OnError != nil {
		c.handlers.OnError(c.exchange, err)
	}
}

// Start starts the connector.
// It returns immediately, use Ready() to wait for full initialization.
func (c *Connector) Start() error {
	if c.running.Swap(true) {
		return fmt.Errorf("connector already running")
	}

	log.Info().Str("exchange", c.exchange).Msg("starting connector")

	if c.clock != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.clock.Start(); err != nil {
				log.Error().Err(err).Msg("clock sync failed")
				if c.handlers.OnError != nil {
					c.handlers.OnError(c.exchange, err)
				}
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.wsClient.Connect(); err != nil {
			log.Error().Err(err).Msg("WebSocket connection failed")
			if c.handlers.OnError != nil {
				c.handlers.OnError(c.exchange, err)
			}
		}
	}()

	return nil
}

// Stop stops the connector gracefully.
func (c *Connector) Stop() error {
	if !c.running.Swap(false) {
		return nil
	}

	log.Info().Str("exchange", c.exchange).Msg("stopping connector")

	c.cancel()

	if c.clock != nil {
		c.clock.Stop()
	}

	if c.wsClient != nil {
		c.wsClient.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timeout waiting for goroutines to stop")
	}

	if c.restClient != nil {
		c.restClient.Close()
	}

	log.Info().Str("exchange", c.exchange).Msg("connector stopped")

	return nil
}

// Ready returns a channel that is closed when the connector is ready.
func (c *Connector) Ready() <-chan struct{} {
	return c.ready
}

func (c *Connector) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
}

// IsRunning returns true if the connector is running.
func (c *Connector) IsRunning() bool {
	return c.running.Load()
}

// IsConnected returns true if WebSocket is connected.
func (c *Connector) IsConnected() bool {
	return c.wsClient != nil && c.wsClient.IsConnected()
}

// Exchange returns the exchange name.
func (c *Connector) Exchange() string {
	return c.exchange
}

// SetHandlers sets event handlers.
func (c *Connector) SetHandlers(handlers Handlers) {
	c.handlers = handlers
}

// SubscribeTicker subscribes to ticker updates for a symbol.
func (c *Connector) SubscribeTicker(symbol string) (func(), error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("connector not running")
	}

	stream := ws.NewStreamBuilder(symbol).Ticker()
	if err := c.wsClient.Subscribe(stream); err != nil {
		return nil, err
	}

	return func() { c.wsClient.Unsubscribe(stream) }, nil
}

// SubscribeOrderBook subscribes to diff-depth updates for a symbol and
// starts its order-book manager bootstrap sequence.
func (c *Connector) SubscribeOrderBook(symbol string) (func(), error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("connector not running")
	}

	c.bookFor(domain.ExchangeSymbol(symbol))

	stream := ws.NewStreamBuilder(symbol).Depth100ms()
	if err := c.wsClient.Subscribe(stream); err != nil {
		return nil, err
	}

	return func() { c.wsClient.Unsubscribe(stream) }, nil
}

// SubscribeTrades subscribes to trade updates for a symbol.
func (c *Connector) SubscribeTrades(symbol string) (func(), error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("connector not running")
	}

	stream := ws.NewStreamBuilder(symbol).Trade()
	if err := c.wsClient.Subscribe(stream); err != nil {
		return nil, err
	}

	return func() { c.wsClient.Unsubscribe(stream) }, nil
}

// OrderBook returns the current local order-book snapshot for symbol, or
// nil if no subscription has been established for it yet.
func (c *Connector) OrderBook(symbol string) *domain.OrderBook {
	c.booksMu.RLock()
	mgr, ok := c.books[domain.ExchangeSymbol(symbol)]
	c.booksMu.RUnlock()
	if !ok {
		return nil
	}
	return mgr.Snapshot(c.exchange)
}

// Ping tests REST connectivity.
func (c *Connector) Ping(ctx context.Context) error {
	if c.circuitBreaker != nil {
		return c.circuitBreaker.Execute(func() error {
			return c.restClient.Ping(ctx)
		})
	}
	return c.restClient.Ping(ctx)
}

// GetServerTime retrieves the exchange server time.
func (c *Connector) GetServerTime(ctx context.Context) (int64, error) {
	if c.circuitBreaker != nil {
		result, err := c.circuitBreaker.ExecuteWithResult(func() (any, error) {
			return c.restClient.GetServerTime(ctx)
		})
		if err != nil {
			return 0, err
		}
		return result.(int64), nil
	}
	return c.restClient.GetServerTime(ctx)
}

// CircuitBreakerStats returns circuit breaker statistics.
func (c *Connector) CircuitBreakerStats() (circuit.Stats, error) {
	if c.circuitBreaker == nil {
		return circuit.Stats{}, fmt.Errorf("circuit breaker not enabled")
	}
	return c.circuitBreaker.Stats(), nil
}

// ClockOffset returns the current clock offset.
func (c *Connector) ClockOffset() time.Duration {
	if c.clock == nil {
		return 0
	}
	return c.clock.Offset()
}

// RateLimitStats returns current rate-limit usage across all classes.
func (c *Connector) RateLimitStats() []ratelimit.Stats {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Stats()
}

// safeHandler executes a handler with panic recovery.
func (c *Connector) safeHandler(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("exchange", c.exchange).Msg("handler panic recovered")
		}
	}()
	fn()
}
