// Package ws implements the WebSocket transport: a single long-lived
// connection multiplexing signed request/response RPCs, unsolicited
// market- and user-data events, and binary SBE market-data frames.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#websocket-api-general-information
package ws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog/log"

	"github.com/lilwiggy/ex-act/internal/clock"
	"github.com/lilwiggy/ex-act/internal/ratelimit"
	"github.com/lilwiggy/ex-act/internal/sbe"
	"github.com/lilwiggy/ex-act/internal/signing"
	"github.com/lilwiggy/ex-act/internal/transport/rest"
	"github.com/lilwiggy/ex-act/pkg/errors"
)

const exchange = "binance"

// Binance WebSocket base URLs.
const (
	BaseWebSocketURL            = "wss://stream.binance.com:9443/ws"
	BaseWebSocketCombinedURL    = "wss://stream.binance.com:9443/stream"
	TestnetWebSocketURL         = "wss://testnet.binance.vision/ws"
	TestnetWebSocketCombinedURL = "wss://testnet.binance.vision/stream"
	wsCombinedPath              = "?streams="
)

// ReconnectConfig holds reconnection settings.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = infinite
	Jitter       float64
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  0,
		Jitter:       0.1,
	}
}

// Config holds WebSocket client configuration.
type Config struct {
	Testnet        bool
	PingInterval   time.Duration // default: 20s
	RequestTimeout time.Duration // default: 10s
	Reconnect      ReconnectConfig
}

// DefaultConfig returns the default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:   20 * time.Second,
		RequestTimeout: 10 * time.Second,
		Reconnect:      DefaultReconnectConfig(),
	}
}

// EventHandler processes an unsolicited event payload (the raw JSON
// carried under "data", or the whole frame for an unwrapped message).
type EventHandler func(payload json.RawMessage)

// BinaryHandler processes a decoded SBE message: one of *sbe.Trades,
// *sbe.BestBidAsk, *sbe.DepthSnapshot, or *sbe.DepthDiff.
type BinaryHandler func(message any)

// Client is the authenticated WebSocket transport. It implements
// gws.EventHandler.
type Client struct {
	config        Config
	testnet       bool
	signer        signing.Signer
	clock         *clock.Clock
	limiter       *ratelimit.Limiter
	subscriptions *SubscriptionManager

	conn       *gws.Conn
	connected  atomic.Bool
	connecting atomic.Bool
	closed     atomic.Bool
	connMu     sync.RWMutex

	reconnectAttempt int
	reconnectMu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	pingTicker *time.Ticker
	pingMu     sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *rpcResponse

	eventMu       sync.RWMutex
	eventHandlers map[string]EventHandler

	binaryHandler BinaryHandler

	loggedOnMu sync.Mutex
	loggedOn   bool
	logonFn    func(ctx context.Context) error

	onConnect    func()
	onDisconnect func(err error)
}

// New creates a WebSocket client. signer and clk may be nil for a
// public-data-only client; limiter is required (request RPCs are charged
// against the REQUEST_WEIGHT class same as REST).
func New(cfg Config, signer signing.Signer, clk *clock.Clock, limiter *ratelimit.Limiter) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	return &Client{
		config:        cfg,
		testnet:       cfg.Testnet,
		signer:        signer,
		clock:         clk,
		limiter:       limiter,
		subscriptions: NewSubscriptionManager(),
		pending:       make(map[string]chan *rpcResponse),
		eventHandlers: make(map[string]EventHandler),
	}
}

// OnEvent registers handler for unsolicited messages whose "e" field
// equals eventType. Handlers run off the reader goroutine.
func (c *Client) OnEvent(eventType string, handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandlers[eventType] = handler
}

// OnBinary registers the handler for decoded SBE market-data frames.
func (c *Client) OnBinary(handler BinaryHandler) {
	c.binaryHandler = handler
}

// OnConnect sets the post-connect callback.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect sets the disconnect callback.
func (c *Client) OnDisconnect(fn func(err error)) { c.onDisconnect = fn }

// SetLogon registers the function run to (re-)establish a signed session
// after connect/reconnect, e.g. a WS session.logon RPC. Logon is only
// replayed on reconnect if it previously succeeded at least once.
func (c *Client) SetLogon(fn func(ctx context.Context) error) { c.logonFn = fn }

// MarkLoggedOn records that a signed session has been established, so a
// future reconnect replays it via the function passed to SetLogon.
func (c *Client) MarkLoggedOn() {
	c.loggedOnMu.Lock()
	c.loggedOn = true
	c.loggedOnMu.Unlock()
}

// Subscriptions returns the subscription manager so callers can inspect
// or pre-populate subscriptions before the first Connect.
func (c *Client) Subscriptions() *SubscriptionManager { return c.subscriptions }

func (c *Client) wsBaseURL() string {
	if c.testnet {
		return TestnetWebSocketCombinedURL
	}
	return BaseWebSocketCombinedURL
}

// Connect opens the WebSocket connection, resyncs the clock, re-issues
// logon if previously established, and resubscribes existing streams.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return errors.NewExchangeError(exchange, "connect", "client is closed", nil)
	}
	if c.connecting.Swap(true) {
		return errors.NewExchangeError(exchange, "connect", "connection already in progress", nil)
	}
	defer c.connecting.Store(false)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c.dial()
}

func (c *Client) dial() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	streams := c.subscriptions.Streams()
	var url string
	if len(streams) > 0 {
		url = c.wsBaseURL() + wsCombinedPath + CombineStreams(streams)
	} else if c.testnet {
		url = TestnetWebSocketURL
	} else {
		url = BaseWebSocketURL
	}

	option := &gws.ClientOption{
		Addr:      url,
		TlsConfig: &tls.Config{InsecureSkipVerify: false},
	}
	conn, _, err := gws.NewClient(c, option)
	if err != nil {
		return errors.NewConnectionError(exchange, url, err.Error(), true)
	}

	c.conn = conn
	c.connected.Store(true)
	c.reconnectMu.Lock()
	c.reconnectAttempt = 0
	c.reconnectMu.Unlock()

	go c.conn.ReadLoop()
	c.startPingTicker()

	if c.clock != nil {
		if err := c.clock.Sync(c.ctx); err != nil {
			// Non-fatal: the clock keeps its last known offset.
		}
	}

	c.loggedOnMu.Lock()
	shouldLogon := c.loggedOn && c.logonFn != nil
	c.loggedOnMu.Unlock()
	if shouldLogon {
		if err := c.logonFn(c.ctx); err == nil {
			c.loggedOnMu.Lock()
			c.loggedOn = true
			c.loggedOnMu.Unlock()
		}
	}

	c.safeCallback(func() {
		if c.onConnect != nil {
			c.onConnect()
		}
	})

	return nil
}

// Disconnect closes the socket without disabling reconnection.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.stopPingTicker()
	c.connected.Store(false)
	c.conn.WriteClose(1000, nil)
	c.conn = nil
	return nil
}

// Close disables reconnection, closes the socket, and fails every
// in-flight request with a connection-lost error.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopPingTicker()
	if c.cancel != nil {
		c.cancel()
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteClose(1000, nil)
		c.conn = nil
	}
	c.connMu.Unlock()

	c.abandonPending()
	return nil
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Subscribe adds a stream. Binance has no dynamic-subscribe RPC for
// combined streams opened this way, so an already-connected client must
// reconnect for the new stream to take effect.
func (c *Client) Subscribe(stream string) error {
	if !c.subscriptions.Subscribe(stream) {
		return nil
	}
	if c.connected.Load() {
		return c.reconnect()
	}
	return nil
}

// Unsubscribe removes a stream. Takes effect on the next reconnect.
func (c *Client) Unsubscribe(stream string) error {
	c.subscriptions.Unsubscribe(stream)
	return nil
}

// SendRequest issues a signed or unsigned WebSocket API request and
// blocks until the matching reply arrives or ctx is done. It charges the
// REQUEST_WEIGHT class the same as a REST call of equivalent weight 2.
func (c *Client) SendRequest(ctx context.Context, method string, params map[string]any, signed bool) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Charge(ctx, "REQUEST_WEIGHT", 2); err != nil {
			return nil, err
		}
	}

	if params == nil {
		params = make(map[string]any)
	}
	if signed {
		if c.signer == nil {
			return nil, errors.NewUnauthorizedError(exchange, "", "signed request with no signer configured")
		}
		timestamp := int64(0)
		if c.clock != nil {
			if err := c.clock.SyncIfNever(ctx); err != nil {
				log.Warn().Err(err).Msg("ws: lazy clock sync failed, signing with the current offset")
			}
			timestamp = c.clock.NowMillis()
		} else {
			timestamp = time.Now().UnixMilli()
		}
		params["apiKey"] = c.signer.APIKey()
		params["timestamp"] = timestamp
		qs := rest.CanonicalQuery(params)
		signature, err := c.signer.Sign(qs)
		if err != nil {
			return nil, errors.NewSignatureError(exchange, method, err.Error())
		}
		params["signature"] = signature
	}

	id := uuid.NewString()
	replyCh := make(chan *rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("ws: marshal request: %w", err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil || !c.connected.Load() {
		return nil, errors.NewConnectionLostError(exchange, method)
	}
	if err := conn.WriteString(string(payload)); err != nil {
		return nil, errors.NewConnectionError(exchange, method, err.Error(), true)
	}

	deadline := c.config.RequestTimeout
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		if resp == nil {
			return nil, errors.NewConnectionLostError(exchange, method)
		}
		if resp.Error != nil {
			return nil, classifyRPCError(resp.Status, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, errors.NewConnectionError(exchange, method, "request timed out", true)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classifyRPCError(status int, rpcErr *rpcError) error {
	switch {
	case status == 403:
		return errors.NewWAFViolationError(exchange, rpcErr.Msg)
	case status == 409:
		return errors.NewCancelReplacePartialSuccessError(exchange, false, false, rpcErr.Msg)
	case status == 418:
		return errors.NewIPAutoBannedError(exchange, rpcErr.Msg, time.Second)
	case status == 429:
		return errors.NewRateLimitError(exchange, time.Second, 0)
	case status == 401 || rpcErr.Code == -2015 || rpcErr.Code == -1022:
		return errors.NewUnauthorizedError(exchange, fmt.Sprintf("%d", rpcErr.Code), rpcErr.Msg)
	case status >= 500:
		return errors.NewServerSideError(exchange, status, rpcErr.Msg, nil)
	case status >= 400:
		return errors.NewMalformedRequestError(exchange, "ws", fmt.Sprintf("%d", rpcErr.Code), rpcErr.Msg)
	default:
		return errors.NewGenericError(exchange, rpcErr.Msg, nil)
	}
}

// OnOpen implements gws.EventHandler.
func (c *Client) OnOpen(socket *gws.Conn) {
	socket.SetDeadline(time.Now().Add(c.config.PingInterval * 2))
}

// OnClose implements gws.EventHandler.
func (c *Client) OnClose(socket *gws.Conn, err error) {
	c.connected.Store(false)
	c.stopPingTicker()
	c.abandonPending()

	c.safeCallback(func() {
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})

	if !c.closed.Load() {
		go c.reconnect()
	}
}

// OnPing implements gws.EventHandler.
func (c *Client) OnPing(socket *gws.Conn, payload []byte) {
	socket.SetDeadline(time.Now().Add(c.config.PingInterval * 2))
	socket.WritePong(payload)
}

// OnPong implements gws.EventHandler.
func (c *Client) OnPong(socket *gws.Conn, payload []byte) {
	socket.SetDeadline(time.Now().Add(c.config.PingInterval * 2))
}

// OnMessage implements gws.EventHandler.
func (c *Client) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	socket.SetDeadline(time.Now().Add(c.config.PingInterval * 2))

	data := message.Bytes()
	if len(data) == 0 {
		return
	}

	if message.Opcode == gws.OpcodeBinary {
		decoded, err := sbe.Decode(data)
		if err != nil {
			return
		}
		if c.binaryHandler != nil {
			c.safeCallback(func() { c.binaryHandler(decoded) })
		}
		return
	}

	c.routeText(data)
}

func (c *Client) routeText(data []byte) {
	var envelope streamEnvelope
	payload := data
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var head struct {
		ID         string          `json:"id"`
		RateLimits json.RawMessage `json:"rateLimits"`
		Event      json.RawMessage `json:"event"`
		EventType  string          `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}

	if head.RateLimits != nil && c.limiter != nil {
		var reports []struct {
			RateLimitType string `json:"rateLimitType"`
			IntervalNum   int    `json:"intervalNum"`
			Interval      string `json:"interval"`
			Limit         int    `json:"limit"`
			Count         int    `json:"count"`
		}
		if err := json.Unmarshal(head.RateLimits, &reports); err == nil {
			serverCounts := make([]ratelimit.ServerCount, 0, len(reports))
			for _, r := range reports {
				window := intervalToDuration(r.Interval, r.IntervalNum)
				serverCounts = append(serverCounts, ratelimit.ServerCount{
					Class: r.RateLimitType, Window: window, Max: r.Limit, Count: r.Count,
				})
			}
			c.limiter.Reconcile(serverCounts)
		}
	}

	if head.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[head.ID]
		c.pendingMu.Unlock()
		if ok {
			var resp rpcResponse
			if err := json.Unmarshal(payload, &resp); err == nil {
				ch <- &resp
			}
			return
		}
	}

	eventPayload := payload
	eventType := head.EventType
	if len(head.Event) > 0 {
		eventPayload = head.Event
		var inner struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(head.Event, &inner); err == nil {
			eventType = inner.EventType
		}
	}

	if eventType == "eventStreamTerminated" {
		log.Info().Str("exchange", exchange).Msg("user data stream terminated by server, listen key expired or revoked")
		return
	}
	if eventType == "" {
		return
	}

	c.eventMu.RLock()
	handler, ok := c.eventHandlers[eventType]
	c.eventMu.RUnlock()
	if !ok {
		return
	}
	go c.safeCallback(func() { handler(eventPayload) })
}

func intervalToDuration(unit string, num int) time.Duration {
	base := time.Minute
	switch unit {
	case "SECOND":
		base = time.Second
	case "MINUTE":
		base = time.Minute
	case "HOUR":
		base = time.Hour
	case "DAY":
		base = 24 * time.Hour
	}
	return time.Duration(num) * base
}

func (c *Client) abandonPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
}

func (c *Client) safeCallback(fn func()) {
	defer func() {
		recover()
	}()
	fn()
}

func (c *Client) startPingTicker() {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	if c.pingTicker != nil {
		c.pingTicker.Stop()
	}
	c.pingTicker = time.NewTicker(c.config.PingInterval)
	go func() {
		for range c.pingTicker.C {
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn != nil && c.connected.Load() {
				conn.WritePing(nil)
			}
		}
	}()
}

func (c *Client) stopPingTicker() {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if c.pingTicker != nil {
		c.pingTicker.Stop()
		c.pingTicker = nil
	}
}

func (c *Client) reconnect() error {
	c.reconnectMu.Lock()
	if c.reconnectAttempt > 0 {
		c.reconnectMu.Unlock()
		return nil
	}
	c.reconnectMu.Unlock()

	if c.closed.Load() {
		return errors.NewExchangeError(exchange, "reconnect", "client is closed", nil)
	}

	_ = c.Disconnect()

	for {
		if c.closed.Load() || (c.ctx != nil && c.ctx.Err() != nil) {
			return errors.NewExchangeError(exchange, "reconnect", "client closed or context cancelled", nil)
		}

		c.reconnectMu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.reconnectMu.Unlock()

		if c.config.Reconnect.MaxAttempts > 0 && attempt > c.config.Reconnect.MaxAttempts {
			return errors.NewWebSocketReconnectError(exchange, "", "max reconnection attempts exceeded", attempt, c.config.Reconnect.MaxAttempts)
		}

		time.Sleep(c.calculateBackoff(attempt))

		if err := c.dial(); err != nil {
			continue
		}

		c.reconnectMu.Lock()
		c.reconnectAttempt = 0
		c.reconnectMu.Unlock()
		return nil
	}
}

// calculateBackoff: delay = min(initialDelay * 2^(attempt-1), maxDelay) * (1 + jitter * u),
// with u uniform in [-1, 1); with jitter the result can exceed maxDelay.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	cfg := c.config.Reconnect

	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}

	if cfg.Jitter > 0 {
		jitter := time.Duration(float64(delay) * cfg.Jitter * (rand.Float64()*2 - 1))
		delay += jitter
	}
	return delay
}
