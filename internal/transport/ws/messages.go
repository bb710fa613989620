// WebSocket wire message types for Binance market-data and user-data
// streams, and their conversion into pkg/domain types.
// API Documentation: https://binance-docs.github.io/apidocs/spot/en/#websocket-market-streams
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lilwiggy/ex-act/pkg/domain"
)

// streamEnvelope is the wrapper Binance uses for combined streams:
// {"stream":"btcusdt@ticker","data":{...}}.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#combined-stream-exports
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsTicker is a 24hr ticker update. All price/quantity fields are strings
// in Binance JSON and must be parsed to domain.Decimal.
type wsTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`

	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClosePrice     string `json:"x"`
	LastPrice          string `json:"c"`
	LastQuantity       string `json:"Q"`
	BidPrice           string `json:"b"`
	BidQuantity        string `json:"B"`
	AskPrice           string `json:"a"`
	AskQuantity        string `json:"A"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	FirstTradeID       int64  `json:"F"`
	LastTradeID        int64  `json:"L"`
	TradeCount         int64  `json:"T"`
}

func (t *wsTicker) toDomain(exchange string) (*domain.Ticker, error) {
	symbol := domain.NormalizeSymbol(t.Symbol)

	bidPrice, err := domain.NewDecimal(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("parse bid_price: %w", err)
	}
	bidQty, err := domain.NewDecimal(t.BidQuantity)
	if err != nil {
		return nil, fmt.Errorf("parse bid_quantity: %w", err)
	}
	askPrice, err := domain.NewDecimal(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ask_price: %w", err)
	}
	askQty, err := domain.NewDecimal(t.AskQuantity)
	if err != nil {
		return nil, fmt.Errorf("parse ask_quantity: %w", err)
	}
	lastPrice, err := domain.NewDecimal(t.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("parse last_price: %w", err)
	}
	highPrice, err := domain.NewDecimal(t.HighPrice)
	if err != nil {
		return nil, fmt.Errorf("parse high_price: %w", err)
	}
	lowPrice, err := domain.NewDecimal(t.LowPrice)
	if err != nil {
		return nil, fmt.Errorf("parse low_price: %w", err)
	}
	volume, err := domain.NewDecimal(t.Volume)
	if err != nil {
		return nil, fmt.Errorf("parse volume: %w", err)
	}
	quoteVolume, err := domain.NewDecimal(t.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("parse quote_volume: %w", err)
	}
	priceChange, err := domain.NewDecimal(t.PriceChange)
	if err != nil {
		return nil, fmt.Errorf("parse price_change: %w", err)
	}
	priceChangePercent, err := domain.NewDecimal(t.PriceChangePercent)
	if err != nil {
		return nil, fmt.Errorf("parse price_change_percent: %w", err)
	}
	openPrice, err := domain.NewDecimal(t.OpenPrice)
	if err != nil {
		return nil, fmt.Errorf("parse open_price: %w", err)
	}

	return &domain.Ticker{
		Exchange:           exchange,
		Symbol:             symbol,
		BidPrice:           bidPrice,
		BidQuantity:        bidQty,
		AskPrice:           askPrice,
		AskQuantity:        askQty,
		LastPrice:          lastPrice,
		HighPrice:          highPrice,
		LowPrice:           lowPrice,
		Volume:             volume,
		QuoteVolume:        quoteVolume,
		PriceChange:        priceChange,
		PriceChangePercent: priceChangePercent,
		OpenPrice:          openPrice,
		Timestamp:          time.UnixMilli(t.EventTime),
	}, nil
}

// wsBookTicker is a best-price update from the bookTicker stream.
type wsBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

func (t *wsBookTicker) toDomain(exchange string) (*domain.Ticker, error) {
	symbol := domain.NormalizeSymbol(t.Symbol)

	bidPrice, err := domain.NewDecimal(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("parse bid_price: %w", err)
	}
	bidQty, err := domain.NewDecimal(t.BidQty)
	if err != nil {
		return nil, fmt.Errorf("parse bid_quantity: %w", err)
	}
	askPrice, err := domain.NewDecimal(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ask_price: %w", err)
	}
	askQty, err := domain.NewDecimal(t.AskQty)
	if err != nil {
		return nil, fmt.Errorf("parse ask_quantity: %w", err)
	}

	return &domain.Ticker{
		Exchange:    exchange,
		Symbol:      symbol,
		BidPrice:    bidPrice,
		BidQuantity: bidQty,
		AskPrice:    askPrice,
		AskQuantity: askQty,
		Timestamp:   time.Now(),
	}, nil
}

// wsDepthUpdate is a diff-depth delta in JSON framing, the form the JSON
// stream endpoints deliver for `<symbol>@depth` subscriptions. SBE-framed
// depth diffs arrive as binary frames and are decoded by internal/sbe.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#diff-depth-stream
type wsDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func parseLevels(raw [][]string) ([]domain.OrderBookLevel, error) {
	levels := make([]domain.OrderBookLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		price, err := domain.NewDecimal(level[0])
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		qty, err := domain.NewDecimal(level[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		levels = append(levels, domain.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (d *wsDepthUpdate) toDomain() (bids, asks []domain.OrderBookLevel, err error) {
	bids, err = parseLevels(d.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	asks, err = parseLevels(d.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

// wsTrade is a raw trade event.
type wsTrade struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	TradeID       int64  `json:"t"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	BuyerOrderID  int64  `json:"b"`
	SellerOrderID int64  `json:"a"`
	TradeTime     int64  `json:"T"`
	BuyerIsMaker  bool   `json:"m"`
}

func (t *wsTrade) toDomain(exchange string) (*domain.Trade, error) {
	symbol := domain.NormalizeSymbol(t.Symbol)

	price, err := domain.NewDecimal(t.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	qty, err := domain.NewDecimal(t.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	quoteQty := domain.Mul(price, qty)

	side := domain.OrderSideBuy
	if t.BuyerIsMaker {
		side = domain.OrderSideSell
	}

	return &domain.Trade{
		Exchange:      exchange,
		Symbol:        symbol,
		ID:            fmt.Sprintf("%d", t.TradeID),
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: quoteQty,
		Side:          side,
		IsMaker:       t.BuyerIsMaker,
		Timestamp:     time.UnixMilli(t.TradeTime),
	}, nil
}

// wsAggTrade is an aggregated-trade event.
type wsAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

func (t *wsAggTrade) toDomain(exchange string) (*domain.Trade, error) {
	symbol := domain.NormalizeSymbol(t.Symbol)

	price, err := domain.NewDecimal(t.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	qty, err := domain.NewDecimal(t.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	quoteQty := domain.Mul(price, qty)

	side := domain.OrderSideBuy
	if t.BuyerIsMaker {
		side = domain.OrderSideSell
	}

	return &domain.Trade{
		Exchange:      exchange,
		Symbol:        symbol,
		ID:            fmt.Sprintf("%d", t.AggTradeID),
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: quoteQty,
		Side:          side,
		IsMaker:       t.BuyerIsMaker,
		Timestamp:     time.UnixMilli(t.TradeTime),
	}, nil
}

// wsKline is a kline/candlestick update.
type wsKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		EndTime             int64  `json:"T"`
		Interval            string `json:"i"`
		OpenPrice           string `json:"o"`
		ClosePrice          string `json:"c"`
		HighPrice           string `json:"h"`
		LowPrice            string `json:"l"`
		Volume              string `json:"v"`
		TradeCount          int64  `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

func (k *wsKline) toDomain(exchange string) (*domain.Kline, error) {
	symbol := domain.NormalizeSymbol(k.Symbol)

	open, err := domain.NewDecimal(k.Kline.OpenPrice)
	if err != nil {
		return nil, fmt.Errorf("parse open: %w", err)
	}
	closePrice, err := domain.NewDecimal(k.Kline.ClosePrice)
	if err != nil {
		return nil, fmt.Errorf("parse close: %w", err)
	}
	high, err := domain.NewDecimal(k.Kline.HighPrice)
	if err != nil {
		return nil, fmt.Errorf("parse high: %w", err)
	}
	low, err := domain.NewDecimal(k.Kline.LowPrice)
	if err != nil {
		return nil, fmt.Errorf("parse low: %w", err)
	}
	volume, err := domain.NewDecimal(k.Kline.Volume)
	if err != nil {
		return nil, fmt.Errorf("parse volume: %w", err)
	}
	quoteVolume, err := domain.NewDecimal(k.Kline.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("parse quote_volume: %w", err)
	}
	takerBuyVolume, err := domain.NewDecimal(k.Kline.TakerBuyBaseVolume)
	if err != nil {
		return nil, fmt.Errorf("parse taker_buy_volume: %w", err)
	}
	takerBuyQuoteVolume, err := domain.NewDecimal(k.Kline.TakerBuyQuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("parse taker_buy_quote_volume: %w", err)
	}

	return &domain.Kline{
		Exchange:            exchange,
		Symbol:              symbol,
		Interval:            k.Kline.Interval,
		OpenTime:            time.UnixMilli(k.Kline.StartTime),
		CloseTime:           time.UnixMilli(k.Kline.EndTime),
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               closePrice,
		Volume:              volume,
		QuoteVolume:         quoteVolume,
		TradeCount:          k.Kline.TradeCount,
		TakerBuyVolume:      takerBuyVolume,
		TakerBuyQuoteVolume: takerBuyQuoteVolume,
		IsClosed:            k.Kline.IsClosed,
	}, nil
}

// wsOrderUpdate is a user-data executionReport event.
type wsOrderUpdate struct {
	EventType           string `json:"e"`
	EventTime           int64  `json:"E"`
	Symbol              string `json:"s"`
	ClientOrderID       string `json:"c"`
	Side                string `json:"S"`
	OrderType           string `json:"o"`
	OriginalQuantity    string `json:"q"`
	OriginalPrice       string `json:"p"`
	OrderStatus         string `json:"X"`
	CumulativeFilledQty string `json:"z"`
	CommissionAmount    string `json:"n"`
	CommissionAsset     string `json:"N"`
	TradeID             int64  `json:"t"`
	WorkingTime         int64  `json:"W"`
	OrderCreationTime   int64  `json:"O"`
	CumulativeQuoteQty  string `json:"Z"`
	OrderID             int64  `json:"i"`
}

func (o *wsOrderUpdate) toDomain(exchange string) (*domain.Order, error) {
	symbol := domain.NormalizeSymbol(o.Symbol)

	var side domain.OrderSide
	switch o.Side {
	case "BUY":
		side = domain.OrderSideBuy
	case "SELL":
		side = domain.OrderSideSell
	default:
		return nil, fmt.Errorf("invalid order side: %s", o.Side)
	}

	var orderType domain.OrderType
	switch o.OrderType {
	case "LIMIT":
		orderType = domain.OrderTypeLimit
	case "MARKET":
		orderType = domain.OrderTypeMarket
	default:
		orderType = domain.OrderType(o.OrderType)
	}

	var status domain.OrderStatus
	switch o.OrderStatus {
	case "NEW":
		status = domain.OrderStatusNew
	case "PARTIALLY_FILLED":
		status = domain.OrderStatusPartiallyFilled
	case "FILLED":
		status = domain.OrderStatusFilled
	case "CANCELED":
		status = domain.OrderStatusCanceled
	case "PENDING_CANCEL":
		status = domain.OrderStatusCanceling
	case "REJECTED":
		status = domain.OrderStatusRejected
	case "EXPIRED":
		status = domain.OrderStatusExpired
	default:
		status = domain.OrderStatus(o.OrderStatus)
	}

	price, _ := domain.NewDecimal(o.OriginalPrice)
	if price == nil {
		price = domain.Zero()
	}
	qty, err := domain.NewDecimal(o.OriginalQuantity)
	if err != nil {
		return nil, fmt.Errorf("parse original_quantity: %w", err)
	}
	filledQty, err := domain.NewDecimal(o.CumulativeFilledQty)
	if err != nil {
		return nil, fmt.Errorf("parse cumulative_filled_qty: %w", err)
	}
	quoteQty, _ := domain.NewDecimal(o.CumulativeQuoteQty)
	if quoteQty == nil {
		quoteQty = domain.Zero()
	}
	commission, _ := domain.NewDecimal(o.CommissionAmount)
	if commission == nil {
		commission = domain.Zero()
	}

	return &domain.Order{
		Exchange:        exchange,
		Symbol:          symbol,
		ID:              fmt.Sprintf("%d", o.OrderID),
		ClientOrderID:   o.ClientOrderID,
		Side:            side,
		Type:            orderType,
		Status:          status,
		Price:           price,
		Quantity:        qty,
		FilledQuantity:  filledQty,
		QuoteQuantity:   quoteQty,
		Commission:      commission,
		CommissionAsset: o.CommissionAsset,
		CreatedAt:       time.UnixMilli(o.OrderCreationTime),
		UpdatedAt:       time.UnixMilli(o.EventTime),
		TradeID:         fmt.Sprintf("%d", o.TradeID),
		IsWorking:       o.WorkingTime > 0 && !status.IsFinal(),
	}, nil
}

// ParseTicker decodes a 24hr ticker event payload (stream "<symbol>@ticker").
func ParseTicker(payload json.RawMessage, exchange string) (*domain.Ticker, error) {
	var t wsTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("ws: unmarshal ticker: %w", err)
	}
	return t.toDomain(exchange)
}

// ParseBookTicker decodes a best-price event payload (stream
// "<symbol>@bookTicker").
func ParseBookTicker(payload json.RawMessage, exchange string) (*domain.Ticker, error) {
	var t wsBookTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("ws: unmarshal book ticker: %w", err)
	}
	return t.toDomain(exchange)
}

// ParseDepthUpdate decodes a diff-depth event payload into the update-id
// range and bid/ask levels that make up an internal/orderbook.DiffEvent for
// Manager.HandleDiff.
func ParseDepthUpdate(payload json.RawMessage) (firstUpdateID, lastUpdateID int64, bids, asks []domain.OrderBookLevel, err error) {
	var d wsDepthUpdate
	if err := json.Unmarshal(payload, &d); err != nil {
		return 0, 0, nil, nil, fmt.Errorf("ws: unmarshal depth update: %w", err)
	}
	bids, asks, err = d.toDomain()
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return d.FirstUpdateID, d.FinalUpdateID, bids, asks, nil
}

// ParseTrade decodes a raw-trade event payload (stream "<symbol>@trade").
func ParseTrade(payload json.RawMessage, exchange string) (*domain.Trade, error) {
	var t wsTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("ws: unmarshal trade: %w", err)
	}
	return t.toDomain(exchange)
}

// ParseAggTrade decodes an aggregated-trade event payload (stream
// "<symbol>@aggTrade").
func ParseAggTrade(payload json.RawMessage, exchange string) (*domain.Trade, error) {
	var t wsAggTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("ws: unmarshal agg trade: %w", err)
	}
	return t.toDomain(exchange)
}

// ParseKline decodes a kline/candlestick event payload.
func ParseKline(payload json.RawMessage, exchange string) (*domain.Kline, error) {
	var k wsKline
	if err := json.Unmarshal(payload, &k); err != nil {
		return nil, fmt.Errorf("ws: unmarshal kline: %w", err)
	}
	return k.toDomain(exchange)
}

// ParseOrderUpdate decodes a user-data executionReport event payload.
func ParseOrderUpdate(payload json.RawMessage, exchange string) (*domain.Order, error) {
	var o wsOrderUpdate
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("ws: unmarshal order update: %w", err)
	}
	return o.toDomain(exchange)
}

// rpcResponse is the JSON shape of a WebSocket API request/response (as
// opposed to a market-data stream event): {"id":"...","status":200,"result":{...}}.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#websocket-api-general-information
type rpcResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ws rpc error %d: %s", e.Code, e.Msg)
}

// rpcRequest is the JSON shape of an outbound WebSocket API request.
type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}
