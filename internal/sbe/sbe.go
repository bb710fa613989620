// Package sbe decodes Binance's Simple Binary Encoding market-data frames:
// a fixed 8-byte header followed by one of four little-endian message
// templates. Every decode function is bounds-checked and returns an error
// rather than panicking on truncated or adversarial input.
package sbe

import (
	"encoding/binary"
	"math"

	"github.com/lilwiggy/ex-act/pkg/errors"
)

const exchange = "binance"

// Template ids, per the 2025-12-09 schema.
const (
	TemplateTrades        uint16 = 10000
	TemplateBestBidAsk    uint16 = 10001
	TemplateDepthSnapshot uint16 = 10002
	TemplateDepthDiff     uint16 = 10003
)

// SchemaID is the only schema id this decoder understands.
const SchemaID uint16 = 3

// absentQuantity is the mantissa sentinel marking an optional quantity
// field as not present on the wire.
const absentQuantity int64 = math.MaxInt64

// Header is the fixed 8-byte SBE message header.
type Header struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// Trade is one record of a Trades message's inline repeating group.
type Trade struct {
	TradeID      int64
	Price        float64
	Quantity     float64
	BuyerIsMaker bool
	// IsBestMatch is a schema constant, not carried on the wire.
	IsBestMatch bool
}

// Trades is template 10000.
type Trades struct {
	EventTimeMicros    uint64
	TransactTimeMicros uint64
	Symbol             string
	Trades             []Trade
}

// BestBidAsk is template 10001. Quantity fields are optional: *Absent is
// true when the encoder sent the INT64_MAX sentinel mantissa, in which
// case the corresponding float is NaN.
type BestBidAsk struct {
	EventTimeMicros uint64
	BookUpdateID    uint64
	Symbol          string
	BidPrice        float64
	BidQuantity     float64
	BidAbsent       bool
	AskPrice        float64
	AskQuantity     float64
	AskAbsent       bool
}

// Level is one price/quantity pair in a depth group. Quantity is never
// optional in a DepthSnapshot; it may be in a DepthDiff (quantity-zero
// deletes already collapse to Quantity==0 there, so Absent only appears
// on malformed diff frames and is preserved rather than silently zeroed).
type Level struct {
	Price    float64
	Quantity float64
	Absent   bool
}

// DepthSnapshot is template 10002.
type DepthSnapshot struct {
	EventTimeMicros uint64
	BookUpdateID    uint64
	Symbol          string
	Bids            []Level
	Asks            []Level
}

// DepthDiff is template 10003.
type DepthDiff struct {
	EventTimeMicros uint64
	FirstUpdateID   uint64
	LastUpdateID    uint64
	Symbol          string
	BidChanges      []Level
	AskChanges      []Level
}

// Decode reads the header and dispatches to the matching template
// decoder, returning one of *Trades, *BestBidAsk, *DepthSnapshot, or
// *DepthDiff as `any`.
func Decode(buf []byte) (any, error) {
	hdr, c, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.SchemaID != SchemaID {
		return nil, errors.NewDecodeError(exchange, "sbe", "unsupported schema id", nil)
	}

	switch hdr.TemplateID {
	case TemplateTrades:
		return decodeTrades(c)
	case TemplateBestBidAsk:
		return decodeBestBidAsk(c)
	case TemplateDepthSnapshot:
		return decodeDepthSnapshot(c)
	case TemplateDepthDiff:
		return decodeDepthDiff(c)
	default:
		return nil, errors.NewDecodeError(exchange, "sbe", "unknown template id", nil)
	}
}

func decodeHeader(buf []byte) (Header, *cursor, error) {
	c := &cursor{buf: buf}
	blockLength, err := c.u16()
	if err != nil {
		return Header{}, nil, errors.NewDecodeError(exchange, "sbe", "truncated header", err)
	}
	templateID, err := c.u16()
	if err != nil {
		return Header{}, nil, errors.NewDecodeError(exchange, "sbe", "truncated header", err)
	}
	schemaID, err := c.u16()
	if err != nil {
		return Header{}, nil, errors.NewDecodeError(exchange, "sbe", "truncated header", err)
	}
	version, err := c.u16()
	if err != nil {
		return Header{}, nil, errors.NewDecodeError(exchange, "sbe", "truncated header", err)
	}
	return Header{BlockLength: blockLength, TemplateID: templateID, SchemaID: schemaID, Version: version}, c, nil
}

func decodeDecimal(mantissa int64, exponent int8) float64 {
	return float64(mantissa) * math.Pow10(int(exponent))
}

func decodeTrades(c *cursor) (*Trades, error) {
	eventTime, err := c.u64()
	if err != nil {
		return nil, wrapDecode("trades.eventTime", err)
	}
	transactTime, err := c.u64()
	if err != nil {
		return nil, wrapDecode("trades.transactTime", err)
	}
	priceExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("trades.priceExponent", err)
	}
	qtyExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("trades.qtyExponent", err)
	}

	if _, err := c.u16(); err != nil { // group block length
		return nil, wrapDecode("trades.group.blockLength", err)
	}
	count, err := c.u32()
	if err != nil {
		return nil, wrapDecode("trades.group.count", err)
	}
	const tradeRecordSize = 8 + 8 + 8 + 1 // tradeId, price, quantity, buyerIsMaker
	if uint64(count)*tradeRecordSize > uint64(len(c.buf)-c.pos) {
		return nil, wrapDecode("trades.group.count", errShortBuffer)
	}

	trades := make([]Trade, 0, count)
	for i := uint32(0); i < count; i++ {
		tradeID, err := c.i64()
		if err != nil {
			return nil, wrapDecode("trades.record.tradeId", err)
		}
		priceMantissa, err := c.i64()
		if err != nil {
			return nil, wrapDecode("trades.record.price", err)
		}
		qtyMantissa, err := c.i64()
		if err != nil {
			return nil, wrapDecode("trades.record.quantity", err)
		}
		buyerIsMaker, err := c.u8()
		if err != nil {
			return nil, wrapDecode("trades.record.buyerIsMaker", err)
		}
		trades = append(trades, Trade{
			TradeID:      tradeID,
			Price:        decodeDecimal(priceMantissa, priceExp),
			Quantity:     decodeDecimal(qtyMantissa, qtyExp),
			BuyerIsMaker: buyerIsMaker != 0,
			IsBestMatch:  true,
		})
	}

	symbol, err := c.string8()
	if err != nil {
		return nil, wrapDecode("trades.symbol", err)
	}

	return &Trades{
		EventTimeMicros:    eventTime,
		TransactTimeMicros: transactTime,
		Symbol:             symbol,
		Trades:             trades,
	}, nil
}

func decodeBestBidAsk(c *cursor) (*BestBidAsk, error) {
	eventTime, err := c.u64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.eventTime", err)
	}
	bookUpdateID, err := c.u64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.bookUpdateId", err)
	}
	priceExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.priceExponent", err)
	}
	qtyExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.qtyExponent", err)
	}

	bidPriceMantissa, err := c.i64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.bidPrice", err)
	}
	bidQtyMantissa, err := c.i64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.bidQuantity", err)
	}
	askPriceMantissa, err := c.i64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.askPrice", err)
	}
	askQtyMantissa, err := c.i64()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.askQuantity", err)
	}

	symbol, err := c.string8()
	if err != nil {
		return nil, wrapDecode("bestBidAsk.symbol", err)
	}

	result := &BestBidAsk{
		EventTimeMicros: eventTime,
		BookUpdateID:    bookUpdateID,
		Symbol:          symbol,
		BidPrice:        decodeDecimal(bidPriceMantissa, priceExp),
		AskPrice:        decodeDecimal(askPriceMantissa, priceExp),
	}
	if bidQtyMantissa == absentQuantity {
		result.BidAbsent = true
		result.BidQuantity = math.NaN()
	} else {
		result.BidQuantity = decodeDecimal(bidQtyMantissa, qtyExp)
	}
	if askQtyMantissa == absentQuantity {
		result.AskAbsent = true
		result.AskQuantity = math.NaN()
	} else {
		result.AskQuantity = decodeDecimal(askQtyMantissa, qtyExp)
	}
	return result, nil
}

func decodeLevelGroup(c *cursor, priceExp, qtyExp int8, allowAbsent bool) ([]Level, error) {
	if _, err := c.u16(); err != nil { // group block length
		return nil, err
	}
	count, err := c.u16()
	if err != nil {
		return nil, err
	}

	levels := make([]Level, 0, count)
	for i := uint16(0); i < count; i++ {
		priceMantissa, err := c.i64()
		if err != nil {
			return nil, err
		}
		qtyMantissa, err := c.i64()
		if err != nil {
			return nil, err
		}
		level := Level{Price: decodeDecimal(priceMantissa, priceExp)}
		if allowAbsent && qtyMantissa == absentQuantity {
			level.Absent = true
			level.Quantity = math.NaN()
		} else {
			level.Quantity = decodeDecimal(qtyMantissa, qtyExp)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func decodeDepthSnapshot(c *cursor) (*DepthSnapshot, error) {
	eventTime, err := c.u64()
	if err != nil {
		return nil, wrapDecode("depthSnapshot.eventTime", err)
	}
	bookUpdateID, err := c.u64()
	if err != nil {
		return nil, wrapDecode("depthSnapshot.bookUpdateId", err)
	}
	priceExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("depthSnapshot.priceExponent", err)
	}
	qtyExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("depthSnapshot.qtyExponent", err)
	}

	bids, err := decodeLevelGroup(c, priceExp, qtyExp, false)
	if err != nil {
		return nil, wrapDecode("depthSnapshot.bids", err)
	}
	asks, err := decodeLevelGroup(c, priceExp, qtyExp, false)
	if err != nil {
		return nil, wrapDecode("depthSnapshot.asks", err)
	}

	symbol, err := c.string8()
	if err != nil {
		return nil, wrapDecode("depthSnapshot.symbol", err)
	}

	return &DepthSnapshot{
		EventTimeMicros: eventTime,
		BookUpdateID:    bookUpdateID,
		Symbol:          symbol,
		Bids:            bids,
		Asks:            asks,
	}, nil
}

func decodeDepthDiff(c *cursor) (*DepthDiff, error) {
	eventTime, err := c.u64()
	if err != nil {
		return nil, wrapDecode("depthDiff.eventTime", err)
	}
	firstUpdateID, err := c.u64()
	if err != nil {
		return nil, wrapDecode("depthDiff.firstUpdateId", err)
	}
	lastUpdateID, err := c.u64()
	if err != nil {
		return nil, wrapDecode("depthDiff.lastUpdateId", err)
	}
	priceExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("depthDiff.priceExponent", err)
	}
	qtyExp, err := c.i8()
	if err != nil {
		return nil, wrapDecode("depthDiff.qtyExponent", err)
	}

	bids, err := decodeLevelGroup(c, priceExp, qtyExp, true)
	if err != nil {
		return nil, wrapDecode("depthDiff.bidChanges", err)
	}
	asks, err := decodeLevelGroup(c, priceExp, qtyExp, true)
	if err != nil {
		return nil, wrapDecode("depthDiff.askChanges", err)
	}

	symbol, err := c.string8()
	if err != nil {
		return nil, wrapDecode("depthDiff.symbol", err)
	}

	return &DepthDiff{
		EventTimeMicros: eventTime,
		FirstUpdateID:   firstUpdateID,
		LastUpdateID:    lastUpdateID,
		Symbol:          symbol,
		BidChanges:      bids,
		AskChanges:      asks,
	}, nil
}

func wrapDecode(field string, cause error) error {
	return errors.NewDecodeError(exchange, "sbe", "truncated or malformed field: "+field, cause)
}

// cursor is a bounds-checked little-endian reader over a byte buffer. It
// never panics: every read either advances pos and returns a value, or
// leaves pos untouched and returns an error.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, errShortBuffer
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

var errShortBuffer = binary.ErrShortBuffer

func (c *cursor) u8() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) i8() (int8, error) {
	b, err := c.u8()
	if err != nil {
		return 0, err
	}
	return int8(b), nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) i64() (int64, error) {
	v, err := c.u64()
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// string8 reads a u8 length prefix followed by that many UTF-8 bytes.
func (c *cursor) string8() (string, error) {
	n, err := c.u8()
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
