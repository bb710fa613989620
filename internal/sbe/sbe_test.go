package sbe

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func putHeader(buf *bytes.Buffer, blockLength, templateID, schemaID, version uint16) {
	binary.Write(buf, binary.LittleEndian, blockLength)
	binary.Write(buf, binary.LittleEndian, templateID)
	binary.Write(buf, binary.LittleEndian, schemaID)
	binary.Write(buf, binary.LittleEndian, version)
}

func putString8(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func TestDecodeBestBidAskAbsentAskQuantity(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	putHeader(buf, 38, TemplateBestBidAsk, SchemaID, 2)
	binary.Write(buf, binary.LittleEndian, uint64(1_700_000_000_000_000)) // event time
	binary.Write(buf, binary.LittleEndian, uint64(42))                    // book update id
	buf.WriteByte(byte(int8(-2)))                                        // price exponent
	buf.WriteByte(byte(int8(-5)))                                        // qty exponent
	binary.Write(buf, binary.LittleEndian, int64(9553554))               // bid price mantissa
	binary.Write(buf, binary.LittleEndian, int64(123))                   // bid qty mantissa
	binary.Write(buf, binary.LittleEndian, int64(9553555))               // ask price mantissa
	binary.Write(buf, binary.LittleEndian, int64(math.MaxInt64))         // ask qty mantissa: absent
	putString8(buf, "BTCUSDT")

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)

	bba, ok := decoded.(*BestBidAsk)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", bba.Symbol)
	require.InDelta(t, 95535.54, bba.BidPrice, 0.0001)
	require.InDelta(t, 0.00123, bba.BidQuantity, 0.000001)
	require.False(t, bba.BidAbsent)
	require.InDelta(t, 95535.55, bba.AskPrice, 0.0001)
	require.True(t, bba.AskAbsent)
	require.True(t, math.IsNaN(bba.AskQuantity))
}

func TestDecodeTrades(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	putHeader(buf, 18, TemplateTrades, SchemaID, 2)
	binary.Write(buf, binary.LittleEndian, uint64(1_700_000_000_000_000))
	binary.Write(buf, binary.LittleEndian, uint64(1_700_000_000_100_000))
	buf.WriteByte(byte(int8(-2)))
	buf.WriteByte(byte(int8(-5)))
	binary.Write(buf, binary.LittleEndian, uint16(25)) // group block length
	binary.Write(buf, binary.LittleEndian, uint32(2))  // record count
	for _, tr := range []struct {
		id    int64
		price int64
		qty   int64
		maker byte
	}{
		{1001, 9553554, 100000, 1},
		{1002, 9553600, 50000, 0},
	} {
		binary.Write(buf, binary.LittleEndian, tr.id)
		binary.Write(buf, binary.LittleEndian, tr.price)
		binary.Write(buf, binary.LittleEndian, tr.qty)
		buf.WriteByte(tr.maker)
	}
	putString8(buf, "ETHUSDT")

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)

	trades, ok := decoded.(*Trades)
	require.True(t, ok)
	require.Equal(t, "ETHUSDT", trades.Symbol)
	require.Len(t, trades.Trades, 2)
	require.Equal(t, int64(1001), trades.Trades[0].TradeID)
	require.True(t, trades.Trades[0].BuyerIsMaker)
	require.True(t, trades.Trades[0].IsBestMatch)
	require.InDelta(t, 95535.54, trades.Trades[0].Price, 0.0001)
	require.InDelta(t, 1.0, trades.Trades[0].Quantity, 0.0001)
}

func TestDecodeTruncatedBufferIsError(t *testing.T) {
	t.Parallel()

	testCases := map[string][]byte{
		"empty buffer":        {},
		"header only":         {0, 0, 0x10, 0x27, 3, 0, 2, 0}, // templateId 10000 little-endian
		"header plus partial": {0, 0, 0x11, 0x27, 3, 0, 2, 0, 1, 2, 3},
	}

	for name, buf := range testCases {
		buf := buf
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(buf)
			require.Error(t, err)
		})
	}
}

func TestDecodeUnknownTemplateID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	putHeader(buf, 0, 9999, SchemaID, 2)
	_, err := Decode(buf.Bytes())
	require.Error(t, err)
}
