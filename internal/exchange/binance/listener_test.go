package binance

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"

	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
)

func parseJSON(t *testing.T, s string) *fastjson.Value {
	t.Helper()
	var p fastjson.Parser
	v, err := p.Parse(s)
	require.NoError(t, err)
	return v
}

func TestParseLevelsDecodesPriceQtyPairs(t *testing.T) {
	v := parseJSON(t, `[["100.50","2.0"],["101.00","1.5"]]`)
	lvls, err := parseLevels(v.GetArray())
	require.NoError(t, err)
	require.Len(t, lvls, 2)
	require.Equal(t, "100.50", lvls[0].RawPrice)
	require.Equal(t, "2.0", lvls[0].RawQty)
}

func TestParseLevelsRejectsShortRow(t *testing.T) {
	v := parseJSON(t, `[["100.50"]]`)
	_, err := parseLevels(v.GetArray())
	require.Error(t, err)
}

func TestLevelPairsRoundTripsRawText(t *testing.T) {
	v := parseJSON(t, `[["100.50","2.0"]]`)
	lvls, err := parseLevels(v.GetArray())
	require.NoError(t, err)
	pairs := levelPairs(lvls)
	require.Equal(t, [2]string{"100.50", "2.0"}, pairs[0])
}

func TestParseDepthCarriesSequenceFields(t *testing.T) {
	l := &Listener{}
	v := parseJSON(t, `{"e":"depthUpdate","E":1680000000000,"s":"BTCUSDT","U":100,"u":105,"b":[["100.0","1.0"]],"a":[["101.0","1.0"]]}`)
	diff, err := l.parseDepth(v, timestamp.Now())
	require.NoError(t, err)
	require.Equal(t, int64(100), diff.U)
	require.Equal(t, int64(105), diff.U2)
	require.Len(t, diff.Bids, 1)
	require.Len(t, diff.Asks, 1)
	require.NotEmpty(t, diff.Raw)
}

func TestParseTradeSideFromBuyerIsMaker(t *testing.T) {
	l := &Listener{}
	v := parseJSON(t, `{"E":1680000000000,"T":1680000000001,"t":987,"p":"27000.25","q":"0.5","m":true}`)
	tr, err := l.parseTrade(v, timestamp.Now())
	require.NoError(t, err)
	require.Equal(t, exchange.Sell, tr.Taker) // buyer is maker -> taker sold
	require.Equal(t, "987", tr.TradeID)
	require.NotNil(t, tr.IsBuyerMaker)
	require.True(t, *tr.IsBuyerMaker)

	v = parseJSON(t, `{"E":1680000000000,"T":1680000000001,"t":988,"p":"27000.25","q":"0.5","m":false}`)
	tr, err = l.parseTrade(v, timestamp.Now())
	require.NoError(t, err)
	require.Equal(t, exchange.Buy, tr.Taker)
}
