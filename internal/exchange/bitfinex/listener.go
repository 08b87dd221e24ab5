// Package bitfinex implements the Bitfinex public book/trade adapter.
// Grounded on oerlikon-sounding's internal/exchange/bitfinex/listener.go
// for the channel-ID array framing (`[chanId, payload, ..., seq, ts]`),
// the "hb"/"cs"/"te"/"tu" event discrimination, and the snapshot-vs-update
// row shape ([price, count, amount] with amount sign carrying side),
// rewritten against internal/transport instead of a private dial loop and
// extended to decode the "cs" checksum frame that listener receives but
// never reads (needed here since syncengine.ChecksumEngine verifies it
// against every applied diff).
package bitfinex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/errkind"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
	"github.com/oerlikon/mdrecorder/internal/transport"
)

// jsonStr returns the exact scalar text of v, unquoted for JSON strings
// and verbatim for JSON numbers, so decimalutil.ParseLevel and checksum
// comparisons see the exchange's own wire formatting.
func jsonStr(v *fastjson.Value) string {
	if v.Type() == fastjson.TypeString {
		sb, _ := v.StringBytes()
		return string(sb)
	}
	return v.String()
}

const Name = "bitfinex"

// bookDepth matches syncengine.BitfinexVariant.TrackDepth: subscribing at
// the same depth the checksum covers means the adapter never carries book
// rows the engine immediately trims.
const bookDepth = 25

// confFlags enables per-message timestamps, sequence numbers on every
// frame (gap detection) and periodic "cs" checksum frames on the book
// channel. Values are Bitfinex's documented bitmask, disjoint so OR and
// XOR agree.
const confFlags = 32768 | 65536 | 131072 // TIMESTAMP | SEQ_ALL | CHECKSUM

type Listener struct {
	symbol string
	cfg    transport.Config
	log    zerolog.Logger

	client  *transport.Client
	bookCh  chan *exchange.BookUpdate
	tradeCh chan []*exchange.Trade
	parser  fastjson.Parser

	bookChanID  int64
	tradeChanID int64
	bookStarted bool

	lastSeq int64
}

func New(symbol string, cfg transport.Config, log zerolog.Logger) *Listener {
	cfg.URL = "wss://api-pub.bitfinex.com/ws/2"
	return &Listener{
		symbol:  symbol,
		cfg:     cfg,
		log:     log,
		bookCh:  make(chan *exchange.BookUpdate, 1),
		tradeCh: make(chan []*exchange.Trade, 1),
	}
}

func (l *Listener) Exchange() string                 { return Name }
func (l *Listener) Symbol() string                   { return l.symbol }
func (l *Listener) Book() <-chan *exchange.BookUpdate { return l.bookCh }
func (l *Listener) Trades() <-chan []*exchange.Trade  { return l.tradeCh }

func (l *Listener) Start(ctx context.Context) error {
	l.client = transport.New(l.cfg, l.log, transport.Hooks{OnOpen: l.subscribe})
	go func() {
		if err := l.client.Run(ctx); err != nil && ctx.Err() == nil {
			l.log.Error().Err(err).Msg("bitfinex transport exited")
		}
	}()
	go l.dispatch(ctx)
	return nil
}

func (l *Listener) subscribe(conn *websocket.Conn) error {
	pair := "t" + strings.ToUpper(l.symbol)
	conf := fmt.Sprintf(`{"event":"conf","flags":%d}`, confFlags)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(conf)); err != nil {
		return err
	}
	book := fmt.Sprintf(`{"event":"subscribe","channel":"book","symbol":"%s","len":"%d"}`, pair, bookDepth)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(book)); err != nil {
		return err
	}
	trades := fmt.Sprintf(`{"event":"subscribe","channel":"trades","symbol":"%s"}`, pair)
	return conn.WriteMessage(websocket.TextMessage, []byte(trades))
}

func (l *Listener) dispatch(ctx context.Context) {
	defer close(l.bookCh)
	defer close(l.tradeCh)
	msgs := l.client.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := l.process(ctx, msg); err != nil {
				l.log.Warn().Err(err).Msg("bitfinex decode error")
			}
		}
	}
}

func (l *Listener) process(ctx context.Context, msg []byte) error {
	received := timestamp.Now()
	v, err := l.parser.ParseBytes(msg)
	if err != nil {
		return fmt.Errorf("%w: %s", errkind.DecodeError, err)
	}

	arr, err := v.Array()
	if err != nil {
		return l.processEvent(v)
	}
	if len(arr) < 3 {
		return nil
	}
	n := len(arr)
	if seq := arr[n-2].GetInt64(); l.lastSeq != 0 && seq != l.lastSeq+1 {
		l.log.Warn().Int64("want", l.lastSeq+1).Int64("got", seq).Msg("bitfinex sequence gap")
	}
	l.lastSeq = arr[n-2].GetInt64()

	chanID := arr[0].GetInt64()
	payload := arr[1]

	if s, err := payload.StringBytes(); err == nil {
		switch string(s) {
		case "hb":
			return nil
		case "cs":
			return l.handleChecksum(ctx, chanID, arr, received, msg)
		case "tu":
			return nil // duplicate of the immediately preceding "te"; ignore
		case "te":
			return l.handleTradeExecuted(ctx, chanID, arr[2], received, msg)
		default:
			return fmt.Errorf("bitfinex: unexpected payload tag %q", s)
		}
	}

	if chanID == l.bookChanID {
		return l.handleBook(ctx, payload, received, msg)
	}
	if chanID == l.tradeChanID {
		return l.handleTradeSnapshot(ctx, payload, received, msg)
	}
	return nil
}

func (l *Listener) processEvent(v *fastjson.Value) error {
	event := string(v.GetStringBytes("event"))
	switch event {
	case "subscribed":
		chanID := v.GetInt64("chanId")
		switch string(v.GetStringBytes("channel")) {
		case "book":
			l.bookChanID = chanID
		case "trades":
			l.tradeChanID = chanID
		}
	case "info", "conf":
	case "error":
		return fmt.Errorf("bitfinex: %s", v)
	}
	return nil
}

func (l *Listener) handleChecksum(ctx context.Context, chanID int64, arr []*fastjson.Value, received timestamp.Timestamp, rawMsg []byte) error {
	if chanID != l.bookChanID {
		return nil
	}
	cs := uint32(arr[2].GetInt64())
	return l.sendBook(ctx, &exchange.BookUpdate{
		Exchange: Name,
		Symbol:   l.symbol,
		Diff: &exchange.DepthDiff{
			EventTimeMs: received.UnixMilli(),
			Received:    received,
			Checksum:    &cs,
			Raw:         append([]byte(nil), rawMsg...),
		},
	})
}

func (l *Listener) handleBook(ctx context.Context, payload *fastjson.Value, received timestamp.Timestamp, rawMsg []byte) error {
	if !l.bookStarted {
		snap, err := parseBookSnapshot(payload, received, rawMsg)
		if err != nil {
			return err
		}
		l.bookStarted = true
		return l.sendBook(ctx, &exchange.BookUpdate{Exchange: Name, Symbol: l.symbol, Snapshot: snap})
	}
	diff, err := parseBookLevel(payload, received, rawMsg)
	if err != nil {
		return err
	}
	return l.sendBook(ctx, &exchange.BookUpdate{Exchange: Name, Symbol: l.symbol, Diff: diff})
}

func (l *Listener) sendBook(ctx context.Context, upd *exchange.BookUpdate) error {
	select {
	case l.bookCh <- upd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseBookSnapshot decodes the full top-N array of [price, count, amount]
// rows Bitfinex sends as the first frame after subscribe.
func parseBookSnapshot(v *fastjson.Value, received timestamp.Timestamp, rawMsg []byte) (*exchange.Snapshot, error) {
	rows := v.GetArray()
	bids := make([]decimalutil.Level, 0, len(rows))
	asks := make([]decimalutil.Level, 0, len(rows))
	for _, row := range rows {
		lvl, isBid, err := decodeLevelRow(row)
		if err != nil {
			return nil, err
		}
		if isBid {
			bids = append(bids, lvl)
		} else {
			asks = append(asks, lvl)
		}
	}
	return &exchange.Snapshot{
		EventTimeMs: received.UnixMilli(),
		Received:    received,
		Bids:        bids,
		Asks:        asks,
		Raw:         append([]byte(nil), rawMsg...),
	}, nil
}

// parseBookLevel decodes a single [price, count, amount] update row into a
// one-sided DepthDiff: count 0 deletes the level (qty forced to "0"),
// count > 0 upserts it at the given amount, and the amount's sign picks
// the side in both cases.
func parseBookLevel(v *fastjson.Value, received timestamp.Timestamp, rawMsg []byte) (*exchange.DepthDiff, error) {
	lvl, isBid, err := decodeLevelRow(v)
	if err != nil {
		return nil, err
	}
	diff := &exchange.DepthDiff{
		EventTimeMs: received.UnixMilli(),
		Received:    received,
		Raw:         append([]byte(nil), rawMsg...),
	}
	if isBid {
		diff.Bids = []decimalutil.Level{lvl}
	} else {
		diff.Asks = []decimalutil.Level{lvl}
	}
	return diff, nil
}

func decodeLevelRow(row *fastjson.Value) (decimalutil.Level, bool, error) {
	fields := row.GetArray()
	if len(fields) < 3 {
		return decimalutil.Level{}, false, fmt.Errorf("%w: malformed bitfinex book row", errkind.DecodeError)
	}
	price := jsonStr(fields[0])
	count := fields[1].GetInt()
	amount := jsonStr(fields[2])
	isBid := !strings.HasPrefix(amount, "-")

	qty := amount
	if !isBid {
		qty = amount[1:]
	}
	if count == 0 {
		qty = "0"
	}
	lvl, err := decimalutil.ParseLevel(price, qty)
	if err != nil {
		return decimalutil.Level{}, false, err
	}
	return lvl, isBid, nil
}

func (l *Listener) handleTradeSnapshot(ctx context.Context, payload *fastjson.Value, received timestamp.Timestamp, rawMsg []byte) error {
	rows := payload.GetArray()
	if len(rows) == 0 {
		return nil
	}
	trades := make([]*exchange.Trade, 0, len(rows))
	for _, row := range rows {
		t, err := decodeTradeRow(row, received)
		if err != nil {
			return err
		}
		trades = append(trades, t)
	}
	return l.sendTrades(ctx, trades)
}

func (l *Listener) handleTradeExecuted(ctx context.Context, chanID int64, row *fastjson.Value, received timestamp.Timestamp, rawMsg []byte) error {
	if chanID != l.tradeChanID {
		return nil
	}
	t, err := decodeTradeRow(row, received)
	if err != nil {
		return err
	}
	return l.sendTrades(ctx, []*exchange.Trade{t})
}

// decodeTradeRow decodes Bitfinex's [ID, MTS, AMOUNT, PRICE] trade tuple.
// Amount's sign carries the taker side; the magnitude is the quantity.
func decodeTradeRow(row *fastjson.Value, received timestamp.Timestamp) (*exchange.Trade, error) {
	fields := row.GetArray()
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: malformed bitfinex trade row", errkind.DecodeError)
	}
	id := fields[0].GetInt64()
	occurredMs := fields[1].GetInt64()
	amount := jsonStr(fields[2])
	priceStr := jsonStr(fields[3])

	taker := exchange.Buy
	qty := amount
	if strings.HasPrefix(amount, "-") {
		taker = exchange.Sell
		qty = amount[1:]
	}
	price, err := decimalutil.ParseLevel(priceStr, qty)
	if err != nil {
		return nil, err
	}
	return &exchange.Trade{
		EventTimeMs: received.UnixMilli(),
		Received:    received,
		Occurred:    timestamp.Milli(occurredMs),
		TradeID:     strconv.FormatInt(id, 10),
		Price:       price,
		Taker:       taker,
		Raw:         append([]byte(nil), row.MarshalTo(nil)...),
	}, nil
}

func (l *Listener) sendTrades(ctx context.Context, trades []*exchange.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	select {
	case l.tradeCh <- trades:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
