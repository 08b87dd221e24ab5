// Package kraken implements the Kraken public book/trade adapter.
// Grounded on oerlikon-sounding's internal/exchange/kraken/listener.go for
// the array-framed message shape (`[channelID, payload..., channelName,
// pair]`), subscriptionStatus channel-name tracking, and fastfloat trade
// timestamp parsing, rewritten against internal/transport and extended
// with the "c" checksum field that listener never reads (needed here
// since syncengine.ChecksumEngine verifies it on every diff).
package kraken

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"
	"github.com/valyala/fastjson/fastfloat"

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

const Name = "kraken"

const bookDepth = 10

type Listener struct {
	symbol string
	cfg    transport.Config
	log    zerolog.Logger

	client  *transport.Client
	bookCh  chan *exchange.BookUpdate
	tradeCh chan []*exchange.Trade
	parser  fastjson.Parser

	bookChannelName  string
	tradeChannelName string
	bookStarted      bool
}

func New(symbol string, cfg transport.Config, log zerolog.Logger) *Listener {
	cfg.URL = "wss://ws.kraken.com"
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
			l.log.Error().Err(err).Msg("kraken transport exited")
		}
	}()
	go l.dispatch(ctx)
	return nil
}

func (l *Listener) subscribe(conn *websocket.Conn) error {
	pair := strings.ToUpper(l.symbol)
	book := fmt.Sprintf(`{"event":"subscribe","pair":["%s"],"subscription":{"name":"book","depth":%d}}`, pair, bookDepth)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(book)); err != nil {
		return err
	}
	trade := fmt.Sprintf(`{"event":"subscribe","pair":["%s"],"subscription":{"name":"trade"}}`, pair)
	return conn.WriteMessage(websocket.TextMessage, []byte(trade))
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
				l.log.Warn().Err(err).Msg("kraken decode error")
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
	if len(arr) < 4 {
		return nil
	}
	channelName := jsonStr(arr[len(arr)-2])
	payloads := arr[1 : len(arr)-2]

	switch channelName {
	case l.bookChannelName:
		return l.handleBook(ctx, payloads, msg, received)
	case l.tradeChannelName:
		return l.handleTrade(ctx, payloads, received)
	}
	return nil
}

func (l *Listener) processEvent(v *fastjson.Value) error {
	event := string(v.GetStringBytes("event"))
	switch event {
	case "subscriptionStatus":
		status := string(v.GetStringBytes("status"))
		if status != "subscribed" {
			if status == "error" {
				return fmt.Errorf("kraken: subscribe failed: %s", v.GetStringBytes("errorMessage"))
			}
			return nil
		}
		channelName := string(v.GetStringBytes("channelName"))
		switch string(v.GetStringBytes("subscription", "name")) {
		case "book":
			l.bookChannelName = channelName
		case "trade":
			l.tradeChannelName = channelName
		}
	case "heartbeat", "systemStatus", "pong":
	case "error":
		return fmt.Errorf("kraken: %s", v)
	}
	return nil
}

func (l *Listener) handleBook(ctx context.Context, payloads []*fastjson.Value, rawMsg []byte, received timestamp.Timestamp) error {
	if !l.bookStarted {
		if len(payloads) != 1 {
			return fmt.Errorf("kraken: expected one snapshot payload, got %d", len(payloads))
		}
		snap, err := parseBookSnapshot(payloads[0], received)
		if err != nil {
			return err
		}
		l.bookStarted = true
		return l.sendBook(ctx, &exchange.BookUpdate{Exchange: Name, Symbol: l.symbol, Snapshot: snap})
	}
	diff, err := parseBookUpdate(payloads, rawMsg, received)
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

func parseBookSnapshot(v *fastjson.Value, received timestamp.Timestamp) (*exchange.Snapshot, error) {
	bids, err := parsePairLevels(v.GetArray("bs"))
	if err != nil {
		return nil, err
	}
	asks, err := parsePairLevels(v.GetArray("as"))
	if err != nil {
		return nil, err
	}
	raw := append([]byte(nil), v.MarshalTo(nil)...)
	return &exchange.Snapshot{
		EventTimeMs: received.UnixMilli(),
		Received:    received,
		Bids:        bids,
		Asks:        asks,
		Raw:         raw,
	}, nil
}

func parseBookUpdate(payloads []*fastjson.Value, rawMsg []byte, received timestamp.Timestamp) (*exchange.DepthDiff, error) {
	var bids, asks []decimalutil.Level
	var checksum *uint32

	for _, p := range payloads {
		if b := p.GetArray("b"); b != nil {
			lvls, err := parsePairLevels(b)
			if err != nil {
				return nil, err
			}
			bids = append(bids, lvls...)
		}
		if a := p.GetArray("a"); a != nil {
			lvls, err := parsePairLevels(a)
			if err != nil {
				return nil, err
			}
			asks = append(asks, lvls...)
		}
		if c := p.GetStringBytes("c"); c != nil {
			n, err := strconv.ParseUint(string(c), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("kraken: bad checksum %q: %w", c, err)
			}
			v := uint32(n)
			checksum = &v
		}
	}

	return &exchange.DepthDiff{
		EventTimeMs: received.UnixMilli(),
		Received:    received,
		Bids:        bids,
		Asks:        asks,
		Checksum:    checksum,
		Raw:         append([]byte(nil), rawMsg...),
	}, nil
}

// parsePairLevels decodes Kraken's [price, qty, time] (or [price, qty]
// snapshot) triples, discarding the per-level timestamp: decimalutil.Level
// carries only price/qty, and the engine stamps its own recv_ms/recv_seq.
func parsePairLevels(rows []*fastjson.Value) ([]decimalutil.Level, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]decimalutil.Level, len(rows))
	for i, pq := range rows {
		arr, err := pq.Array()
		if err != nil || len(arr) < 2 {
			return nil, fmt.Errorf("%w: malformed kraken level", errkind.DecodeError)
		}
		lvl, err := decimalutil.ParseLevel(jsonStr(arr[0]), jsonStr(arr[1]))
		if err != nil {
			return nil, err
		}
		out[i] = lvl
	}
	return out, nil
}

func (l *Listener) handleTrade(ctx context.Context, payloads []*fastjson.Value, received timestamp.Timestamp) error {
	if len(payloads) == 0 {
		return nil
	}
	rows := payloads[0].GetArray()
	if len(rows) == 0 {
		return nil
	}
	trades := make([]*exchange.Trade, 0, len(rows))
	for i, t := range rows {
		fields := t.GetArray()
		if len(fields) < 4 {
			continue
		}
		price, err := decimalutil.ParseLevel(jsonStr(fields[0]), jsonStr(fields[1]))
		if err != nil {
			return err
		}
		var taker exchange.Side
		switch jsonStr(fields[3]) {
		case "b":
			taker = exchange.Buy
		case "s":
			taker = exchange.Sell
		default:
			continue
		}
		occurredMs := fastfloat.ParseBestEffort(jsonStr(fields[2])) * 1000
		trades = append(trades, &exchange.Trade{
			EventTimeMs: received.UnixMilli(),
			Received:    received,
			Occurred:    timestamp.Milli(int64(occurredMs)),
			TradeID:     fmt.Sprintf("%s-%d-%d", l.symbol, int64(occurredMs), i),
			Price:       price,
			Taker:       taker,
			Raw:         append([]byte(nil), t.MarshalTo(nil)...),
		})
	}
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
