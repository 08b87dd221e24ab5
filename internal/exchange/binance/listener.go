// Package binance implements the Binance combined-stream depth/trade
// adapter. Grounded on oerlikon-sounding's internal/exchange/binance/
// listener.go for the overall decode shape (fastjson, "stream"/"data"
// envelope, U/u sequence fields), rewritten against internal/transport
// instead of a private dial-plus-two-goroutines loop, and against the
// combined-stream URL form (?streams=a/b) instead of a post-connect
// SUBSCRIBE frame, since Binance serves multiple streams over one socket
// without needing one.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/errkind"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
	"github.com/oerlikon/mdrecorder/internal/transport"
)

const Name = "binance"

type Listener struct {
	symbol string
	cfg    transport.Config
	log    zerolog.Logger

	client  *transport.Client
	bookCh  chan *exchange.BookUpdate
	tradeCh chan []*exchange.Trade
	parser  fastjson.Parser
}

// New builds a Listener for symbol (e.g. "btcusdt"). cfg.URL is
// overwritten with the Binance combined-stream endpoint; every other
// Config field (ping/backoff/session timing) is passed through from the
// caller's recorderconfig-derived settings.
func New(symbol string, cfg transport.Config, log zerolog.Logger) *Listener {
	lower := strings.ToLower(symbol)
	cfg.URL = fmt.Sprintf("wss://stream.binance.com:9443/stream?streams=%s@depth/%s@trade", lower, lower)
	return &Listener{
		symbol:  symbol,
		cfg:     cfg,
		log:     log,
		bookCh:  make(chan *exchange.BookUpdate, 1),
		tradeCh: make(chan []*exchange.Trade, 1),
	}
}

func (l *Listener) Exchange() string                       { return Name }
func (l *Listener) Symbol() string                         { return l.symbol }
func (l *Listener) Book() <-chan *exchange.BookUpdate       { return l.bookCh }
func (l *Listener) Trades() <-chan []*exchange.Trade        { return l.tradeCh }

func (l *Listener) Start(ctx context.Context) error {
	l.client = transport.New(l.cfg, l.log, transport.Hooks{})
	go func() {
		if err := l.client.Run(ctx); err != nil && ctx.Err() == nil {
			l.log.Error().Err(err).Msg("binance transport exited")
		}
	}()
	go l.dispatch(ctx)
	return nil
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
				l.log.Warn().Err(err).Msg("binance decode error")
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
	stream := string(v.GetStringBytes("stream"))
	data := v.Get("data")
	if data == nil {
		return nil
	}
	switch {
	case strings.HasSuffix(stream, "@depth"):
		diff, err := l.parseDepth(data, received)
		if err != nil {
			return err
		}
		return l.send(ctx, &exchange.BookUpdate{Exchange: Name, Symbol: l.symbol, Diff: diff})
	case strings.HasSuffix(stream, "@trade"):
		t, err := l.parseTrade(data, received)
		if err != nil {
			return err
		}
		select {
		case l.tradeCh <- []*exchange.Trade{t}:
		case <-ctx.Done():
		}
	}
	return nil
}

func (l *Listener) send(ctx context.Context, upd *exchange.BookUpdate) error {
	select {
	case l.bookCh <- upd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type depthWire struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	U         int64       `json:"U"`
	UFinal    int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (l *Listener) parseDepth(v *fastjson.Value, received timestamp.Timestamp) (*exchange.DepthDiff, error) {
	bids, err := parseLevels(v.GetArray("b"))
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(v.GetArray("a"))
	if err != nil {
		return nil, err
	}

	wire := depthWire{
		EventType: "depthUpdate",
		EventTime: v.GetInt64("E"),
		Symbol:    string(v.GetStringBytes("s")),
		U:         v.GetInt64("U"),
		UFinal:    v.GetInt64("u"),
		Bids:      levelPairs(bids),
		Asks:      levelPairs(asks),
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errkind.DecodeError, err)
	}

	return &exchange.DepthDiff{
		EventTimeMs: wire.EventTime,
		Received:    received,
		U:           wire.U,
		U2:          wire.UFinal,
		Bids:        bids,
		Asks:        asks,
		Raw:         raw,
	}, nil
}

func (l *Listener) parseTrade(v *fastjson.Value, received timestamp.Timestamp) (*exchange.Trade, error) {
	price, err := decimalutil.ParseLevel(string(v.GetStringBytes("p")), string(v.GetStringBytes("q")))
	if err != nil {
		return nil, err
	}
	buyerIsMaker := v.GetBool("m")
	taker := exchange.Buy
	if buyerIsMaker {
		taker = exchange.Sell
	}
	return &exchange.Trade{
		EventTimeMs:  v.GetInt64("E"),
		Received:     received,
		Occurred:     timestamp.Milli(v.GetInt64("T")),
		TradeID:      strconv.FormatInt(v.GetInt64("t"), 10),
		Price:        price,
		Taker:        taker,
		IsBuyerMaker: &buyerIsMaker,
		Raw:          append([]byte(nil), v.MarshalTo(nil)...),
	}, nil
}

func parseLevels(rows []*fastjson.Value) ([]decimalutil.Level, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]decimalutil.Level, len(rows))
	for i, pq := range rows {
		arr, err := pq.Array()
		if err != nil || len(arr) < 2 {
			return nil, fmt.Errorf("%w: malformed price level", errkind.DecodeError)
		}
		lvl, err := decimalutil.ParseLevel(string(arr[0].GetStringBytes()), string(arr[1].GetStringBytes()))
		if err != nil {
			return nil, err
		}
		out[i] = lvl
	}
	return out, nil
}

func levelPairs(levels []decimalutil.Level) [][2]string {
	if len(levels) == 0 {
		return nil
	}
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.RawPrice, l.RawQty}
	}
	return out
}
