package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/recorderconfig"
	"github.com/oerlikon/mdrecorder/internal/syncengine"
	"github.com/oerlikon/mdrecorder/internal/tickinfo"
)

type fakeListener struct {
	exch, symbol string
	startErr     error
	book         chan *exchange.BookUpdate
	trades       chan []*exchange.Trade
}

func newFakeListener(exch, symbol string) *fakeListener {
	return &fakeListener{
		exch: exch, symbol: symbol,
		book:   make(chan *exchange.BookUpdate, 4),
		trades: make(chan []*exchange.Trade, 4),
	}
}

func (f *fakeListener) Exchange() string                 { return f.exch }
func (f *fakeListener) Symbol() string                   { return f.symbol }
func (f *fakeListener) Start(ctx context.Context) error  { return f.startErr }
func (f *fakeListener) Book() <-chan *exchange.BookUpdate { return f.book }
func (f *fakeListener) Trades() <-chan []*exchange.Trade  { return f.trades }

func baseCfg(t *testing.T, exch recorderconfig.Exchange) recorderconfig.Config {
	t.Helper()
	return recorderconfig.Config{
		Symbol:                 "BTCUSDT",
		Exchange:               exch,
		DepthLevels:            5,
		StoreDepthDiffs:        true,
		WindowTZ:               "UTC",
		WindowStartHHMM:        "00:00",
		WindowEndHHMM:          "23:59",
		HeartbeatSec:           30,
		SyncWarnAfterSec:       20,
		MaxBufferWarn:          500,
		OrderbookBufferRows:    200,
		TradesBufferRows:       50,
		BufferFlushIntervalSec: 5,
		DataDir:                t.TempDir(),
	}
}

func schemaFile(t *testing.T, dayDir string) map[string]any {
	t.Helper()
	body, err := os.ReadFile(filepath.Join(dayDir, "schema.json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func TestNewSelectsEngineVariantPerExchangeAndWritesSchema(t *testing.T) {
	cases := []struct {
		exch       recorderconfig.Exchange
		wantEngine string
		wantInBand bool
	}{
		{recorderconfig.Binance, "*syncengine.SequenceEngine", false},
		{recorderconfig.Kraken, "*syncengine.ChecksumEngine", true},
		{recorderconfig.Bitfinex, "*syncengine.ChecksumEngine", true},
	}
	for _, c := range cases {
		t.Run(string(c.exch), func(t *testing.T) {
			cfg := baseCfg(t, c.exch)
			listener := newFakeListener(string(c.exch), cfg.Symbol)
			o, err := New(cfg, listener, tickinfo.Info{TickSize: tickinfo.DefaultTickSize, Source: "default"}, zerolog.Nop(), time.Now())
			require.NoError(t, err)

			switch c.wantEngine {
			case "*syncengine.SequenceEngine":
				require.IsType(t, &syncengine.SequenceEngine{}, o.engine)
			case "*syncengine.ChecksumEngine":
				require.IsType(t, &syncengine.ChecksumEngine{}, o.engine)
			}
			if c.wantInBand {
				require.NotNil(t, o.inBand)
			} else {
				require.Nil(t, o.inBand)
			}

			m := schemaFile(t, o.DayDir())
			require.EqualValues(t, 2, m["schema_version"])
			streams, ok := m["streams"].([]any)
			require.True(t, ok)
			require.NotEmpty(t, streams)
		})
	}
}

func TestNewOmitsDepthDiffStreamWhenDisabled(t *testing.T) {
	cfg := baseCfg(t, recorderconfig.Binance)
	cfg.StoreDepthDiffs = false
	listener := newFakeListener(string(cfg.Exchange), cfg.Symbol)
	o, err := New(cfg, listener, tickinfo.Info{TickSize: tickinfo.DefaultTickSize, Source: "default"}, zerolog.Nop(), time.Now())
	require.NoError(t, err)
	require.Nil(t, o.diffWriter)

	m := schemaFile(t, o.DayDir())
	for _, s := range m["streams"].([]any) {
		stream := s.(map[string]any)
		require.NotEqual(t, "depth_diffs", stream["name"])
	}
}

func TestNewRejectsUnknownExchange(t *testing.T) {
	cfg := baseCfg(t, recorderconfig.Exchange("coinbase"))
	listener := newFakeListener("coinbase", cfg.Symbol)
	_, err := New(cfg, listener, tickinfo.Info{}, zerolog.Nop(), time.Now())
	require.Error(t, err)
}

func TestRunReturnsContextErrorWhileWaitingForWindowToOpen(t *testing.T) {
	cfg := baseCfg(t, recorderconfig.Binance)
	listener := newFakeListener(string(cfg.Exchange), cfg.Symbol)
	o, err := New(cfg, listener, tickinfo.Info{TickSize: tickinfo.DefaultTickSize, Source: "default"}, zerolog.Nop(), time.Now())
	require.NoError(t, err)
	o.start = time.Now().Add(time.Hour) // force the "waiting for window to open" branch

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReturnsWrappedErrorWhenListenerFailsToStart(t *testing.T) {
	cfg := baseCfg(t, recorderconfig.Binance)
	listener := newFakeListener(string(cfg.Exchange), cfg.Symbol)
	listener.startErr = context.DeadlineExceeded
	o, err := New(cfg, listener, tickinfo.Info{TickSize: tickinfo.DefaultTickSize, Source: "default"}, zerolog.Nop(), time.Now())
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunAppliesDepthAndTradeUpdatesUntilContextCancelled(t *testing.T) {
	cfg := baseCfg(t, recorderconfig.Kraken)
	listener := newFakeListener(string(cfg.Exchange), cfg.Symbol)
	o, err := New(cfg, listener, tickinfo.Info{TickSize: tickinfo.DefaultTickSize, Source: "default"}, zerolog.Nop(), time.Now())
	require.NoError(t, err)

	snap := exchange.Snapshot{
		EventTimeMs:  1,
		LastUpdateID: 100,
		Bids:         []decimalutil.Level{lvl(t, "100.0", "1")},
		Asks:         []decimalutil.Level{lvl(t, "100.5", "1")},
	}
	o.engine.(*syncengine.ChecksumEngine).Seed(snap)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	listener.book <- &exchange.BookUpdate{
		Exchange: string(cfg.Exchange),
		Symbol:   cfg.Symbol,
		Diff: &exchange.DepthDiff{
			EventTimeMs: 2,
			Bids:        []decimalutil.Level{lvl(t, "100.0", "2")},
			Asks:        []decimalutil.Level{},
		},
	}
	listener.trades <- []*exchange.Trade{{
		TradeID: "t1",
		Price:   lvl(t, "100.25", "0.5"),
		Taker:   exchange.Buy,
	}}

	require.Eventually(t, func() bool {
		return o.state.depthMsgCount == 1 && o.state.tradeMsgCount == 1
	}, time.Second, time.Millisecond)

	cancel()
	err = <-done
	require.ErrorIs(t, err, context.Canceled)
}
