package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/recorderconfig"
	"github.com/oerlikon/mdrecorder/internal/runid"
	"github.com/oerlikon/mdrecorder/internal/snapshotsource"
	"github.com/oerlikon/mdrecorder/internal/syncengine"
	"github.com/oerlikon/mdrecorder/internal/tickinfo"
	"github.com/oerlikon/mdrecorder/internal/writerfabric"
)

// Orchestrator owns the book, the sync engine, and every writer for one
// run's lifetime (one symbol, one exchange, one day). It is the only
// thing in the process holding a reference to the exchange.Listener.
// Grounded on run_recorder in the original Python implementation's
// mm_recorder/recorder.py.
type Orchestrator struct {
	cfg      recorderconfig.Config
	log      zerolog.Logger
	runID    string
	dayDir   string
	start    time.Time
	end      time.Time

	listener exchange.Listener
	engine   syncengine.Engine
	inBand   *snapshotsource.InBandSource // non-nil for checksum exchanges

	state       *runState
	seq         *writerfabric.SeqAllocator
	emitter     *Emitter
	heartbeat   *Heartbeat
	snapshotter *Snapshotter
	depthH      *DepthHandler
	tradeH      *TradeHandler

	obWriter     *writerfabric.CSVWriter
	trWriter     *writerfabric.CSVWriter
	eventsWriter *writerfabric.CSVWriter
	gapsWriter   *writerfabric.CSVWriter
	diffWriter   *writerfabric.NDJSONWriter // nil unless StoreDepthDiffs
	rawTrWriter  *writerfabric.NDJSONWriter
	liveDiff     *writerfabric.LiveWriter
	liveTrade    *writerfabric.LiveWriter
}

func obHeader(depth int) []string {
	h := []string{"event_time_ms", "recv_time_ms", "recv_seq", "run_id", "epoch_id"}
	for i := 1; i <= depth; i++ {
		h = append(h, fmt.Sprintf("bid_price_%d", i), fmt.Sprintf("bid_qty_%d", i), fmt.Sprintf("ask_price_%d", i), fmt.Sprintf("ask_qty_%d", i))
	}
	return h
}

var trHeader = []string{"event_time_ms", "recv_time_ms", "recv_seq", "run_id", "trade_id", "trade_time_ms", "price", "qty", "is_buyer_maker", "side", "exchange", "symbol"}
var eventsHeader = []string{"event_id", "recv_time_ms", "recv_seq", "run_id", "event_type", "epoch_id", "details"}
var gapsHeader = []string{"recv_time_ms", "recv_seq", "run_id", "epoch_id", "event", "details"}

// New wires every writer, the sync engine, and the handlers for one run.
// listener must not yet be started; New only constructs state, it never
// blocks on the network.
func New(cfg recorderconfig.Config, listener exchange.Listener, tick tickinfo.Info, log zerolog.Logger, now time.Time) (*Orchestrator, error) {
	start, end, err := ResolveWindow(now, cfg.WindowStartHHMM, cfg.WindowEndHHMM, cfg.WindowEndDayOffset)
	if err != nil {
		return nil, fmt.Errorf("recorder: resolve window: %w", err)
	}

	runID := runid.New()
	sym := cfg.SymbolFS()
	dayDir := filepath.Join(cfg.DataDir, string(cfg.Exchange), sym, now.Format("20060102"))
	snapshotsDir := filepath.Join(dayDir, "snapshots")
	diffsDir := filepath.Join(dayDir, "diffs")
	tradesDir := filepath.Join(dayDir, "trades")
	liveDir := filepath.Join(dayDir, "live")

	if err := ensureDir(dayDir); err != nil {
		return nil, fmt.Errorf("recorder: create day directory: %w", err)
	}

	o := &Orchestrator{
		cfg: cfg, log: log, runID: runID, dayDir: dayDir, start: start, end: end,
		listener: listener,
		state:    &runState{phase: PhaseConnecting},
	}

	o.obWriter = &writerfabric.CSVWriter{
		Path:          filepath.Join(dayDir, fmt.Sprintf("orderbook_ws_depth_%s_%s.csv.gz", sym, now.Format("20060102"))),
		Header:        obHeader(cfg.DepthLevels),
		RowThreshold:  cfg.OrderbookBufferRows,
		FlushInterval: cfg.BufferFlushInterval(),
	}
	o.trWriter = &writerfabric.CSVWriter{
		Path:          filepath.Join(dayDir, fmt.Sprintf("trades_ws_%s_%s.csv.gz", sym, now.Format("20060102"))),
		Header:        trHeader,
		RowThreshold:  cfg.TradesBufferRows,
		FlushInterval: cfg.BufferFlushInterval(),
	}
	o.eventsWriter = &writerfabric.CSVWriter{
		Path:         filepath.Join(dayDir, fmt.Sprintf("events_%s_%s.csv.gz", sym, now.Format("20060102"))),
		Header:       eventsHeader,
		RowThreshold: 1,
	}
	o.gapsWriter = &writerfabric.CSVWriter{
		Path:         filepath.Join(dayDir, fmt.Sprintf("gaps_%s_%s.csv.gz", sym, now.Format("20060102"))),
		Header:       gapsHeader,
		RowThreshold: 1,
	}
	o.rawTrWriter = &writerfabric.NDJSONWriter{
		Path:          filepath.Join(tradesDir, fmt.Sprintf("trades_ws_raw_%s_%s.ndjson.gz", sym, now.Format("20060102"))),
		ByteThreshold: 64 * 1024,
	}
	if cfg.StoreDepthDiffs {
		o.diffWriter = &writerfabric.NDJSONWriter{
			Path:          filepath.Join(diffsDir, fmt.Sprintf("depth_diffs_%s_%s.ndjson.gz", sym, now.Format("20060102"))),
			ByteThreshold: 64 * 1024,
		}
		o.liveDiff = &writerfabric.LiveWriter{Dir: liveDir, Prefix: "depth", RotateInterval: time.Hour, Retention: 6 * time.Hour}
	}
	o.liveTrade = &writerfabric.LiveWriter{Dir: liveDir, Prefix: "trades", RotateInterval: time.Hour, Retention: 6 * time.Hour}

	o.seq = &writerfabric.SeqAllocator{}
	o.emitter = NewEmitter(o.seq, o.state, runID, o.eventsWriter, o.gapsWriter)

	switch cfg.Exchange {
	case recorderconfig.Binance:
		o.engine = syncengine.NewSequenceEngine(cfg.MaxBufferWarn)
		source := snapshotsource.NewRESTSource(cfg.Symbol, 1000)
		o.snapshotter = NewSnapshotter(o.emitter, o.state, o.engine, source, snapshotsDir, runID, log)
	case recorderconfig.Kraken:
		o.engine = syncengine.NewChecksumEngine(syncengine.KrakenVariant{})
		o.inBand = snapshotsource.NewInBandSource()
		o.snapshotter = NewSnapshotter(o.emitter, o.state, o.engine, o.inBand, snapshotsDir, runID, log)
	case recorderconfig.Bitfinex:
		o.engine = syncengine.NewChecksumEngine(syncengine.BitfinexVariant{})
		o.inBand = snapshotsource.NewInBandSource()
		o.snapshotter = NewSnapshotter(o.emitter, o.state, o.engine, o.inBand, snapshotsDir, runID, log)
	default:
		return nil, fmt.Errorf("recorder: unknown exchange %q", cfg.Exchange)
	}

	o.heartbeat = NewHeartbeat(o.emitter, o.state, log, cfg.Heartbeat(), cfg.WSNoDataWarn(), cfg.SyncWarnAfter(), end, nil)

	o.depthH = &DepthHandler{
		emitter: o.emitter, heartbeat: o.heartbeat, snapshotter: o.snapshotter, state: o.state, engine: o.engine,
		runID: runID, exchangeName: string(cfg.Exchange), symbol: cfg.Symbol, depthLevels: cfg.DepthLevels,
		obWriter: o.obWriter, diffWriter: o.diffWriter, liveWriter: o.liveDiff,
	}
	o.tradeH = &TradeHandler{
		emitter: o.emitter, heartbeat: o.heartbeat, state: o.state,
		runID: runID, exchangeName: string(cfg.Exchange), symbol: cfg.Symbol,
		trWriter: o.trWriter, rawWriter: o.rawTrWriter, liveWriter: o.liveTrade,
	}

	schema := writerfabric.Schema{
		RunID: runID, Symbol: cfg.Symbol, Exchange: string(cfg.Exchange),
		Streams: []writerfabric.StreamSchema{
			{Name: "orderbook", Path: filepath.Base(o.obWriter.Path), Format: "csv.gz", Columns: o.obWriter.Header},
			{Name: "trades", Path: filepath.Base(o.trWriter.Path), Format: "csv.gz", Columns: o.trWriter.Header},
			{Name: "events", Path: filepath.Base(o.eventsWriter.Path), Format: "csv.gz", Columns: o.eventsWriter.Header},
			{Name: "gaps", Path: filepath.Base(o.gapsWriter.Path), Format: "csv.gz", Columns: o.gapsWriter.Header},
			{Name: "trades_raw", Path: filepath.Join("trades", filepath.Base(o.rawTrWriter.Path)), Format: "ndjson.gz"},
		},
	}
	if o.diffWriter != nil {
		schema.Streams = append(schema.Streams, writerfabric.StreamSchema{
			Name: "depth_diffs", Path: filepath.Join("diffs", filepath.Base(o.diffWriter.Path)), Format: "ndjson.gz",
		})
	}
	if err := writerfabric.WriteSchemaFile(dayDir, schema); err != nil {
		return nil, fmt.Errorf("recorder: write schema.json: %w", err)
	}

	o.emitter.EmitEvent("run_start", map[string]any{
		"run_id": runID, "exchange": string(cfg.Exchange), "symbol": cfg.Symbol,
		"window_start": start.Format(time.RFC3339), "window_end": end.Format(time.RFC3339),
		"price_tick": tick.TickSize.String(), "price_tick_source": tick.Source,
	})

	return o, nil
}

// Run blocks until the trading window closes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()

	if d := time.Until(o.start); d > 0 {
		o.log.Info().Dur("wait", d).Time("window_start", o.start).Msg("waiting for trading window to open")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.listener.Start(ctx); err != nil {
		o.emitter.EmitEvent("fatal", map[string]any{"reason": "listener_start_failed", "error": err.Error()})
		return fmt.Errorf("recorder: start listener: %w", err)
	}
	o.state.wsOpenCount++
	o.emitter.SetPhase(PhaseSnapshot, "ws_open")

	// The initial snapshot is fetched (network I/O, safe from any
	// goroutine) on a background goroutine and handed back over
	// initialSnapCh; it is adopted into the sync engine below, on the
	// dispatch goroutine, alongside every other engine mutation
	// (HandleDepth/HandleTrade/Resync), since the engine has no
	// synchronization of its own and must be touched by exactly one
	// goroutine.
	initialSnapCh := make(chan initialSnapshotResult, 1)
	go func() {
		snap, err := o.snapshotter.Fetch(ctx, "initial")
		initialSnapCh <- initialSnapshotResult{snap: snap, err: err}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	bookCh := o.listener.Book()
	tradesCh := o.listener.Trades()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-initialSnapCh:
			if r.err != nil {
				o.log.Error().Err(r.err).Msg("initial snapshot failed")
				o.emitter.EmitEvent("fatal", map[string]any{"reason": "initial_snapshot_failed", "error": r.err.Error()})
				continue
			}
			o.snapshotter.Adopt("initial", r.snap)
			o.heartbeat.MarkSyncAttemptStarted()
			o.emitter.SetPhase(PhaseSyncing, "snapshot_adopted")

		case <-ticker.C:
			o.heartbeat.Tick(true)
			if o.state.windowEndEmitted {
				return nil
			}

		case upd, ok := <-bookCh:
			if !ok {
				bookCh = nil
				continue
			}
			if upd.Snapshot != nil && o.inBand != nil {
				o.inBand.Deliver(*upd.Snapshot)
			}
			if upd.Diff != nil {
				o.depthH.HandleDepth(ctx, upd.Diff)
			}
			if o.state.windowEndEmitted {
				return nil
			}

		case trades, ok := <-tradesCh:
			if !ok {
				tradesCh = nil
				continue
			}
			for _, t := range trades {
				o.tradeH.HandleTrade(t)
			}
			if o.state.windowEndEmitted {
				return nil
			}
		}
	}
}

type initialSnapshotResult struct {
	snap exchange.Snapshot
	err  error
}

// shutdown flushes and closes every writer, giving each up to 5s: a
// best-effort grace period, not a guarantee the process has that long to
// live.
func (o *Orchestrator) shutdown() {
	o.emitter.SetPhase(PhaseStopped, "shutdown")
	o.emitter.EmitEvent("run_end", map[string]any{
		"depth_msgs": o.state.depthMsgCount, "trade_msgs": o.state.tradeMsgCount,
		"ob_rows": o.state.obRowsWritten, "tr_rows": o.state.trRowsWritten,
		"resync_count": o.state.resyncCount,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.closeAll()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		o.log.Warn().Msg("writer shutdown exceeded grace period")
	}
}

func (o *Orchestrator) closeAll() {
	closeOne := func(name string, c interface{ Close() error }) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			o.log.Error().Err(err).Str("writer", name).Msg("error closing writer")
		}
	}
	closeOne("orderbook", o.obWriter)
	closeOne("trades", o.trWriter)
	closeOne("events", o.eventsWriter)
	closeOne("gaps", o.gapsWriter)
	closeOne("trades_raw", o.rawTrWriter)
	if o.diffWriter != nil {
		closeOne("depth_diffs", o.diffWriter)
	}
	if o.liveDiff != nil {
		closeOne("live_depth", o.liveDiff)
	}
	if o.liveTrade != nil {
		closeOne("live_trades", o.liveTrade)
	}
}

// DayDir exposes the run's output directory, used by cmd/recorder for the
// "data dir ready" log line and by tests asserting on written files.
func (o *Orchestrator) DayDir() string { return o.dayDir }

// ensure the day directory exists before any writer opens lazily, so a
// misconfigured read-only DataDir fails fast instead of on first row.
func ensureDir(dir string) error { return os.MkdirAll(dir, 0o755) }
