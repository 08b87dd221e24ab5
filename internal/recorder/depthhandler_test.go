package recorder

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/snapshotsource"
	"github.com/oerlikon/mdrecorder/internal/syncengine"
	"github.com/oerlikon/mdrecorder/internal/writerfabric"
)

func lvl(t *testing.T, price, qty string) decimalutil.Level {
	t.Helper()
	l, err := decimalutil.ParseLevel(price, qty)
	require.NoError(t, err)
	return l
}

func readGzipCSVRowsRecorder(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(string(body), "\n"), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, ","))
	}
	return rows
}

func newDepthHandlerForTest(t *testing.T) (*DepthHandler, *runState, *Emitter, string) {
	t.Helper()
	dir := t.TempDir()
	seq := &writerfabric.SeqAllocator{}
	state := &runState{}
	events := &writerfabric.CSVWriter{Path: filepath.Join(dir, "events.csv.gz"), Header: []string{"event_id", "recv_ms", "recv_seq", "run_id", "event_type", "epoch_id", "details"}, RowThreshold: 1}
	gaps := &writerfabric.CSVWriter{Path: filepath.Join(dir, "gaps.csv.gz"), Header: []string{"recv_ms", "recv_seq", "run_id", "epoch_id", "event", "details"}, RowThreshold: 1}
	emitter := NewEmitter(seq, state, "run-1", events, gaps)
	heartbeat := NewHeartbeat(emitter, state, zerolog.Nop(), 0, 0, 0, time.Now().Add(365*24*time.Hour), nil)

	engine := syncengine.NewSequenceEngine(500)
	src := snapshotsource.NewInBandSource()
	snapshotter := NewSnapshotter(emitter, state, engine, src, filepath.Join(dir, "snapshots"), "run-1", zerolog.Nop())

	obWriter := &writerfabric.CSVWriter{Path: filepath.Join(dir, "orderbook.csv.gz"), Header: []string{"event_time_ms", "recv_ms", "recv_seq", "run_id", "epoch_id"}, RowThreshold: 1}

	h := &DepthHandler{
		emitter: emitter, heartbeat: heartbeat, snapshotter: snapshotter, state: state, engine: engine,
		runID: "run-1", exchangeName: "binance", symbol: "BTCUSDT", depthLevels: 2,
		obWriter: obWriter,
	}
	return h, state, emitter, dir
}

func TestHandleDepthAppliesContiguousDiffAndWritesTopN(t *testing.T) {
	h, state, _, dir := newDepthHandlerForTest(t)

	h.engine.(*syncengine.SequenceEngine).Seed(exchange.Snapshot{
		LastUpdateID: 100,
		Bids:         []decimalutil.Level{lvl(t, "100.0", "1.0")},
		Asks:         []decimalutil.Level{lvl(t, "101.0", "1.0")},
	})

	diff := &exchange.DepthDiff{
		EventTimeMs: 123, U: 101, U2: 101,
		Bids: []decimalutil.Level{lvl(t, "100.5", "2.0")},
	}
	h.HandleDepth(context.Background(), diff)

	require.Equal(t, int64(1), state.depthMsgCount)
	require.True(t, state.firstDataEmitted)
	require.NoError(t, h.obWriter.Close())

	rows := readGzipCSVRowsRecorder(t, filepath.Join(dir, "orderbook.csv.gz"))
	require.Len(t, rows, 2) // header + one written row
}

func TestHandleDepthGapTriggersResync(t *testing.T) {
	h, _, _, _ := newDepthHandlerForTest(t)
	h.engine.(*syncengine.SequenceEngine).Seed(exchange.Snapshot{LastUpdateID: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	diff := &exchange.DepthDiff{U: 500, U2: 500} // non-contiguous: gap
	h.HandleDepth(ctx, diff)

	require.Equal(t, PhaseSnapshot, h.engine.State())
}
