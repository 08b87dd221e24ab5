package syncengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
)

func lvl(t *testing.T, price, qty string) decimalutil.Level {
	t.Helper()
	l, err := decimalutil.ParseLevel(price, qty)
	require.NoError(t, err)
	return l
}

func diff(t *testing.T, u, u2 int64, bids, asks []decimalutil.Level) exchange.DepthDiff {
	t.Helper()
	return exchange.DepthDiff{U: u, U2: u2, Bids: bids, Asks: asks}
}

func TestSequenceEngineBuffersBeforeSnapshot(t *testing.T) {
	e := NewSequenceEngine(0)
	res := e.Feed(diff(t, 101, 105, nil, nil))
	require.Equal(t, ActionBuffered, res.Action)
	require.Equal(t, StateConnecting, e.State())
}

func TestSequenceEngineBridgesBufferedDiffOnAdopt(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Feed(diff(t, 95, 99, nil, nil))                                     // older than snapshot, discarded
	e.Feed(diff(t, 98, 102, []decimalutil.Level{lvl(t, "100", "2")}, nil)) // U<=102<=u bridges
	e.Feed(diff(t, 103, 107, []decimalutil.Level{lvl(t, "100", "3")}, nil))

	snap := exchange.Snapshot{
		LastUpdateID: 101,
		Bids:         []decimalutil.Level{lvl(t, "100", "1")},
	}
	res := e.AdoptSnapshot(snap)
	require.Equal(t, ActionResyncDone, res.Action)
	require.Equal(t, StateSynced, e.State())
	require.Equal(t, int64(107), e.Book().LastAppliedSeq())

	bids, _ := e.Book().TopN(10)
	require.Equal(t, "3", bids[0].Qty.String())
}

func TestSequenceEngineAwaitsBridgeWithEmptyBuffer(t *testing.T) {
	e := NewSequenceEngine(0)
	res := e.AdoptSnapshot(exchange.Snapshot{LastUpdateID: 50})
	require.Equal(t, ActionAwaitingBridge, res.Action)
	require.Equal(t, StateSyncing, e.State())

	// The bridging diff arrives after the snapshot was adopted: Feed must
	// retry the bridge on every subsequent diff rather than buffering
	// forever.
	res = e.Feed(diff(t, 51, 51, []decimalutil.Level{lvl(t, "100", "4")}, nil))
	require.Equal(t, ActionResyncDone, res.Action)
	require.Equal(t, StateSynced, e.State())
	require.Equal(t, int64(51), e.Book().LastAppliedSeq())
}

func TestSequenceEngineFeedRetriesBridgeAcrossSeveralDiffs(t *testing.T) {
	e := NewSequenceEngine(0)
	res := e.AdoptSnapshot(exchange.Snapshot{LastUpdateID: 50})
	require.Equal(t, ActionAwaitingBridge, res.Action)

	res = e.Feed(diff(t, 45, 50, nil, nil)) // U2<=L: a duplicate of pre-snapshot data, still waiting
	require.Equal(t, ActionBuffered, res.Action)
	require.Equal(t, StateSyncing, e.State())

	res = e.Feed(diff(t, 51, 59, []decimalutil.Level{lvl(t, "100", "7")}, nil)) // straddles 51
	require.Equal(t, ActionResyncDone, res.Action)
	require.Equal(t, StateSynced, e.State())
	require.Equal(t, int64(59), e.Book().LastAppliedSeq())
}

func TestSequenceEngineFeedDetectsUnbridgeableGapWhileSyncing(t *testing.T) {
	e := NewSequenceEngine(0)
	e.AdoptSnapshot(exchange.Snapshot{LastUpdateID: 50})

	res := e.Feed(diff(t, 55, 60, nil, nil)) // starts past 51: can never bridge
	require.Equal(t, ActionStaleSnapshot, res.Action)
	require.Equal(t, StateSnapshot, e.State())
}

func TestSequenceEngineStaleSnapshotWhenBufferOutruns(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Feed(diff(t, 200, 205, nil, nil))
	res := e.AdoptSnapshot(exchange.Snapshot{LastUpdateID: 50})
	require.Equal(t, ActionStaleSnapshot, res.Action)
	require.Equal(t, StateSnapshot, e.State())
}

func TestSequenceEngineSteadyStateGapTransitionsToResyncing(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Seed(exchange.Snapshot{LastUpdateID: 10, Bids: []decimalutil.Level{lvl(t, "100", "1")}})
	require.Equal(t, StateSynced, e.State())

	res := e.Feed(diff(t, 12, 15, nil, nil)) // expected U==11, got 12
	require.Equal(t, ActionGap, res.Action)
	require.Equal(t, StateResyncing, e.State())
}

func TestSequenceEngineDiscardsStaleDiffAfterSync(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Seed(exchange.Snapshot{LastUpdateID: 10})
	res := e.Feed(diff(t, 8, 9, nil, nil))
	require.Equal(t, ActionStaleDiscarded, res.Action)
	require.Equal(t, StateSynced, e.State())
}

func TestSequenceEngineAppliesContiguousDiff(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Seed(exchange.Snapshot{
		LastUpdateID: 10,
		Bids:         []decimalutil.Level{lvl(t, "100", "1")},
		Asks:         []decimalutil.Level{lvl(t, "101", "1")},
	})
	res := e.Feed(diff(t, 11, 11, []decimalutil.Level{lvl(t, "100", "2")}, nil))
	require.Equal(t, ActionApplied, res.Action)
	bids, _ := e.Book().TopN(10)
	require.Equal(t, "2", bids[0].Qty.String())
}

func TestSequenceEngineCrossedBookForcesResync(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Seed(exchange.Snapshot{
		LastUpdateID: 10,
		Bids:         []decimalutil.Level{lvl(t, "100", "1")},
		Asks:         []decimalutil.Level{lvl(t, "101", "1")},
	})
	res := e.Feed(diff(t, 11, 11, []decimalutil.Level{lvl(t, "102", "1")}, nil))
	require.Equal(t, ActionCrossedBook, res.Action)
	require.Equal(t, StateResyncing, e.State())
}

func TestSequenceEngineMaxBufferWarn(t *testing.T) {
	e := NewSequenceEngine(1)
	e.Feed(diff(t, 1, 1, nil, nil))
	res := e.Feed(diff(t, 2, 2, nil, nil))
	require.Equal(t, ActionMaxBufferWarn, res.Action)
}

func TestSequenceEngineResetForResyncClearsBuffer(t *testing.T) {
	e := NewSequenceEngine(0)
	e.AdoptSnapshot(exchange.Snapshot{LastUpdateID: 10})
	e.Feed(diff(t, 12, 15, nil, nil)) // starts past 11: unbridgeable, engine already asked to re-snapshot
	e.ResetForResync()
	require.Equal(t, StateSnapshot, e.State())
	require.False(t, e.Book().Valid())

	res := e.Feed(diff(t, 30, 35, nil, nil))
	require.Equal(t, ActionBuffered, res.Action)
}

func TestSequenceEngineSeedBypassesBridging(t *testing.T) {
	e := NewSequenceEngine(0)
	e.Feed(diff(t, 1, 5, nil, nil)) // would normally need bridging

	e.Seed(exchange.Snapshot{LastUpdateID: 100, Bids: []decimalutil.Level{lvl(t, "100", "1")}})
	require.Equal(t, StateSynced, e.State())

	res := e.Feed(diff(t, 101, 101, []decimalutil.Level{lvl(t, "100", "9")}, nil))
	require.Equal(t, ActionApplied, res.Action)
}
