package syncengine

import (
	"sort"

	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/orderbook"
)

// SequenceEngine implements the sequence-bridging variant (Binance):
// bridge an asynchronous REST snapshot with a buffered diff stream via
// update-id ranges, then require strict U == last_applied_u+1 continuity.
type SequenceEngine struct {
	book *orderbook.Book

	state         State
	buffer        []exchange.DepthDiff
	maxBufferWarn int
}

func NewSequenceEngine(maxBufferWarn int) *SequenceEngine {
	return &SequenceEngine{
		book:          orderbook.New(),
		state:         StateConnecting,
		maxBufferWarn: maxBufferWarn,
	}
}

func (e *SequenceEngine) Book() *orderbook.Book { return e.book }
func (e *SequenceEngine) State() State          { return e.state }

// Seed installs snap directly and marks the engine synced, bypassing the
// buffered-diff bridge AdoptSnapshot performs live. Replay tooling calls
// this instead, since a persisted snapshot carries no buffered diffs to
// bridge against and diffs are fed starting right after its watermark.
func (e *SequenceEngine) Seed(snap exchange.Snapshot) {
	e.book.Replace(snap.Bids, snap.Asks, snap.LastUpdateID)
	e.buffer = nil
	e.state = StateSynced
}

func (e *SequenceEngine) ResetForResync() {
	e.buffer = nil
	e.state = StateSnapshot
	e.book.Invalidate()
}

// Feed applies a steady-state contiguous diff while the engine is SYNCED,
// and buffers the diff otherwise. While SYNCING (a snapshot has already
// been adopted but the diff that bridges it hasn't arrived yet), every
// fed diff also re-runs the bridge attempt, since the bridging diff is
// as likely to arrive after AdoptSnapshot as before it.
func (e *SequenceEngine) Feed(d exchange.DepthDiff) Result {
	if e.state != StateSynced {
		e.buffer = append(e.buffer, d)
		if e.state == StateSyncing {
			if res, ok := e.tryBridge(); ok {
				return res
			}
		}
		if e.maxBufferWarn > 0 && len(e.buffer) > e.maxBufferWarn {
			return Result{Action: ActionMaxBufferWarn, Details: map[string]any{"buffered": len(e.buffer)}}
		}
		return Result{Action: ActionBuffered}
	}

	last := e.book.LastAppliedSeq()

	// Diffs strictly older than or at the last applied point are
	// duplicates/stale; silently discard.
	if d.U2 <= last {
		return Result{Action: ActionStaleDiscarded}
	}
	// Gap: never speculate across a discontinuity.
	if d.U != last+1 {
		e.state = StateResyncing
		return Result{Action: ActionGap, Details: map[string]any{"expected_U": last + 1, "got_U": d.U}}
	}

	e.book.Apply(d.Bids, d.Asks, d.U2)
	if e.book.ValidateCrossed() {
		e.state = StateResyncing
		return Result{Action: ActionCrossedBook}
	}
	return Result{Action: ActionApplied}
}

// AdoptSnapshot installs snap as the book's watermark and attempts the
// bridge immediately against whatever has already been buffered. If the
// bridging diff hasn't arrived yet, the engine is left SYNCING and every
// subsequent Feed re-attempts the bridge (see tryBridge).
func (e *SequenceEngine) AdoptSnapshot(snap exchange.Snapshot) Result {
	e.book.Replace(snap.Bids, snap.Asks, snap.LastUpdateID)
	e.state = StateSyncing
	if res, ok := e.tryBridge(); ok {
		return res
	}
	return Result{Action: ActionAwaitingBridge}
}

// tryBridge prunes the buffer against the book's current watermark L,
// then either completes the bridge (a buffered diff spans L+1, replay
// from it and transition to SYNCED), asks for a fresh snapshot (the
// oldest surviving diff already starts past L+1, so the gap can never be
// bridged), or leaves the engine waiting for more data. ok is false only
// in the waiting case; the caller should not change state or emit an
// action then. Callers: AdoptSnapshot (right after installing L) and
// Feed on every diff while StateSyncing (the bridging diff may arrive
// after the snapshot did).
func (e *SequenceEngine) tryBridge() (Result, bool) {
	L := e.book.LastAppliedSeq()

	kept := make([]exchange.DepthDiff, 0, len(e.buffer))
	for _, d := range e.buffer {
		if d.U2 > L {
			kept = append(kept, d)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].U < kept[j].U })
	e.buffer = kept

	if len(kept) == 0 {
		return Result{}, false
	}

	if kept[0].U > L+1 {
		// The oldest surviving diff already starts past L+1: the buffer
		// is too stale to bridge. Discard and signal the caller to
		// re-snapshot immediately.
		e.buffer = nil
		e.state = StateSnapshot
		return Result{Action: ActionStaleSnapshot}, true
	}

	bridgeIdx := -1
	for i, d := range kept {
		if d.U <= L+1 && L+1 <= d.U2 {
			bridgeIdx = i
			break
		}
	}
	if bridgeIdx == -1 {
		// Newest buffered diff's u is still < L+1: wait for more data.
		return Result{}, false
	}

	lastU := L
	applied := 0
	for i := bridgeIdx; i < len(kept); i++ {
		d := kept[i]
		if i > bridgeIdx && d.U != lastU+1 {
			break // gap while replaying the buffer: stop, resync will pick up the rest live
		}
		e.book.Apply(d.Bids, d.Asks, d.U2)
		lastU = d.U2
		applied++
	}
	e.buffer = nil
	e.state = StateSynced
	return Result{Action: ActionResyncDone, EpochID: e.book.EpochID(), Details: map[string]any{"bridged_diffs": applied}}, true
}
