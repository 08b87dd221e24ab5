// Package recorder implements the run lifecycle state
// machine that owns the trading window, wires the transport/sync-engine/
// writer-fabric components together per message, and emits the events
// ledger.
//
// Grounded on the original Python implementation's
// mm_recorder/recorder.py (run_recorder, compute_window) and
// mm_recorder/recorder_callbacks.py (RecorderEmitter/RecorderHeartbeat/
// RecorderSnapshotter/RecorderDepthHandler/RecorderTradeHandler), restated
// as Go structs wired by one Orchestrator instead of free functions
// closing over a shared context object.
package recorder

import "github.com/oerlikon/mdrecorder/internal/syncengine"

// Phase mirrors syncengine.State for the top-level run: the recorder
// tracks its own phase in addition to the engine's State because a phase
// transition (e.g. CONNECTING -> SNAPSHOT on ws_open) can happen before
// the engine has anything to report.
type Phase = syncengine.State

const (
	PhaseConnecting = syncengine.StateConnecting
	PhaseSnapshot   = syncengine.StateSnapshot
	PhaseSyncing    = syncengine.StateSyncing
	PhaseSynced     = syncengine.StateSynced
	PhaseResyncing  = syncengine.StateResyncing
	PhaseStopped    = syncengine.StateStopped
)

// runState is the orchestrator's mutable bookkeeping, analogous to
// recorder_types.RecorderState. Owned exclusively by the dispatch
// goroutine; no field here is touched concurrently.
type runState struct {
	phase   Phase
	epochID int64

	eventID      int64
	resyncCount  int

	wsOpenCount int
	needsSnapshot       bool
	pendingSnapshotTag  string

	depthMsgCount int64
	tradeMsgCount int64
	obRowsWritten int64
	trRowsWritten int64

	firstDataEmitted bool
	windowEndEmitted bool
}
