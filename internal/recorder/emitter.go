package recorder

import (
	"encoding/json"
	"strconv"

	"github.com/oerlikon/mdrecorder/internal/timestamp"
	"github.com/oerlikon/mdrecorder/internal/writerfabric"
)

// Emitter owns the events ledger and the gaps ledger, and is the sole
// writer of runState.eventID; epochID is advanced by Snapshotter.Resync.
// Grounded on RecorderEmitter.
type Emitter struct {
	seq   *writerfabric.SeqAllocator
	state *runState
	runID string

	events *writerfabric.CSVWriter
	gaps   *writerfabric.CSVWriter
}

func NewEmitter(seq *writerfabric.SeqAllocator, state *runState, runID string, events, gaps *writerfabric.CSVWriter) *Emitter {
	return &Emitter{seq: seq, state: state, runID: runID, events: events, gaps: gaps}
}

// EmitEvent appends one row to the events ledger and returns its
// monotonic event_id.
func (e *Emitter) EmitEvent(evType string, details map[string]any) int64 {
	e.state.eventID++
	eid := e.state.eventID
	recvMs := timestamp.Now().UnixMilli()
	recvSeq := e.seq.Next()

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte(`{}`)
	}
	e.events.WriteRow([]string{
		strconv.FormatInt(eid, 10),
		strconv.FormatInt(recvMs, 10),
		strconv.FormatInt(recvSeq, 10),
		e.runID,
		evType,
		strconv.FormatInt(e.state.epochID, 10),
		string(detailsJSON),
	})
	return eid
}

// SetPhase transitions the recorder's phase, emitting state_change iff
// the phase actually changes.
func (e *Emitter) SetPhase(newPhase Phase, reason string) {
	if e.state.phase == newPhase {
		return
	}
	prev := e.state.phase
	e.state.phase = newPhase
	details := map[string]any{"from": prev.String(), "to": newPhase.String()}
	if reason != "" {
		details["reason"] = reason
	}
	e.EmitEvent("state_change", details)
}

// WriteGap appends one row to the gaps ledger.
func (e *Emitter) WriteGap(event, details string) {
	recvMs := timestamp.Now().UnixMilli()
	recvSeq := e.seq.Next()
	e.gaps.WriteRow([]string{
		strconv.FormatInt(recvMs, 10),
		strconv.FormatInt(recvSeq, 10),
		e.runID,
		strconv.FormatInt(e.state.epochID, 10),
		event,
		details,
	})
}

// NextRecvSeq stamps one non-event ingress (a depth diff or trade) with
// its recv_seq, the same global allocator EmitEvent/WriteGap draw from.
func (e *Emitter) NextRecvSeq() int64 { return e.seq.Next() }
