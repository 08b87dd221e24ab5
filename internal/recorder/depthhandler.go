package recorder

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/syncengine"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
	"github.com/oerlikon/mdrecorder/internal/writerfabric"
)

// DepthHandler applies inbound depth diffs through the sync engine and
// persists the resulting top-N book plus (optionally) the raw diff.
// Grounded on RecorderDepthHandler.
type DepthHandler struct {
	emitter     *Emitter
	heartbeat   *Heartbeat
	snapshotter *Snapshotter
	state       *runState
	engine      syncengine.Engine

	runID       string
	exchangeName string
	symbol      string
	depthLevels int

	obWriter   *writerfabric.CSVWriter
	diffWriter *writerfabric.NDJSONWriter // nil when STORE_DEPTH_DIFFS is false
	liveWriter *writerfabric.LiveWriter   // nil when the live tail stream is disabled
}

func (h *DepthHandler) HandleDepth(ctx context.Context, diff *exchange.DepthDiff) {
	recvSeq := h.emitter.NextRecvSeq()
	h.state.depthMsgCount++
	h.heartbeat.MarkWSMessage()

	if !h.state.firstDataEmitted {
		h.state.firstDataEmitted = true
		h.emitter.EmitEvent("ws_first_data", map[string]any{"type": "depth"})
	}

	if h.diffWriter != nil {
		if line, err := h.marshalDiffLine(diff, recvSeq); err == nil {
			h.diffWriter.WriteLine(line)
		}
	}
	if h.liveWriter != nil {
		if line, err := h.marshalDiffLine(diff, recvSeq); err == nil {
			h.liveWriter.WriteLine(line)
		}
	}

	res := h.engine.Feed(*diff)
	switch res.Action {
	case syncengine.ActionGap:
		h.snapshotter.Resync(ctx, "gap")
	case syncengine.ActionCrossedBook:
		h.snapshotter.Resync(ctx, "crossed_book")
	case syncengine.ActionChecksumMismatch:
		h.emitter.EmitEvent("checksum_mismatch", map[string]any{})
		h.snapshotter.Resync(ctx, "checksum_mismatch")
	case syncengine.ActionStaleSnapshot:
		h.snapshotter.Resync(ctx, "stale_snapshot")
	case syncengine.ActionMaxBufferWarn:
		h.heartbeat.WarnNotSynced()
	case syncengine.ActionBuffered:
		h.heartbeat.WarnNotSynced()
	}

	if (res.Action == syncengine.ActionApplied || res.Action == syncengine.ActionResyncDone) && h.engine.State() == PhaseSynced {
		h.emitter.SetPhase(PhaseSynced, "depth_synced")
		h.writeTopN(diff.EventTimeMs, recvSeq)
	}

	h.heartbeat.Tick(false)
}

func (h *DepthHandler) writeTopN(eventTimeMs, recvSeq int64) {
	bids, asks := h.engine.Book().TopN(h.depthLevels)
	row := make([]string, 0, 5+4*h.depthLevels)
	row = append(row,
		strconv.FormatInt(eventTimeMs, 10),
		strconv.FormatInt(timestamp.Now().UnixMilli(), 10),
		strconv.FormatInt(recvSeq, 10),
		h.runID,
		strconv.FormatInt(h.state.epochID, 10),
	)
	for i := 0; i < h.depthLevels; i++ {
		row = append(row, levelField(bids, i, true), levelField(bids, i, false), levelField(asks, i, true), levelField(asks, i, false))
	}
	h.obWriter.WriteRow(row)
	h.state.obRowsWritten++
}

func levelField(levels []decimalutil.Level, i int, price bool) string {
	if i >= len(levels) {
		return "0"
	}
	if price {
		return levels[i].Price.String()
	}
	return levels[i].Qty.String()
}

type diffLine struct {
	RecvMs      int64  `json:"recv_ms"`
	RecvSeq     int64  `json:"recv_seq"`
	E           int64  `json:"E"`
	U           int64  `json:"U"`
	U2          int64  `json:"u"`
	Bids        []decimalutil.Level `json:"b"`
	Asks        []decimalutil.Level `json:"a"`
	Checksum    *uint32 `json:"checksum,omitempty"`
	Exchange    string  `json:"exchange"`
	Symbol      string  `json:"symbol"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

func (h *DepthHandler) marshalDiffLine(diff *exchange.DepthDiff, recvSeq int64) ([]byte, error) {
	return json.Marshal(diffLine{
		RecvMs: timestamp.Now().UnixMilli(), RecvSeq: recvSeq,
		E: diff.EventTimeMs, U: diff.U, U2: diff.U2,
		Bids: diff.Bids, Asks: diff.Asks, Checksum: diff.Checksum,
		Exchange: h.exchangeName, Symbol: h.symbol, Raw: diff.Raw,
	})
}
