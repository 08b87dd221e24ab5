package recorder

import (
	"encoding/json"
	"strconv"

	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
	"github.com/oerlikon/mdrecorder/internal/writerfabric"
)

// TradeHandler persists normalized trade prints plus their raw payload.
// Grounded on RecorderTradeHandler.
type TradeHandler struct {
	emitter   *Emitter
	heartbeat *Heartbeat
	state     *runState

	runID        string
	exchangeName string
	symbol       string

	trWriter    *writerfabric.CSVWriter
	rawWriter   *writerfabric.NDJSONWriter
	liveWriter  *writerfabric.LiveWriter // nil when disabled
}

func (h *TradeHandler) HandleTrade(t *exchange.Trade) {
	h.state.tradeMsgCount++
	h.heartbeat.MarkWSMessage()

	if !h.state.firstDataEmitted {
		h.state.firstDataEmitted = true
		h.emitter.EmitEvent("ws_first_data", map[string]any{"type": "trade"})
	}

	recvSeq := h.emitter.NextRecvSeq()
	recvMs := timestamp.Now().UnixMilli()

	isBuyerMaker := 0
	side := t.Taker.String()
	if t.IsBuyerMaker != nil && *t.IsBuyerMaker {
		isBuyerMaker = 1
	}

	h.trWriter.WriteRow([]string{
		strconv.FormatInt(t.EventTimeMs, 10),
		strconv.FormatInt(recvMs, 10),
		strconv.FormatInt(recvSeq, 10),
		h.runID,
		t.TradeID,
		strconv.FormatInt(t.Occurred.UnixMilli(), 10),
		t.Price.Price.String(),
		t.Price.Qty.String(),
		strconv.Itoa(isBuyerMaker),
		side,
		h.exchangeName,
		h.symbol,
	})
	h.state.trRowsWritten++

	line, err := json.Marshal(struct {
		RecvMs      int64           `json:"recv_ms"`
		RecvSeq     int64           `json:"recv_seq"`
		EventTimeMs int64           `json:"event_time_ms"`
		TradeID     string          `json:"trade_id"`
		Price       string          `json:"price"`
		Qty         string          `json:"qty"`
		Side        string          `json:"side"`
		Exchange    string          `json:"exchange"`
		Symbol      string          `json:"symbol"`
		Raw         json.RawMessage `json:"raw,omitempty"`
	}{
		RecvMs: recvMs, RecvSeq: recvSeq, EventTimeMs: t.EventTimeMs,
		TradeID: t.TradeID, Price: t.Price.Price.String(), Qty: t.Price.Qty.String(),
		Side: side, Exchange: h.exchangeName, Symbol: h.symbol, Raw: t.Raw,
	})
	if err == nil {
		h.rawWriter.WriteLine(line)
		if h.liveWriter != nil {
			h.liveWriter.WriteLine(line)
		}
	}

	h.heartbeat.Tick(false)
}
