package exchange

import (
	"context"
	"encoding/json"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// DepthDiff is the logical, exchange-normalized diff message.
// For checksum exchanges (Kraken, Bitfinex) U/U2 are zero sentinels and
// Checksum carries the exchange-reported value.
type DepthDiff struct {
	EventTimeMs int64
	Received    timestamp.Timestamp

	U  int64 // first_update_id (sequence exchanges only)
	U2 int64 // last_update_id (sequence exchanges only)

	Bids []decimalutil.Level
	Asks []decimalutil.Level

	Checksum *uint32

	// Raw carries the wire-exact bytes for checksum exchanges, or the
	// canonical JSON round-trip for Binance (see DESIGN.md).
	Raw json.RawMessage
}

// Snapshot is the authoritative full (or depth-limited) book returned by
// the snapshot source.
type Snapshot struct {
	EventTimeMs  int64
	Received     timestamp.Timestamp
	LastUpdateID int64 // 0 sentinel for checksum exchanges
	Bids         []decimalutil.Level
	Asks         []decimalutil.Level
	Checksum     *uint32
	Raw          json.RawMessage
}

// Trade is the exchange-normalized trade print.
type Trade struct {
	EventTimeMs int64
	Received    timestamp.Timestamp
	Occurred    timestamp.Timestamp

	TradeID      string
	Price        decimalutil.Level
	Taker        Side
	IsBuyerMaker *bool

	Raw json.RawMessage
}

// BookUpdate is what a Listener publishes on its Book() channel: a decoded
// depth frame (diff or snapshot) tagged with its source.
type BookUpdate struct {
	Exchange string
	Symbol   string
	Diff     *DepthDiff
	Snapshot *Snapshot
}

// Listener is the common per-exchange contract: connect, decode inbound
// frames, and publish normalized book updates / trades / snapshots on
// channels created by each adapter's constructor. Grounded on oerlikon-sounding's
// internal/exchange/*/listener.go Start/Book/Trades shape; that listener
// folds Binance's REST snapshot into Book() directly, which this
// implementation splits out so the checksum exchanges' in-band snapshot
// and Binance's REST snapshot share one Source contract in
// internal/snapshotsource instead.
type Listener interface {
	Exchange() string
	Symbol() string
	Start(ctx context.Context) error
	Book() <-chan *BookUpdate
	Trades() <-chan []*Trade
}
