package syncengine

import (
	"hash/crc32"
	"strings"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/orderbook"
)

// ChecksumVariant supplies the per-exchange depth and digest construction
// for ChecksumEngine. Kraken and Bitfinex agree on the broad shape (verify
// a CRC32 over the top-of-book after every applied diff) but disagree on
// depth, separator, numeric normalization, and sign handling.
type ChecksumVariant interface {
	TrackDepth() int
	Checksum(book *orderbook.Book) uint32
}

// ChecksumEngine implements the checksum-verification variant (Kraken,
// Bitfinex): the snapshot is authoritative the instant it arrives (no
// bridging), and
// every diff is verified in place by recomputing a CRC32 over the current
// top-of-book and comparing it against the exchange-supplied digest.
type ChecksumEngine struct {
	book    *orderbook.Book
	variant ChecksumVariant
	state   State
}

func NewChecksumEngine(variant ChecksumVariant) *ChecksumEngine {
	return &ChecksumEngine{
		book:    orderbook.New(),
		variant: variant,
		state:   StateConnecting,
	}
}

func (e *ChecksumEngine) Book() *orderbook.Book { return e.book }
func (e *ChecksumEngine) State() State          { return e.state }

// Seed installs snap directly and marks the engine synced. Equivalent to
// AdoptSnapshot for this variant (a checksum-variant snapshot needs no
// bridging), but skips the checksum verification so replay can proceed even
// when a persisted snapshot's checksum can no longer be cross-checked.
func (e *ChecksumEngine) Seed(snap exchange.Snapshot) {
	e.book.Replace(snap.Bids, snap.Asks, 0)
	e.book.TrimDepth(e.variant.TrackDepth())
	e.state = StateSynced
}

func (e *ChecksumEngine) ResetForResync() {
	e.state = StateSnapshot
	e.book.Invalidate()
}

func (e *ChecksumEngine) AdoptSnapshot(snap exchange.Snapshot) Result {
	e.book.Replace(snap.Bids, snap.Asks, 0)
	e.book.TrimDepth(e.variant.TrackDepth())

	if snap.Checksum != nil {
		if e.variant.Checksum(e.book) != *snap.Checksum {
			e.state = StateResyncing
			return Result{Action: ActionChecksumMismatch}
		}
	}
	e.state = StateSynced
	return Result{Action: ActionResyncDone, EpochID: e.book.EpochID()}
}

func (e *ChecksumEngine) Feed(d exchange.DepthDiff) Result {
	if e.state != StateSynced {
		// Kraken/Bitfinex deliver the snapshot in-band as the first frame
		// of the same subscription: there is nothing to buffer ahead of
		// it, so diffs arriving before AdoptSnapshot are simply dropped
		// rather than queued.
		return Result{Action: ActionStaleDiscarded}
	}

	e.book.ApplySide(orderbook.Bid, d.Bids)
	e.book.ApplySide(orderbook.Ask, d.Asks)
	e.book.TrimDepth(e.variant.TrackDepth())

	if e.book.ValidateCrossed() {
		e.state = StateResyncing
		return Result{Action: ActionCrossedBook}
	}

	if d.Checksum != nil {
		if e.variant.Checksum(e.book) != *d.Checksum {
			e.state = StateResyncing
			return Result{Action: ActionChecksumMismatch}
		}
	}
	return Result{Action: ActionApplied}
}

// KrakenVariant checksums the top 10 levels of each side (asks then bids),
// each price/qty run through decimalutil.NormalizeWire, concatenated with
// no separator, over an unsigned CRC32 (IEEE), regardless of the depth the
// book is subscribed and trimmed to.
type KrakenVariant struct {
	// Depth is the book depth Kraken was subscribed at (10, 25, 100, 500,
	// or 1000) and the depth TrimDepth persists. The checksum itself
	// always covers the top 10 regardless of Depth. Zero defaults to 10.
	Depth int
}

func (v KrakenVariant) TrackDepth() int {
	if v.Depth <= 0 {
		return 10
	}
	return v.Depth
}

func (KrakenVariant) Checksum(book *orderbook.Book) uint32 {
	bids, asks := book.TopN(10)

	var sb strings.Builder
	for _, l := range asks {
		sb.WriteString(decimalutil.NormalizeWire(l.RawPrice))
		sb.WriteString(decimalutil.NormalizeWire(l.RawQty))
	}
	for _, l := range bids {
		sb.WriteString(decimalutil.NormalizeWire(l.RawPrice))
		sb.WriteString(decimalutil.NormalizeWire(l.RawQty))
	}
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

// BitfinexVariant checksums the top 25 levels interleaved
// bid.price:bid.amount:ask.price:ask.amount:... using the exchange's own
// wire formatting verbatim (no normalization), ask amounts re-signed
// negative, and the result compared as a signed int32 bit pattern per
// Bitfinex's documented checksum protocol.
type BitfinexVariant struct{}

func (BitfinexVariant) TrackDepth() int { return 25 }

func (BitfinexVariant) Checksum(book *orderbook.Book) uint32 {
	bids, asks := book.TopN(25)

	var sb strings.Builder
	n := len(bids)
	if len(asks) > n {
		n = len(asks)
	}
	for i := 0; i < n; i++ {
		if i < len(bids) {
			sb.WriteString(bids[i].RawPrice)
			sb.WriteByte(':')
			sb.WriteString(bids[i].RawQty)
			sb.WriteByte(':')
		}
		if i < len(asks) {
			sb.WriteString(asks[i].RawPrice)
			sb.WriteByte(':')
			if !strings.HasPrefix(asks[i].RawQty, "-") {
				sb.WriteByte('-')
			}
			sb.WriteString(asks[i].RawQty)
			sb.WriteByte(':')
		}
	}
	s := strings.TrimSuffix(sb.String(), ":")
	unsigned := crc32.ChecksumIEEE([]byte(s))
	return uint32(int32(unsigned))
}
