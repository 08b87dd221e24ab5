// Package orderbook implements the in-memory level-2 book:
// a pair of decimal-keyed, sorted price sides with insert/update/delete
// apply semantics, top-N extraction, and crossed-book validation.
//
// Grounded on spooky-finn-cryptomarket-bridge's domain/orderbook.go for the
// mutex-guarded two-sided struct shape, and on the original Python
// implementation's mm_core/local_orderbook.py for decimal-exact apply
// semantics (qty == 0 deletes, otherwise overwrites).
package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// levels is a slice of decimalutil.Level kept sorted by price, ascending
// for asks, descending for bids. A slice (rather than a balanced tree) is
// sufficient: depths are bounded by the exchange (<=1000 REST snapshot
// levels, <=25/100/1000 checksum book depths).
type levels struct {
	side Side
	rows []decimalutil.Level
}

func (l *levels) less(a, b decimal.Decimal) bool {
	if l.side == Ask {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

func (l *levels) search(price decimal.Decimal) (idx int, found bool) {
	idx = sort.Search(len(l.rows), func(i int) bool {
		return !l.less(l.rows[i].Price, price)
	})
	if idx < len(l.rows) && l.rows[idx].Price.Equal(price) {
		return idx, true
	}
	return idx, false
}

// apply sets or deletes a single level. qty == 0 deletes.
func (l *levels) apply(lvl decimalutil.Level) {
	idx, found := l.search(lvl.Price)
	if lvl.Qty.IsZero() {
		if found {
			l.rows = append(l.rows[:idx], l.rows[idx+1:]...)
		}
		return
	}
	if found {
		l.rows[idx] = lvl
		return
	}
	l.rows = append(l.rows, decimalutil.Level{})
	copy(l.rows[idx+1:], l.rows[idx:])
	l.rows[idx] = lvl
}

func (l *levels) replace(rows []decimalutil.Level) {
	sorted := append([]decimalutil.Level(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return l.less(sorted[i].Price, sorted[j].Price) })
	// Later duplicate prices win (snapshot arrays should not contain
	// duplicates, but be defensive).
	deduped := sorted[:0]
	seen := map[string]int{}
	for _, r := range sorted {
		key := r.Price.String()
		if i, ok := seen[key]; ok {
			deduped[i] = r
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, r)
	}
	l.rows = deduped
}

func (l *levels) trim(depth int) {
	if depth <= 0 || len(l.rows) <= depth {
		return
	}
	l.rows = l.rows[:depth]
}

func (l *levels) topN(n int) []decimalutil.Level {
	if n <= 0 || n > len(l.rows) {
		n = len(l.rows)
	}
	out := make([]decimalutil.Level, n)
	copy(out, l.rows[:n])
	return out
}

func (l *levels) best() (decimalutil.Level, bool) {
	if len(l.rows) == 0 {
		return decimalutil.Level{}, false
	}
	return l.rows[0], true
}

// Book is the synchronized local order book for one symbol. Exclusively
// owned by the recorder's dispatch goroutine; the mutex exists only to let
// a writer snapshot TopN concurrently with the next apply (same goroutine
// in this implementation, but kept for future-proofing the contract).
type Book struct {
	mu sync.Mutex

	bids levels
	asks levels

	valid          bool
	epochID        int64
	lastAppliedSeq int64 // last_update_id / u for sequence exchanges; unused for checksum exchanges
}

func New() *Book {
	return &Book{
		bids: levels{side: Bid},
		asks: levels{side: Ask},
	}
}

// Replace wholesale-replaces both sides (used on every (re)snapshot) and
// bumps the epoch id.
func (b *Book) Replace(bids, asks []decimalutil.Level, lastAppliedSeq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.replace(bids)
	b.asks.replace(asks)
	b.lastAppliedSeq = lastAppliedSeq
	b.epochID++
	b.valid = true
}

// ApplySide applies a batch of level updates to one side in place.
func (b *Book) ApplySide(side Side, diffs []decimalutil.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := &b.bids
	if side == Ask {
		target = &b.asks
	}
	for _, d := range diffs {
		target.apply(d)
	}
}

// Apply applies both sides of a diff and advances lastAppliedSeq.
func (b *Book) Apply(bids, asks []decimalutil.Level, appliedSeq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range bids {
		b.bids.apply(d)
	}
	for _, d := range asks {
		b.asks.apply(d)
	}
	b.lastAppliedSeq = appliedSeq
}

// TrimDepth drops levels beyond depth on each side; used by the checksum
// sync engines to keep exactly the subscribed depth tracked.
func (b *Book) TrimDepth(depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.trim(depth)
	b.asks.trim(depth)
}

func (b *Book) TopN(n int) (bids, asks []decimalutil.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.topN(n), b.asks.topN(n)
}

func (b *Book) BestBid() (decimalutil.Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.best()
}

func (b *Book) BestAsk() (decimalutil.Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.best()
}

// ValidateCrossed reports whether the book is crossed (best_bid >=
// best_ask), which is a hard fault forcing resync. An empty side never
// crosses.
func (b *Book) ValidateCrossed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, okb := b.bids.best()
	ask, oka := b.asks.best()
	if !okb || !oka {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

func (b *Book) Valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = false
}

func (b *Book) EpochID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epochID
}

func (b *Book) LastAppliedSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAppliedSeq
}

func (b *Book) SetLastAppliedSeq(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAppliedSeq = seq
}
