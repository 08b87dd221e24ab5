// Package writerfabric implements the global recv_seq
// allocator and the buffered, gzip-compressed stream writers (top-N book,
// trades, events ledger, raw diffs, raw trades, gaps, snapshots) every
// recorder run opens inside its day directory.
//
// Grounded on internal/common/syncio.StringWriter for the mutex-guarded
// single-field struct shape, generalized here to guard an int64 counter
// instead of an io.StringWriter. The flush policy (row count or elapsed
// time, whichever first) and the NDJSON raw streams are grounded on the
// original Python implementation's mm/market_data/buffered_writer.py
// (BufferedCSVWriter/BufferedTextWriter).
package writerfabric

import "sync"

// SeqAllocator hands out the process-global, strictly increasing recv_seq
// that totally orders every ingress (depth diff, trade, internal event)
// across all concurrently written streams. It is the one piece of shared
// mutable state outside the dispatch goroutine.
type SeqAllocator struct {
	mu   sync.Mutex
	next int64
}

// Next returns the next recv_seq, starting at 1.
func (a *SeqAllocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}
