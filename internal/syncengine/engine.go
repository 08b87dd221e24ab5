package syncengine

import (
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/orderbook"
)

// Engine is the common sync-engine contract; the sequence variant
// (Binance) and the checksum variant (Kraken/Bitfinex) both implement it.
// The choice between them happens one level up, in internal/recorder,
// which holds an Engine value per run and never branches on exchange name
// once constructed.
type Engine interface {
	// AdoptSnapshot installs a freshly fetched/received snapshot and
	// attempts to bridge it with any buffered diffs (sequence variant) or
	// verify it immediately (checksum variant).
	AdoptSnapshot(exchange.Snapshot) Result
	// Feed applies or buffers one diff and reports the outcome.
	Feed(exchange.DepthDiff) Result
	// ResetForResync discards buffered state and returns to StateSnapshot,
	// called by the orchestrator when a gap/mismatch/crossed-book fault is
	// detected and a fresh snapshot has been requested.
	ResetForResync()
	State() State
	Book() *orderbook.Book
}

// Seeder is an optional capability for engines that can be forced directly
// into a synced state from a previously persisted snapshot, skipping the
// live bridge/verify AdoptSnapshot performs against a buffered diff stream.
// Only replay tooling uses this: a replayed snapshot has no buffered live
// diffs to bridge against, and the caller already knows the diffs it will
// feed start exactly at the snapshot's watermark.
type Seeder interface {
	Seed(exchange.Snapshot)
}
