package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/snapshotsource"
	"github.com/oerlikon/mdrecorder/internal/syncengine"
)

// Snapshotter fetches a fresh snapshot, persists it for audit, and hands
// it to the sync engine. Grounded on RecorderSnapshotter.
type Snapshotter struct {
	emitter *Emitter
	state   *runState
	engine  syncengine.Engine
	source  snapshotsource.Source

	snapshotsDir string
	runID        string
	log          zerolog.Logger
}

func NewSnapshotter(emitter *Emitter, state *runState, engine syncengine.Engine, source snapshotsource.Source, snapshotsDir, runID string, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{emitter: emitter, state: state, engine: engine, source: source, snapshotsDir: snapshotsDir, runID: runID, log: log}
}

// Fetch retrieves one snapshot and persists it for audit, but never
// touches the sync engine: it is safe to call from any goroutine. Adopt
// must still be called by whichever goroutine owns the engine.
func (s *Snapshotter) Fetch(ctx context.Context, tag string) (exchange.Snapshot, error) {
	eid := s.emitter.EmitEvent("snapshot_start", map[string]any{"tag": tag})

	snap, err := s.source.Fetch(ctx)
	if err != nil {
		return exchange.Snapshot{}, fmt.Errorf("snapshot fetch: %w", err)
	}

	if err := s.persist(eid, tag, snap); err != nil {
		s.log.Error().Err(err).Str("tag", tag).Msg("failed to persist snapshot audit files")
	}
	return snap, nil
}

// Adopt hands a fetched snapshot to the sync engine and emits
// snapshot_done (and resync_done for anything but the initial snapshot).
// Must be called from the goroutine that owns the engine.
func (s *Snapshotter) Adopt(tag string, snap exchange.Snapshot) syncengine.Result {
	res := s.engine.AdoptSnapshot(snap)
	s.emitter.EmitEvent("snapshot_done", map[string]any{
		"tag":          tag,
		"action":       string(res.Action),
		"lastUpdateId": snap.LastUpdateID,
	})
	if tag != "initial" {
		s.emitter.WriteGap("resync_done", fmt.Sprintf("tag=%s lastUpdateId=%d", tag, snap.LastUpdateID))
		s.emitter.EmitEvent("resync_done", map[string]any{"tag": tag, "lastUpdateId": snap.LastUpdateID})
	}
	return res
}

// FetchAndAdopt fetches one snapshot and immediately adopts it on the
// calling goroutine. Resync uses this directly since it always runs
// inline on the dispatch goroutine already; the initial snapshot instead
// goes through Fetch on a background goroutine and Adopt back on the
// dispatch goroutine (see Orchestrator.Run), since the engine must never
// be touched from more than one goroutine.
func (s *Snapshotter) FetchAndAdopt(ctx context.Context, tag string) (syncengine.Result, error) {
	snap, err := s.Fetch(ctx, tag)
	if err != nil {
		return syncengine.Result{}, err
	}
	return s.Adopt(tag, snap), nil
}

func (s *Snapshotter) persist(eid int64, tag string, snap exchange.Snapshot) error {
	if err := os.MkdirAll(s.snapshotsDir, 0o755); err != nil {
		return err
	}
	base := fmt.Sprintf("snapshot_%06d_%s", eid, tag)

	if len(snap.Raw) > 0 {
		if err := os.WriteFile(filepath.Join(s.snapshotsDir, base+".json"), snap.Raw, 0o644); err != nil {
			return err
		}
	}

	f, err := os.Create(filepath.Join(s.snapshotsDir, base+".csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	checksumStr := ""
	if snap.Checksum != nil {
		checksumStr = fmt.Sprintf("%d", *snap.Checksum)
	}

	w := csv.NewWriter(f)
	w.Write([]string{"run_id", "event_id", "side", "rank", "price", "qty", "last_update_id", "checksum"})
	writeSide := func(side string, levels []decimalutil.Level) {
		for i, l := range levels {
			w.Write([]string{
				s.runID, fmt.Sprintf("%d", eid), side, fmt.Sprintf("%d", i+1),
				l.Price.String(), l.Qty.String(),
				fmt.Sprintf("%d", snap.LastUpdateID), checksumStr,
			})
		}
	}
	writeSide("bid", snap.Bids)
	writeSide("ask", snap.Asks)
	w.Flush()
	return w.Error()
}

// Resync discards the current book, bumps the epoch, and retries a fresh
// snapshot. checksum-variant exchanges deliver their snapshot in-band, so
// the caller is responsible for forcing a reconnect before calling this
// when engine.ResetForResync alone cannot produce a new snapshot frame.
func (s *Snapshotter) Resync(ctx context.Context, reason string) {
	s.state.resyncCount++
	s.state.epochID++
	tag := fmt.Sprintf("resync_%06d", s.state.resyncCount)

	s.emitter.SetPhase(PhaseResyncing, reason)
	s.log.Warn().Str("reason", reason).Str("tag", tag).Msg("resync triggered")
	s.emitter.WriteGap("resync_start", reason)
	s.emitter.EmitEvent("resync_start", map[string]any{"reason": reason, "tag": tag})

	s.engine.ResetForResync()

	if _, err := s.FetchAndAdopt(ctx, tag); err != nil {
		s.log.Error().Err(err).Str("tag", tag).Msg("resync snapshot failed")
		s.emitter.WriteGap("fatal", fmt.Sprintf("%s_snapshot_failed: %s", tag, err))
		s.emitter.EmitEvent("fatal", map[string]any{"reason": "resync_snapshot_failed", "tag": tag, "error": err.Error()})
	}
}
