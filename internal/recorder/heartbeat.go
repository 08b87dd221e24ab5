package recorder

import (
	"time"

	"github.com/rs/zerolog"
)

// Heartbeat logs periodic status, watches for a stalled WS feed, warns
// when sync takes too long, and is where window-end is detected on the
// hot path (so the recorder notices the window closed even if no new
// message ever arrives to trigger the check elsewhere). Grounded on
// RecorderHeartbeat.
type Heartbeat struct {
	interval     time.Duration
	noDataWarn   time.Duration
	syncWarn     time.Duration
	windowEnd    time.Time
	onWindowEnd  func()

	emitter *Emitter
	state   *runState
	log     zerolog.Logger

	procStart      time.Time
	lastHB         time.Time
	syncT0         time.Time
	lastSyncWarn   time.Time
	lastNoDataWarn time.Time
	lastWSMsg      time.Time
}

func NewHeartbeat(emitter *Emitter, state *runState, log zerolog.Logger, interval, noDataWarn, syncWarn time.Duration, windowEnd time.Time, onWindowEnd func()) *Heartbeat {
	now := time.Now()
	return &Heartbeat{
		interval: interval, noDataWarn: noDataWarn, syncWarn: syncWarn,
		windowEnd: windowEnd, onWindowEnd: onWindowEnd,
		emitter: emitter, state: state, log: log,
		procStart: now, lastHB: now, syncT0: now, lastSyncWarn: now,
	}
}

// MarkWSMessage records that a WS frame just arrived, resetting the
// no-data-warn clock.
func (h *Heartbeat) MarkWSMessage() { h.lastWSMsg = time.Now() }

// MarkSyncAttemptStarted resets the sync-warn clock; called whenever a
// fresh snapshot has just been adopted.
func (h *Heartbeat) MarkSyncAttemptStarted() {
	now := time.Now()
	h.syncT0 = now
	h.lastSyncWarn = now
}

// Tick runs the periodic checks. Call it after handling every message
// and additionally from a ticker, since the window-end check must fire
// even during a quiet market.
func (h *Heartbeat) Tick(force bool) {
	now := time.Now()
	if !h.state.windowEndEmitted && !now.Before(h.windowEnd) {
		h.state.windowEndEmitted = true
		h.emitter.EmitEvent("window_end", map[string]any{"end": h.windowEnd.Format(time.RFC3339)})
		if h.onWindowEnd != nil {
			h.onWindowEnd()
		}
		return
	}
	if !force && now.Sub(h.lastHB) < h.interval {
		return
	}
	h.lastHB = now

	if h.state.wsOpenCount > 0 && !h.lastWSMsg.IsZero() {
		idle := now.Sub(h.lastWSMsg)
		if idle >= h.noDataWarn && now.Sub(h.lastNoDataWarn) >= h.noDataWarn {
			h.lastNoDataWarn = now
			h.emitter.EmitEvent("ws_no_data", map[string]any{"idle_s": idle.Seconds()})
			h.log.Warn().Dur("idle", idle).Msg("no WS data")
		}
	}

	h.log.Info().
		Dur("uptime", now.Sub(h.procStart)).
		Str("phase", h.state.phase.String()).
		Int64("depth_msgs", h.state.depthMsgCount).
		Int64("trade_msgs", h.state.tradeMsgCount).
		Int64("ob_rows", h.state.obRowsWritten).
		Int64("tr_rows", h.state.trRowsWritten).
		Int64("epoch_id", h.state.epochID).
		Msg("heartbeat")
}

// WarnNotSynced logs a warning if the pre-sync buffer has been open for
// longer than syncWarn without reaching SYNCED.
func (h *Heartbeat) WarnNotSynced() {
	now := time.Now()
	if now.Sub(h.syncT0) > h.syncWarn && now.Sub(h.lastSyncWarn) > h.syncWarn {
		h.lastSyncWarn = now
		h.log.Warn().Dur("elapsed", now.Sub(h.syncT0)).Msg("still not synced")
	}
}
