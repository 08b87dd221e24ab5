// Package snapshotsource obtains the authoritative full-book snapshot a
// sync engine bridges against or verifies immediately. Binance publishes
// it out-of-band via REST; Kraken
// and Bitfinex publish it in-band as the first frame after subscribing.
//
// Grounded on internal/exchange/binance/listener.go's fetchDepthSnapshot
// (REST GET + fastjson parse) for the REST variant, and on the original
// Python implementation's mm_recorder/exchanges/kraken.py and bitfinex.py
// for the in-band variant, whose first post-subscribe frame the engine
// treats as the snapshot rather than a diff.
package snapshotsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/errkind"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/retry"
	"github.com/oerlikon/mdrecorder/internal/timestamp"
)

// Source fetches one fresh snapshot. RESTSource polls an HTTP endpoint;
// InBandSource is fed the next in-band frame by the recorder's dispatch
// loop and simply hands it back out, so both share the one Fetch contract
// the orchestrator calls regardless of which exchange it is running.
type Source interface {
	Fetch(ctx context.Context) (exchange.Snapshot, error)
}

// RESTSource implements the Binance depth snapshot endpoint.
type RESTSource struct {
	Symbol string
	Depth  int
	Client *http.Client
	Retry  retry.Config

	baseURL string
}

func NewRESTSource(symbol string, depth int) *RESTSource {
	return &RESTSource{
		Symbol:  symbol,
		Depth:   depth,
		Client:  http.DefaultClient,
		Retry:   retry.DefaultConfig(),
		baseURL: "https://api.binance.com/api/v3/depth",
	}
}

func (s *RESTSource) Fetch(ctx context.Context) (exchange.Snapshot, error) {
	var snap exchange.Snapshot
	err := retry.Do(ctx, s.Retry, func(ctx context.Context) error {
		got, err := s.fetchOnce(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s", errkind.SnapshotTransient, err)
		}
		snap = got
		return nil
	})
	return snap, err
}

func (s *RESTSource) fetchOnce(ctx context.Context) (exchange.Snapshot, error) {
	depth := s.Depth
	if depth <= 0 {
		depth = 1000
	}
	url := fmt.Sprintf("%s?symbol=%s&limit=%d", s.baseURL, strings.ToUpper(s.Symbol), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	defer resp.Body.Close()
	received := timestamp.Now()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return exchange.Snapshot{}, fmt.Errorf("binance depth snapshot: status %d: %s", resp.StatusCode, body)
	}

	var parser fastjson.Parser
	v, err := parser.ParseBytes(body)
	if err != nil {
		return exchange.Snapshot{}, fmt.Errorf("%w: %s", errkind.DecodeError, err)
	}

	lastUpdateID := v.GetInt64("lastUpdateId")
	if lastUpdateID == 0 {
		return exchange.Snapshot{}, fmt.Errorf("binance depth snapshot: missing lastUpdateId")
	}

	bids, err := parseLevels(v.GetArray("bids"))
	if err != nil {
		return exchange.Snapshot{}, err
	}
	asks, err := parseLevels(v.GetArray("asks"))
	if err != nil {
		return exchange.Snapshot{}, err
	}

	return exchange.Snapshot{
		EventTimeMs:  received.UnixMilli(),
		Received:     received,
		LastUpdateID: lastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Raw:          append([]byte(nil), body...),
	}, nil
}

func parseLevels(rows []*fastjson.Value) ([]decimalutil.Level, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]decimalutil.Level, len(rows))
	for i, pq := range rows {
		arr, err := pq.Array()
		if err != nil || len(arr) < 2 {
			return nil, fmt.Errorf("%w: malformed price level", errkind.DecodeError)
		}
		lvl, err := decimalutil.ParseLevel(string(arr[0].GetStringBytes()), string(arr[1].GetStringBytes()))
		if err != nil {
			return nil, err
		}
		out[i] = lvl
	}
	return out, nil
}

// InBandSource hands back the first snapshot-shaped frame pushed in via
// Deliver. The exchange adapter recognizes that frame (Kraken's "bs"/"as"
// array, Bitfinex's full-book snapshot array) and publishes it as a
// BookUpdate.Snapshot; the recorder's dispatch loop routes it here
// instead of to Feed.
type InBandSource struct {
	ch chan exchange.Snapshot
}

func NewInBandSource() *InBandSource {
	return &InBandSource{ch: make(chan exchange.Snapshot, 1)}
}

// Deliver is called by the recorder's dispatch loop for each snapshot
// frame the exchange adapter publishes.
func (s *InBandSource) Deliver(snap exchange.Snapshot) {
	select {
	case s.ch <- snap:
	default:
		// A snapshot is already pending adoption; the adapter only ever
		// produces one per (re)subscribe, so this should not happen in
		// steady state.
	}
}

func (s *InBandSource) Fetch(ctx context.Context) (exchange.Snapshot, error) {
	select {
	case snap := <-s.ch:
		return snap, nil
	case <-ctx.Done():
		return exchange.Snapshot{}, ctx.Err()
	case <-time.After(30 * time.Second):
		return exchange.Snapshot{}, fmt.Errorf("%w: timed out waiting for in-band snapshot frame", errkind.SnapshotTransient)
	}
}
