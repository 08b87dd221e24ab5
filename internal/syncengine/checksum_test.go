package syncengine

import (
	"hash/crc32"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oerlikon/mdrecorder/internal/decimalutil"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/orderbook"
)

func bookWith(t *testing.T, bids, asks []decimalutil.Level) *orderbook.Book {
	t.Helper()
	b := orderbook.New()
	b.Replace(bids, asks, 0)
	return b
}

func TestChecksumEngineAdoptsAndVerifiesSnapshot(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	bids := []decimalutil.Level{lvl(t, "100.0", "1.0")}
	asks := []decimalutil.Level{lvl(t, "101.0", "1.0")}

	want := KrakenVariant{}.Checksum(bookWith(t, bids, asks))
	res := e.AdoptSnapshot(exchange.Snapshot{Bids: bids, Asks: asks, Checksum: &want})
	require.Equal(t, ActionResyncDone, res.Action)
	require.Equal(t, StateSynced, e.State())
}

func TestChecksumEngineMismatchOnAdoptForcesResyncing(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	bids := []decimalutil.Level{lvl(t, "100.0", "1.0")}
	wrong := uint32(1)
	res := e.AdoptSnapshot(exchange.Snapshot{Bids: bids, Checksum: &wrong})
	require.Equal(t, ActionChecksumMismatch, res.Action)
	require.Equal(t, StateResyncing, e.State())
}

func TestChecksumEngineDropsDiffsBeforeAdopt(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	res := e.Feed(exchange.DepthDiff{Bids: []decimalutil.Level{lvl(t, "100", "1")}})
	require.Equal(t, ActionStaleDiscarded, res.Action)
}

func TestChecksumEngineAppliesAndVerifiesDiff(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	e.AdoptSnapshot(exchange.Snapshot{
		Bids: []decimalutil.Level{lvl(t, "100", "1")},
		Asks: []decimalutil.Level{lvl(t, "101", "1")},
	})

	newBids := []decimalutil.Level{lvl(t, "100", "2")}
	want := KrakenVariant{}.Checksum(bookWith(t, newBids, []decimalutil.Level{lvl(t, "101", "1")}))
	res := e.Feed(exchange.DepthDiff{Bids: newBids, Checksum: &want})
	require.Equal(t, ActionApplied, res.Action)
}

func TestChecksumEngineMismatchOnFeedForcesResyncing(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	e.AdoptSnapshot(exchange.Snapshot{Bids: []decimalutil.Level{lvl(t, "100", "1")}})

	bad := uint32(0xdeadbeef)
	res := e.Feed(exchange.DepthDiff{Bids: []decimalutil.Level{lvl(t, "100", "2")}, Checksum: &bad})
	require.Equal(t, ActionChecksumMismatch, res.Action)
	require.Equal(t, StateResyncing, e.State())
}

func TestChecksumEngineCrossedBookOnFeed(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	e.AdoptSnapshot(exchange.Snapshot{
		Bids: []decimalutil.Level{lvl(t, "100", "1")},
		Asks: []decimalutil.Level{lvl(t, "101", "1")},
	})
	res := e.Feed(exchange.DepthDiff{Bids: []decimalutil.Level{lvl(t, "102", "1")}})
	require.Equal(t, ActionCrossedBook, res.Action)
}

func TestChecksumEngineTrimsToTrackDepth(t *testing.T) {
	e := NewChecksumEngine(KrakenVariant{})
	var bids []decimalutil.Level
	for i := 100; i < 115; i++ {
		bids = append(bids, lvl(t, strconv.Itoa(i), "1"))
	}
	e.AdoptSnapshot(exchange.Snapshot{Bids: bids})
	got, _ := e.Book().TopN(100)
	require.Len(t, got, 10) // KrakenVariant.TrackDepth()
}

func TestKrakenVariantChecksumDeterministic(t *testing.T) {
	bids := []decimalutil.Level{lvl(t, "100.0", "1.0")}
	asks := []decimalutil.Level{lvl(t, "101.0", "2.0")}
	a := KrakenVariant{}.Checksum(bookWith(t, bids, asks))
	b := KrakenVariant{}.Checksum(bookWith(t, bids, asks))
	require.Equal(t, a, b)
}

func TestBitfinexVariantNegatesAskAmounts(t *testing.T) {
	bids := []decimalutil.Level{lvl(t, "100.0", "1.0")}
	asks := []decimalutil.Level{lvl(t, "101.0", "2.0")} // RawQty "2.0", positive on the wire
	cs := BitfinexVariant{}.Checksum(bookWith(t, bids, asks))
	require.NotZero(t, cs)
	require.Equal(t, crc32.ChecksumIEEE([]byte("100.0:1.0:101.0:-2.0")), cs)
}

