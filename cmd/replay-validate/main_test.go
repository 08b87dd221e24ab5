package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSnapshotCSVRecoversWatermarkAndChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot_000001_initial.csv")
	body := "run_id,event_id,side,rank,price,qty,last_update_id,checksum\n" +
		"run-1,1,bid,1,100.5,2,4242,987654\n" +
		"run-1,1,ask,1,101.0,1,4242,987654\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	snap, err := loadSnapshotCSV(path)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	require.Equal(t, int64(4242), snap.LastUpdateID)
	require.NotNil(t, snap.Checksum)
	require.Equal(t, uint32(987654), *snap.Checksum)
}

func TestLoadSnapshotCSVToleratesMissingOptionalColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot_000002_initial.csv")
	body := "run_id,event_id,side,rank,price,qty\n" +
		"run-1,1,bid,1,100.5,2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	snap, err := loadSnapshotCSV(path)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Zero(t, snap.LastUpdateID)
	require.Nil(t, snap.Checksum)
}

func TestBuildSegmentsAssignsEndRecvSeqFromNextResync(t *testing.T) {
	events := []eventRow{
		{eventID: 1, recvSeq: 10, eventType: "snapshot_start", details: map[string]any{"tag": "initial"}},
		{eventID: 5, recvSeq: 50, eventType: "resync_start", details: map[string]any{}},
		{eventID: 6, recvSeq: 55, eventType: "snapshot_start", details: map[string]any{"tag": "resync_000001"}},
	}
	segs := buildSegments("data/binance/BTCUSDT/20260806", events)
	require.Len(t, segs, 2)
	require.Equal(t, "initial", segs[0].tag)
	require.Equal(t, int64(50), segs[0].endRecvSeq)
	require.Equal(t, "resync_000001", segs[1].tag)
	require.Zero(t, segs[1].endRecvSeq)
}

func TestIsGapActionClassifiesFaultActions(t *testing.T) {
	require.True(t, isGapAction("gap"))
	require.True(t, isGapAction("crossed_book"))
	require.True(t, isGapAction("checksum_mismatch"))
	require.False(t, isGapAction("applied"))
	require.False(t, isGapAction("buffered"))
}

func TestInferExchangeFromDayDirPath(t *testing.T) {
	require.Equal(t, "kraken", inferExchange("data/kraken/XBTUSD/20260806"))
	require.Equal(t, "binance", inferExchange("no/data/segment/here"))
}
