package writerfabric

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeqAllocatorMonotonic(t *testing.T) {
	a := &SeqAllocator{}
	require.Equal(t, int64(1), a.Next())
	require.Equal(t, int64(2), a.Next())

	var wg sync.WaitGroup
	seen := make(chan int64, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- a.Next()
		}()
	}
	wg.Wait()
	close(seen)

	vals := map[int64]bool{}
	for v := range seen {
		require.False(t, vals[v], "recv_seq %d allocated twice", v)
		vals[v] = true
	}
	require.Len(t, vals, 1000)
}

func TestCSVWriterFlushesOnRowThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orderbook.csv.gz")
	w := &CSVWriter{Path: path, Header: []string{"recv_seq", "price"}, RowThreshold: 2}

	require.NoError(t, w.WriteRow([]string{"1", "100.0"}))
	require.NoError(t, w.WriteRow([]string{"2", "101.0"}))
	require.NoError(t, w.Close())

	rows := readGzipCSV(t, path)
	require.Equal(t, []string{"recv_seq", "price"}, rows[0])
	require.Equal(t, []string{"1", "100.0"}, rows[1])
	require.Equal(t, []string{"2", "101.0"}, rows[2])
}

func TestCSVWriterHeaderWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.csv.gz")
	w := &CSVWriter{Path: path, Header: []string{"event_id", "type"}, RowThreshold: 1}

	require.NoError(t, w.WriteRow([]string{"1", "run_start"}))
	require.NoError(t, w.WriteRow([]string{"2", "ws_open"}))
	require.NoError(t, w.Close())

	rows := readGzipCSV(t, path)
	require.Len(t, rows, 3) // header + 2 rows
	require.Equal(t, []string{"event_id", "type"}, rows[0])
}

func TestLiveWriterRotatesAndRetains(t *testing.T) {
	dir := t.TempDir()
	w := &LiveWriter{Dir: dir, Prefix: "depth", RotateInterval: time.Millisecond, Retention: 0}
	require.NoError(t, w.WriteLine([]byte(`{"a":1}`)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.WriteLine([]byte(`{"a":2}`)))
	require.NoError(t, w.Close())

	rotations := w.listRotations()
	require.GreaterOrEqual(t, len(rotations), 1)
}

func readGzipCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	body, err := io.ReadAll(gz)
	require.NoError(t, err)

	var rows [][]string
	for _, line := range splitLines(string(body)) {
		if line == "" {
			continue
		}
		rows = append(rows, splitCSVLine(line))
	}
	return rows
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func splitCSVLine(line string) []string {
	var out []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ',' {
			out = append(out, line[start:i])
			start = i + 1
		}
	}
	out = append(out, line[start:])
	return out
}
