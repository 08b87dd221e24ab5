// LiveWriter is a supplemented feature (not named by the original
// market-data-recorder distillation, present in the source implementation's
// mm_recorder/live_writer.py): a plain, uncompressed, time-rotated NDJSON
// tail stream meant for a low-latency consumer (e.g. a UI or alerting
// process tailing the current file) that cannot wait for a gzip stream to
// be flushed or closed. Rotated every RotateInterval and old rotations
// older than Retention are deleted eagerly, since this stream is a
// convenience tap, not an audit record — the gzip streams in csv.go/
// ndjson.go remain the system of record.
package writerfabric

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type LiveWriter struct {
	Dir            string
	Prefix         string
	RotateInterval time.Duration
	Retention      time.Duration

	file        *os.File
	buf         *bufio.Writer
	openedAt    time.Time
	currentPath string
}

func (w *LiveWriter) rotateIfDue(now time.Time) error {
	if w.file != nil && (w.RotateInterval <= 0 || now.Sub(w.openedAt) < w.RotateInterval) {
		return nil
	}
	if w.file != nil {
		w.buf.Flush()
		w.file.Close()
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("writerfabric: mkdir %s: %w", w.Dir, err)
	}
	name := fmt.Sprintf("%s_%s.ndjson", w.Prefix, now.UTC().Format("20060102T150405"))
	path := filepath.Join(w.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writerfabric: open %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.openedAt = now
	w.currentPath = path
	w.cleanupOld(now)
	return nil
}

// WriteLine appends one line, rotating first if due, and flushes
// immediately: the whole point of this stream is that a tailer sees the
// line without waiting for a buffer threshold.
func (w *LiveWriter) WriteLine(line []byte) error {
	now := time.Now()
	if err := w.rotateIfDue(now); err != nil {
		return err
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *LiveWriter) cleanupOld(now time.Time) {
	if w.Retention <= 0 {
		return
	}
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-w.Retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), w.Prefix+"_") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(w.Dir, e.Name()))
	}
}

func (w *LiveWriter) Close() error {
	if w.file == nil {
		return nil
	}
	w.buf.Flush()
	return w.file.Close()
}

// listRotations is a small test/debug helper, not exercised on the hot
// path, returning rotation files oldest-first.
func (w *LiveWriter) listRotations() []string {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), w.Prefix+"_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}
