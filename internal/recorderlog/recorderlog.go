// Package recorderlog sets up a run-scoped zerolog.Logger that writes to
// a daily log file in the directory given by Options.Dir, and also to
// stderr when Options.Console is set, grounded on the original Python
// implementation's mm_recorder/logging_config.py (setup_logging): one log
// file per calendar day (UTC date in the file name), structured fields for
// run_id/exchange/symbol carried on every line.
package recorderlog

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Dir      string
	RunID    string
	Exchange string
	Symbol   string
	Console  bool
}

// New opens (or creates) <Dir>/recorder_<YYYYMMDD>.log and returns a
// logger that writes to it, and additionally to stderr in human-readable
// form when Options.Console is set (local/dev runs; disabled in
// production by default, matching oerlikon-sounding's cmd/sound/logging.go
// convention of a silent default with explicit opt-in).
func New(opts Options) (zerolog.Logger, func() error, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return zerolog.Logger{}, nil, err
	}
	name := "recorder_" + time.Now().UTC().Format("20060102") + ".log"
	f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var w io.Writer = f
	if opts.Console {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	logger := zerolog.New(w).With().
		Timestamp().
		Str("run_id", opts.RunID).
		Str("exchange", opts.Exchange).
		Str("symbol", opts.Symbol).
		Logger()

	return logger, f.Close, nil
}
