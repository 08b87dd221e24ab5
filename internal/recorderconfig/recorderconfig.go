// Package recorderconfig binds the recorder's environment-variable
// surface to a struct via caarlos0/env, then validates it with
// oerlikon-sounding's gopkg.in/validator.v2-based internal/mainutil.Validate,
// replacing the original Python implementation's recorder_settings.py
// hand-rolled getenv/cast helpers with that project's own config idiom.
package recorderconfig

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/oerlikon/mdrecorder/internal/mainutil"
)

type Exchange string

const (
	Binance  Exchange = "binance"
	Kraken   Exchange = "kraken"
	Bitfinex Exchange = "bitfinex"
)

// Config is the recorder's full environment-bound configuration, one
// instance per process: one symbol and one exchange per run.
type Config struct {
	Symbol           string   `env:"SYMBOL,required"`
	Exchange         Exchange `env:"EXCHANGE" envDefault:"binance"`
	DepthLevels      int      `env:"DEPTH_LEVELS" envDefault:"20" traits:"gt=0"`
	StoreDepthDiffs  bool     `env:"STORE_DEPTH_DIFFS" envDefault:"true"`

	WSPingIntervalS         int `env:"WS_PING_INTERVAL_S" envDefault:"15" traits:"gt=0"`
	WSPingTimeoutS          int `env:"WS_PING_TIMEOUT_S" envDefault:"45" traits:"gt=0"`
	WSOpenTimeoutS          int `env:"WS_OPEN_TIMEOUT_S" envDefault:"10" traits:"gt=0"`
	WSReconnectBackoffS     int `env:"WS_RECONNECT_BACKOFF_S" envDefault:"1" traits:"gt=0"`
	WSReconnectBackoffMaxS  int `env:"WS_RECONNECT_BACKOFF_MAX_S" envDefault:"60" traits:"gt=0"`
	WSMaxSessionS           int `env:"WS_MAX_SESSION_S" envDefault:"82800"`
	WSNoDataWarnS           int `env:"WS_NO_DATA_WARN_S" envDefault:"30" traits:"gt=0"`

	WindowTZ            string `env:"WINDOW_TZ" envDefault:"Europe/Berlin"`
	WindowStartHHMM     string `env:"WINDOW_START_HHMM" envDefault:"00:00"`
	WindowEndHHMM       string `env:"WINDOW_END_HHMM" envDefault:"23:59"`
	WindowEndDayOffset  int    `env:"WINDOW_END_DAY_OFFSET" envDefault:"0"`

	HeartbeatSec      int `env:"HEARTBEAT_SEC" envDefault:"30" traits:"gt=0"`
	SyncWarnAfterSec  int `env:"SYNC_WARN_AFTER_SEC" envDefault:"20" traits:"gt=0"`
	MaxBufferWarn     int `env:"MAX_BUFFER_WARN" envDefault:"500" traits:"gt=0"`

	OrderbookBufferRows    int `env:"ORDERBOOK_BUFFER_ROWS" envDefault:"200" traits:"gt=0"`
	TradesBufferRows       int `env:"TRADES_BUFFER_ROWS" envDefault:"50" traits:"gt=0"`
	BufferFlushIntervalSec int `env:"BUFFER_FLUSH_INTERVAL_SEC" envDefault:"5" traits:"gt=0"`

	InsecureTLS bool `env:"INSECURE_TLS" envDefault:"false"`

	DataDir string `env:"DATA_DIR" envDefault:"data"`
}

var symbolFSStrip = regexp.MustCompile(`[/\-:\s]+`)

// SymbolFS is the filesystem-safe form of Symbol used in output paths:
// strips /, -, :, and whitespace.
func (c Config) SymbolFS() string {
	return symbolFSStrip.ReplaceAllString(c.Symbol, "")
}

func (c Config) WSPingInterval() time.Duration        { return time.Duration(c.WSPingIntervalS) * time.Second }
func (c Config) WSPingTimeout() time.Duration         { return time.Duration(c.WSPingTimeoutS) * time.Second }
func (c Config) WSOpenTimeout() time.Duration         { return time.Duration(c.WSOpenTimeoutS) * time.Second }
func (c Config) WSReconnectBackoff() time.Duration    { return time.Duration(c.WSReconnectBackoffS) * time.Second }
func (c Config) WSReconnectBackoffMax() time.Duration { return time.Duration(c.WSReconnectBackoffMaxS) * time.Second }
func (c Config) WSMaxSession() time.Duration          { return time.Duration(c.WSMaxSessionS) * time.Second }
func (c Config) WSNoDataWarn() time.Duration          { return time.Duration(c.WSNoDataWarnS) * time.Second }
func (c Config) Heartbeat() time.Duration             { return time.Duration(c.HeartbeatSec) * time.Second }
func (c Config) SyncWarnAfter() time.Duration         { return time.Duration(c.SyncWarnAfterSec) * time.Second }
func (c Config) BufferFlushInterval() time.Duration   { return time.Duration(c.BufferFlushIntervalSec) * time.Second }

// Load binds Config from the process environment and validates it.
// Returns a wrapped errkind.ConfigInvalid-flavored error on any failure
// (the caller composes the errkind sentinel; this package stays
// dependency-free of errkind to avoid an import cycle with callers that
// need to report ConfigInvalid before recorderconfig is even loaded).
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("recorderconfig: %w", err)
	}
	switch cfg.Exchange {
	case Binance, Kraken, Bitfinex:
	default:
		return Config{}, fmt.Errorf("recorderconfig: unknown EXCHANGE %q", cfg.Exchange)
	}
	if _, err := time.LoadLocation(cfg.WindowTZ); err != nil {
		return Config{}, fmt.Errorf("recorderconfig: bad WINDOW_TZ %q: %w", cfg.WindowTZ, err)
	}
	if err := mainutil.Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("recorderconfig: %w", err)
	}
	return cfg, nil
}
