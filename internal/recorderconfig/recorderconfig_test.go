package recorderconfig

import "testing"

func TestSymbolFSStripsSeparatorsAndWhitespace(t *testing.T) {
	cases := map[string]string{
		"BTC-USD":   "BTCUSD",
		"BTC/USDT":  "BTCUSDT",
		"XBT:USD":   "XBTUSD",
		"BTC USD":   "BTCUSD",
		"btcusdt":   "btcusdt",
	}
	for in, want := range cases {
		c := Config{Symbol: in}
		if got := c.SymbolFS(); got != want {
			t.Errorf("SymbolFS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDurationHelpersConvertSecondsFields(t *testing.T) {
	c := Config{
		WSPingIntervalS:  15,
		HeartbeatSec:     30,
		SyncWarnAfterSec: 20,
	}
	if c.WSPingInterval().Seconds() != 15 {
		t.Errorf("WSPingInterval = %v, want 15s", c.WSPingInterval())
	}
	if c.Heartbeat().Seconds() != 30 {
		t.Errorf("Heartbeat = %v, want 30s", c.Heartbeat())
	}
	if c.SyncWarnAfter().Seconds() != 20 {
		t.Errorf("SyncWarnAfter = %v, want 20s", c.SyncWarnAfter())
	}
}

func TestLoadRejectsUnknownExchange(t *testing.T) {
	t.Setenv("SYMBOL", "BTCUSDT")
	t.Setenv("EXCHANGE", "coinbase")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown EXCHANGE")
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("SYMBOL", "BTCUSDT")
	t.Setenv("EXCHANGE", "binance")
	t.Setenv("WINDOW_TZ", "Not/A_Zone")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad WINDOW_TZ")
	}
}

func TestLoadAppliesDefaultsAndAccepts(t *testing.T) {
	t.Setenv("SYMBOL", "BTCUSDT")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Exchange != Binance {
		t.Errorf("Exchange default = %q, want %q", cfg.Exchange, Binance)
	}
	if cfg.DepthLevels != 20 {
		t.Errorf("DepthLevels default = %d, want 20", cfg.DepthLevels)
	}
	if cfg.WindowTZ != "Europe/Berlin" {
		t.Errorf("WindowTZ default = %q, want Europe/Berlin", cfg.WindowTZ)
	}
}
