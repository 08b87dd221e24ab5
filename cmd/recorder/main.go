// Command recorder runs one market-data recording process: one exchange,
// one symbol, one trading day. Configuration is entirely env-var driven
// (internal/recorderconfig); the only flags are an opt-in console mirror of
// the daily log file and a strict-metadata switch, grounded on the
// teacher's cmd/sound convention of a silent default with explicit opt-in
// flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/exchange/binance"
	"github.com/oerlikon/mdrecorder/internal/exchange/bitfinex"
	"github.com/oerlikon/mdrecorder/internal/exchange/kraken"
	"github.com/oerlikon/mdrecorder/internal/mainutil"
	"github.com/oerlikon/mdrecorder/internal/recorder"
	"github.com/oerlikon/mdrecorder/internal/recorderconfig"
	"github.com/oerlikon/mdrecorder/internal/recorderlog"
	"github.com/oerlikon/mdrecorder/internal/tickinfo"
	"github.com/oerlikon/mdrecorder/internal/transport"
)

var Options struct {
	Console     bool
	StrictTicks bool
	Help        bool
}

var flags flag.FlagSet

func init() {
	flags.BoolVarP(&Options.Console, "console", "", false, "also log to stderr")
	flags.BoolVarP(&Options.StrictTicks, "strict-ticks", "", false, "fail if price-tick metadata cannot be resolved")
	flags.BoolVarP(&Options.Help, "help", "", false, "this help message")
	flags.SetOutput(os.Stderr)
}

func run(ctx context.Context) error {
	if _, err := mainutil.ParseArgs(&flags); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if Options.Help {
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
		return nil
	}

	cfg, err := recorderconfig.Load()
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	logDir := filepath.Join("logs", "recorder", cfg.SymbolFS())
	log, closeLog, err := recorderlog.New(recorderlog.Options{
		Dir:      logDir,
		Exchange: string(cfg.Exchange),
		Symbol:   cfg.Symbol,
		Console:  Options.Console,
	})
	if err != nil {
		return fmt.Errorf("recorder: log setup: %w", err)
	}
	defer closeLog()

	resolver := tickinfo.NewResolver()
	tick, err := resolver.Resolve(ctx, string(cfg.Exchange), cfg.Symbol, Options.StrictTicks)
	if err != nil {
		return fmt.Errorf("recorder: resolve price tick: %w", err)
	}

	listener, err := newListener(cfg, log)
	if err != nil {
		return err
	}

	orch, err := recorder.New(cfg, listener, tick, log, time.Now())
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	log.Info().Str("exchange", string(cfg.Exchange)).Str("symbol", cfg.Symbol).Str("data_dir", orch.DayDir()).Msg("recorder starting")
	return orch.Run(ctx)
}

// newListener builds the transport.Config from cfg's WS_* env-derived
// timing fields and selects the per-exchange adapter for cfg.Exchange.
func newListener(cfg recorderconfig.Config, log zerolog.Logger) (exchange.Listener, error) {
	tcfg := transport.Config{
		PingInterval:        cfg.WSPingInterval(),
		PingTimeout:         cfg.WSPingTimeout(),
		OpenTimeout:         cfg.WSOpenTimeout(),
		ReconnectBackoff:    cfg.WSReconnectBackoff(),
		ReconnectBackoffMax: cfg.WSReconnectBackoffMax(),
		MaxSession:          cfg.WSMaxSession(),
		NoDataWarn:          cfg.WSNoDataWarn(),
		InsecureTLS:         cfg.InsecureTLS,
	}
	switch cfg.Exchange {
	case recorderconfig.Binance:
		return binance.New(cfg.Symbol, tcfg, log), nil
	case recorderconfig.Kraken:
		return kraken.New(cfg.Symbol, tcfg, log), nil
	case recorderconfig.Bitfinex:
		return bitfinex.New(cfg.Symbol, tcfg, log), nil
	default:
		return nil, fmt.Errorf("recorder: unknown exchange %q", cfg.Exchange)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "recorder:", err)
		os.Exit(1)
	}
}
