// Command probe dials one or more exchange adapters and prints their
// decoded book/trade stream to stdout as plain CSV-ish lines, for manual
// inspection of wire decoding without running a full recorder. Grounded on
// oerlikon-sounding's cmd/probe symbol-argument parsing (`exch:symbol`
// pairs) and cmd/sound's books.go/trades.go concurrent-consumer-writing-
// to-a-shared-writer shape, adapted to per-listener goroutines (rather
// than that project's reflect.Select fan-in) since exchange.Trade carries
// no exchange/symbol tag of its own to recover after a fan-in.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/rs/zerolog"

	"github.com/oerlikon/mdrecorder/internal/common"
	"github.com/oerlikon/mdrecorder/internal/common/syncio"
	"github.com/oerlikon/mdrecorder/internal/exchange"
	"github.com/oerlikon/mdrecorder/internal/exchange/binance"
	"github.com/oerlikon/mdrecorder/internal/exchange/bitfinex"
	"github.com/oerlikon/mdrecorder/internal/exchange/kraken"
	"github.com/oerlikon/mdrecorder/internal/mainutil"
	"github.com/oerlikon/mdrecorder/internal/transport"
)

var Options struct {
	Help bool
}

var flags flag.FlagSet

func init() {
	flags.BoolVarP(&Options.Help, "help", "", false, "this help message")
	flags.SetInterspersed(false)
	flags.SetOutput(os.Stderr)
}

var knownExchanges = []string{"binance", "bitfinex", "kraken"}

func newListener(exch, symbol string, log zerolog.Logger) (exchange.Listener, error) {
	cfg := transport.Config{
		PingInterval:        15 * time.Second,
		PingTimeout:         45 * time.Second,
		OpenTimeout:         10 * time.Second,
		ReconnectBackoff:    time.Second,
		ReconnectBackoffMax: 60 * time.Second,
		NoDataWarn:          30 * time.Second,
	}
	switch exch {
	case "binance":
		return binance.New(symbol, cfg, log), nil
	case "bitfinex":
		return bitfinex.New(symbol, cfg, log), nil
	case "kraken":
		return kraken.New(symbol, cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", exch)
	}
}

func bookLine(exch, symbol string, bu *exchange.BookUpdate) string {
	var b strings.Builder
	switch {
	case bu.Snapshot != nil:
		for _, l := range bu.Snapshot.Bids {
			fmt.Fprintf(&b, "B %s %s BID %s %s\n", exch, strings.ToUpper(symbol), l.RawPrice, l.RawQty)
		}
		for _, l := range bu.Snapshot.Asks {
			fmt.Fprintf(&b, "B %s %s ASK %s %s\n", exch, strings.ToUpper(symbol), l.RawPrice, l.RawQty)
		}
	case bu.Diff != nil:
		for _, l := range bu.Diff.Bids {
			fmt.Fprintf(&b, "D %s %s BID %s %s\n", exch, strings.ToUpper(symbol), l.RawPrice, l.RawQty)
		}
		for _, l := range bu.Diff.Asks {
			fmt.Fprintf(&b, "D %s %s ASK %s %s\n", exch, strings.ToUpper(symbol), l.RawPrice, l.RawQty)
		}
		if bu.Diff.Checksum != nil {
			fmt.Fprintf(&b, "C %s %s %d\n", exch, strings.ToUpper(symbol), *bu.Diff.Checksum)
		}
	}
	return b.String()
}

func tradeLine(exch, symbol string, t *exchange.Trade) string {
	side := "SELL"
	if t.Taker == exchange.Buy {
		side = "BUY"
	}
	return fmt.Sprintf("T %s %s %s %s %s %s\n", exch, strings.ToUpper(symbol), t.TradeID, side, t.Price.RawPrice, t.Price.RawQty)
}

func runBook(ctx context.Context, exch, symbol string, listener exchange.Listener, w io.StringWriter, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case bu, ok := <-listener.Book():
			if !ok {
				return
			}
			w.WriteString(bookLine(exch, symbol, bu))
		}
	}
}

func runTrades(ctx context.Context, exch, symbol string, listener exchange.Listener, w io.StringWriter, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case trades, ok := <-listener.Trades():
			if !ok {
				return
			}
			for _, t := range trades {
				w.WriteString(tradeLine(exch, symbol, t))
			}
		}
	}
}

func run(ctx context.Context) error {
	if _, err := mainutil.ParseArgs(&flags); err != nil {
		if err != flag.ErrHelp {
			return err
		}
		Options.Help = true
	}
	if Options.Help || flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: probe exch:symbol [exch:symbol ...]")
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
		return nil
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	w := syncio.NewStringWriter(os.Stdout)

	var wg sync.WaitGroup
	for _, arg := range flags.Args() {
		n := strings.IndexByte(arg, ':')
		if n < 1 || n > len(arg)-2 {
			return fmt.Errorf("invalid arg: %s", arg)
		}
		exch, symbol := arg[:n], arg[n+1:]
		if !common.ContainsString(knownExchanges, exch) {
			return fmt.Errorf("unknown exchange: %s", exch)
		}
		listener, err := newListener(exch, symbol, log.With().Str("exchange", exch).Str("symbol", symbol).Logger())
		if err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("%s:%s: %w", exch, symbol, err)
		}
		wg.Add(2)
		go runBook(ctx, exch, symbol, listener, w, &wg)
		go runTrades(ctx, exch, symbol, listener, w, &wg)
	}

	wg.Wait()
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(1)
	}
}
