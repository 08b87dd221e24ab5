// Package tickinfo resolves the minimum price increment for a symbol,
// grounded on the original Python implementation's mm_recorder/metadata.py
// (resolve_price_tick_size): each exchange publishes tick size through a
// different REST endpoint, with Bitfinex deriving it from significant
// digits rather than a fixed increment. Recorded in the events ledger's
// run_start event (schema.json does not carry it); the sync engines never
// need it (they compare exact decimal prices, not ticks).
package tickinfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	"github.com/oerlikon/mdrecorder/internal/retry"
)

type Info struct {
	Exchange string
	Symbol   string
	TickSize decimal.Decimal
	Source   string // "metadata" or "default"
}

// DefaultTickSize is used when metadata fetch is exhausted and the
// caller opts into a non-strict fallback, mirroring get_default_tick_size.
var DefaultTickSize = decimal.New(1, -8)

type Resolver struct {
	Client *http.Client
	Retry  retry.Config

	BinanceBaseURL  string
	KrakenBaseURL   string
	BitfinexBaseURL string
}

func NewResolver() *Resolver {
	return &Resolver{
		Client:          http.DefaultClient,
		Retry:           retry.DefaultConfig(),
		BinanceBaseURL:  "https://api.binance.com",
		KrakenBaseURL:   "https://api.kraken.com",
		BitfinexBaseURL: "https://api.bitfinex.com",
	}
}

// Resolve fetches the tick size for exchange/symbol, retrying transient
// failures. On exhaustion, if strict is false it returns DefaultTickSize
// with Source "default" instead of an error.
func (r *Resolver) Resolve(ctx context.Context, exchange, symbol string, strict bool) (Info, error) {
	var info Info
	err := retry.Do(ctx, r.Retry, func(ctx context.Context) error {
		got, err := r.fetchOnce(ctx, exchange, symbol)
		if err != nil {
			return err
		}
		info = got
		return nil
	})
	if err != nil {
		if strict {
			return Info{}, err
		}
		return Info{Exchange: exchange, Symbol: symbol, TickSize: DefaultTickSize, Source: "default"}, nil
	}
	return info, nil
}

func (r *Resolver) fetchOnce(ctx context.Context, exchange, symbol string) (Info, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return r.fetchBinance(ctx, symbol)
	case "kraken":
		return r.fetchKraken(ctx, symbol)
	case "bitfinex":
		return r.fetchBitfinex(ctx, symbol)
	default:
		return Info{}, fmt.Errorf("tickinfo: unsupported exchange %q", exchange)
	}
}

func (r *Resolver) get(ctx context.Context, url string) (*fastjson.Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "mdrecorder")
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tickinfo: %s: status %d", url, resp.StatusCode)
	}
	var parser fastjson.Parser
	return parser.ParseBytes(body)
}

func (r *Resolver) fetchBinance(ctx context.Context, symbol string) (Info, error) {
	url := fmt.Sprintf("%s/api/v3/exchangeInfo?symbol=%s", r.BinanceBaseURL, strings.ToUpper(symbol))
	v, err := r.get(ctx, url)
	if err != nil {
		return Info{}, err
	}
	symbols := v.GetArray("symbols")
	if len(symbols) == 0 {
		return Info{}, fmt.Errorf("tickinfo: binance exchangeInfo returned no symbols for %s", symbol)
	}
	for _, flt := range symbols[0].GetArray("filters") {
		if string(flt.GetStringBytes("filterType")) == "PRICE_FILTER" {
			tick, err := decimal.NewFromString(string(flt.GetStringBytes("tickSize")))
			if err != nil {
				return Info{}, fmt.Errorf("tickinfo: binance tickSize: %w", err)
			}
			return Info{Exchange: "binance", Symbol: symbol, TickSize: tick, Source: "metadata"}, nil
		}
	}
	return Info{}, fmt.Errorf("tickinfo: binance exchangeInfo missing PRICE_FILTER for %s", symbol)
}

func (r *Resolver) fetchKraken(ctx context.Context, symbol string) (Info, error) {
	url := fmt.Sprintf("%s/0/public/AssetPairs?pair=%s", r.KrakenBaseURL, symbol)
	v, err := r.get(ctx, url)
	if err != nil {
		return Info{}, err
	}
	if errs := v.GetArray("error"); len(errs) > 0 {
		return Info{}, fmt.Errorf("tickinfo: kraken AssetPairs error for %s", symbol)
	}
	result := v.GetObject("result")
	if result == nil || result.Len() == 0 {
		return Info{}, fmt.Errorf("tickinfo: kraken AssetPairs returned no result for %s", symbol)
	}
	var pair *fastjson.Value
	result.Visit(func(_ []byte, v *fastjson.Value) {
		if pair == nil {
			pair = v
		}
	})
	if tickRaw := pair.GetStringBytes("tick_size"); len(tickRaw) > 0 {
		tick, err := decimal.NewFromString(string(tickRaw))
		if err != nil {
			return Info{}, fmt.Errorf("tickinfo: kraken tick_size: %w", err)
		}
		return Info{Exchange: "kraken", Symbol: symbol, TickSize: tick, Source: "metadata"}, nil
	}
	decimals := pair.Get("pair_decimals")
	if decimals == nil {
		return Info{}, fmt.Errorf("tickinfo: kraken AssetPairs missing tick_size/pair_decimals for %s", symbol)
	}
	tick := decimal.New(1, -int32(decimals.GetInt()))
	return Info{Exchange: "kraken", Symbol: symbol, TickSize: tick, Source: "metadata"}, nil
}

func (r *Resolver) fetchBitfinex(ctx context.Context, symbol string) (Info, error) {
	url := fmt.Sprintf("%s/v1/symbols_details", r.BitfinexBaseURL)
	v, err := r.get(ctx, url)
	if err != nil {
		return Info{}, err
	}
	key := bitfinexPairKey(symbol)
	for _, row := range v.GetArray() {
		if string(row.GetStringBytes("pair")) == key {
			precision := row.Get("price_precision")
			if precision == nil {
				return Info{}, fmt.Errorf("tickinfo: bitfinex symbols_details missing price_precision for %s", key)
			}
			tick := decimal.New(1, -int32(precision.GetInt()))
			return Info{Exchange: "bitfinex", Symbol: symbol, TickSize: tick, Source: "metadata"}, nil
		}
	}
	return Info{}, fmt.Errorf("tickinfo: bitfinex symbols_details missing pair=%s", key)
}

func bitfinexPairKey(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.NewReplacer("/", "", "-", "", ":", "").Replace(s)
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "T") || strings.HasPrefix(s, "F") {
		s = s[1:]
	}
	return strings.ToLower(s)
}
