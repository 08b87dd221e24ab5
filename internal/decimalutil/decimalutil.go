// Package decimalutil centralizes exact decimal parsing for price/quantity
// fields. No float64 conversion happens anywhere between wire ingest and
// gzip write, per the recorder's decimal-exactness requirement.
package decimalutil

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Level is a single (price, quantity) pair. Qty == 0 denotes a delete when
// applied to a book side.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal

	// RawPrice/RawQty preserve the exact wire text the exchange sent, when
	// known. Checksum verification (Kraken, Bitfinex) must build its
	// digest from the wire-exact formatting, not a re-serialized Decimal,
	// since the exchange's own checksum was computed over its own string
	// representation.
	RawPrice string
	RawQty   string
}

func ParseLevel(priceStr, qtyStr string) (Level, error) {
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Level{}, fmt.Errorf("decimalutil: bad price %q: %w", priceStr, err)
	}
	q, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return Level{}, fmt.Errorf("decimalutil: bad qty %q: %w", qtyStr, err)
	}
	return Level{Price: p, Qty: q, RawPrice: priceStr, RawQty: qtyStr}, nil
}

func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("decimalutil: %s", err))
	}
	return d
}

// NormalizeWire strips leading zeros and every decimal point so the
// stripped string matches the form Kraken's checksum payload expects
// ("stripped of all leading zeroes and decimal points") while leaving the
// significant digits untouched.
func NormalizeWire(s string) string {
	out := make([]byte, 0, len(s))
	started := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			continue
		case c == '0' && !started:
			// Skip every zero before the first non-zero digit
			// (e.g. "0.05" -> "5"); an all-zero input yields "0" below.
			continue
		default:
			started = true
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "0"
	}
	return string(out)
}
