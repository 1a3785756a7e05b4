package quant

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Amount is a token quantity in base units, scaled by 1,000,000 (10^6).
// E.g., 1.5 USDC = 1,500,000 Amount.
type Amount uint64

// Bps is a fee rate in basis points. 10,000 bps = 100%.
type Bps uint16

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

const (
	AmountDecimals = 6
	AmountScale    = 1000000

	BpsDenominator = 10000
	// MaxFeeBps caps marketplace fees at 10%.
	MaxFeeBps Bps = 1000
)

// String renders the amount in whole units (e.g., "194.000000").
// Rule #1: No Float. decimal keeps the conversion exact.
func (a Amount) String() string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -AmountDecimals).
		StringFixed(AmountDecimals)
}

// ParseAmount converts a human-readable string (e.g., "200", "0.25") into base units.
// Used at the boundary only: config seeds and CLI flags.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	scaled := d.Shift(AmountDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimals", s, AmountDecimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return Amount(bi.Uint64()), nil
}

// Units returns n whole units as an Amount (e.g., Units(200) = 200,000,000).
func Units(n uint64) Amount {
	return Amount(n * AmountScale)
}

func (b Bps) String() string {
	return strconv.FormatUint(uint64(b), 10) + "bps"
}

// Valid reports whether the rate is within the marketplace fee cap.
func (b Bps) Valid() bool {
	return b <= MaxFeeBps
}
