package safe

import (
	"errors"
	"math/bits"
)

// ErrOverflow is returned when a checked operation leaves the uint64 domain.
var ErrOverflow = errors.New("CORE_SAFE_OVERFLOW")

// Add performs uint64 addition and reports overflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub performs uint64 subtraction and reports underflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul performs uint64 multiplication and reports overflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// MulDiv computes floor(a*b/d) with a 128-bit intermediate product.
// Only the quotient has to fit in uint64.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

// MustAdd is Add for totals that can only overflow if the ledger is already broken.
func MustAdd(a, b uint64) uint64 {
	sum, err := Add(a, b)
	if err != nil {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return sum
}
