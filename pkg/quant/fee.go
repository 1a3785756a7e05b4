package quant

import "konnect/pkg/safe"

// SplitFee divides total into the marketplace fee and the seller's share.
// fee = floor(total * bps / 10000), seller = total - fee, so fee + seller == total.
func SplitFee(total Amount, bps Bps) (fee, seller Amount, err error) {
	f, err := safe.MulDiv(uint64(total), uint64(bps), BpsDenominator)
	if err != nil {
		return 0, 0, err
	}
	s, err := safe.Sub(uint64(total), f)
	if err != nil {
		return 0, 0, err
	}
	return Amount(f), Amount(s), nil
}

// LineTotal computes price * quantity with overflow detection.
func LineTotal(price Amount, quantity uint32) (Amount, error) {
	t, err := safe.Mul(uint64(price), uint64(quantity))
	if err != nil {
		return 0, err
	}
	return Amount(t), nil
}
