package quant

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestAmount_String(t *testing.T) {
	tests := []struct {
		in   Amount
		want string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{Units(194), "194.000000"},
		{1_500_000, "1.500000"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Amount(%d).String() = %s; want %s", uint64(tt.in), got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"200", Units(200), false},
		{"0.25", 250_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAmount(%q) expected error, got %d", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q) = %d; want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitFee(t *testing.T) {
	tests := []struct {
		name       string
		total      Amount
		bps        Bps
		wantFee    Amount
		wantSeller Amount
	}{
		{"300bps on 200 units", Units(200), 300, 6_000_000, 194_000_000},
		{"zero fee", Units(5), 0, 0, Units(5)},
		{"max fee", Units(10), MaxFeeBps, Units(1), Units(9)},
		{"floors dust", 33, 300, 0, 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, seller, err := SplitFee(tt.total, tt.bps)
			if err != nil {
				t.Fatalf("SplitFee failed: %v", err)
			}
			if fee != tt.wantFee || seller != tt.wantSeller {
				t.Errorf("SplitFee = (%d, %d); want (%d, %d)", fee, seller, tt.wantFee, tt.wantSeller)
			}
		})
	}
}

func TestLineTotal_Overflow(t *testing.T) {
	if _, err := LineTotal(Amount(math.MaxUint64), 2); err == nil {
		t.Error("expected overflow error")
	}
}

// Fee and seller share always add back up to the total.
func TestSplitFee_Conserves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := Amount(rapid.Uint64().Draw(t, "total"))
		bps := Bps(rapid.Uint16Range(0, uint16(MaxFeeBps)).Draw(t, "bps"))

		fee, seller, err := SplitFee(total, bps)
		if err != nil {
			t.Fatalf("SplitFee(%d, %d) failed: %v", total, bps, err)
		}
		if uint64(fee)+uint64(seller) != uint64(total) {
			t.Fatalf("fee %d + seller %d != total %d", fee, seller, total)
		}
		if fee > total/10+1 {
			t.Fatalf("fee %d exceeds 10%% of %d", fee, total)
		}
	})
}

func TestBps_Valid(t *testing.T) {
	if !Bps(1000).Valid() {
		t.Error("1000bps should be valid")
	}
	if Bps(1001).Valid() {
		t.Error("1001bps should be invalid")
	}
}
