package lending

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

func TestParseWad(t *testing.T) {
	cases := map[string]string{
		"1":          "1",
		"0.85":       "0.85",
		"1.050":      "1.05",
		"0.00000001": "0.00000001",
		" 2.5 ":      "2.5",
	}
	for in, want := range cases {
		w, err := ParseWad(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if w.String() != want {
			t.Fatalf("parse %q: got %s want %s", in, w, want)
		}
	}
	for _, bad := range []string{"", "-1", "1.2.3", "abc", "0.0000000000000000001"} {
		if _, err := ParseWad(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWadFromBps(t *testing.T) {
	if got := WadFromBps(7_500); !got.Eq(MustParseWad("0.75")) {
		t.Fatalf("unexpected bps conversion %s", got)
	}
}

func TestMulDivRounding(t *testing.T) {
	down, err := mulDivDown(amount(10), amount(10), amount(3))
	if err != nil {
		t.Fatalf("mulDivDown: %v", err)
	}
	expectAmount(t, "down", down, amount(33))
	up, err := mulDivUp(amount(10), amount(10), amount(3))
	if err != nil {
		t.Fatalf("mulDivUp: %v", err)
	}
	expectAmount(t, "up", up, amount(34))
	exact, err := mulDivUp(amount(10), amount(9), amount(3))
	if err != nil {
		t.Fatalf("mulDivUp exact: %v", err)
	}
	expectAmount(t, "exact", exact, amount(30))

	if _, err := mulDivDown(amount(1), amount(1), amount(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	huge := new(uint256.Int).SetAllOne()
	if _, err := mulDivDown(huge, huge, amount(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestShareConversionsFavorProtocol(t *testing.T) {
	rate := MustParseWad("1.3")
	sharesOut, _ := divWadDown(amount(100), rate)
	expectAmount(t, "minted shares", sharesOut, amount(76))
	sharesIn, _ := divWadUp(amount(100), rate)
	expectAmount(t, "burned shares", sharesIn, amount(77))
	paid, _ := mulWadDown(amount(76), rate)
	expectAmount(t, "payout", paid, amount(98))
}

func TestWadRLPRoundTrip(t *testing.T) {
	type holder struct {
		Rate  Wad
		Total *uint256.Int
	}
	in := holder{Rate: MustParseWad("1.000000004"), Total: amount(42)}
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out holder
	if err := rlp.DecodeBytes(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Rate.Eq(in.Rate) || !out.Total.Eq(in.Total) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]ErrorKind{
		ErrUnauthorized:          KindAuthorization,
		ErrInsufficientLiquidity: KindLiquidity,
		ErrCollateralCapExceeded: KindConfiguration,
		ErrPriceStale:            KindOracle,
		ErrDivisionByZero:        KindOracle,
		ErrSelfLiquidation:       KindLiquidation,
		ErrReentrant:             KindReentrancy,
		errors.New("other"):      KindUnknown,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v): got %s want %s", err, got, want)
		}
	}
}
