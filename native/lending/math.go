package lending

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// WadDecimals is the number of fractional digits carried by a Wad.
const WadDecimals = 18

var (
	wadUnit = uint256.NewInt(1_000_000_000_000_000_000)
	maxU256 = new(uint256.Int).SetAllOne()
)

// Wad is an unsigned fixed-point number with 18 fractional digits. Rates,
// ratios, prices and indexes are Wads; token amounts stay raw *uint256.Int.
// Every operation states its rounding direction in its name.
type Wad struct {
	v uint256.Int
}

// One returns 1.0.
func One() Wad {
	var w Wad
	w.v.Set(wadUnit)
	return w
}

// WadFromRaw wraps an already scaled integer.
func WadFromRaw(raw *uint256.Int) Wad {
	var w Wad
	if raw != nil {
		w.v.Set(raw)
	}
	return w
}

// WadFromUint64 wraps an already scaled uint64.
func WadFromUint64(raw uint64) Wad {
	var w Wad
	w.v.SetUint64(raw)
	return w
}

// WadFromBps converts basis points, so 7500 becomes 0.75.
func WadFromBps(bps uint64) Wad {
	var w Wad
	w.v.Mul(uint256.NewInt(bps), uint256.NewInt(100_000_000_000_000))
	return w
}

// ParseWad parses a plain decimal such as "0.85" or "1.05".
func ParseWad(s string) (Wad, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wad{}, fmt.Errorf("wad: empty value")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > WadDecimals {
		return Wad{}, fmt.Errorf("wad: %q has more than %d fractional digits", s, WadDecimals)
	}
	digits := whole + frac + strings.Repeat("0", WadDecimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Wad{}, nil
	}
	raw, err := uint256.FromDecimal(digits)
	if err != nil {
		return Wad{}, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	return WadFromRaw(raw), nil
}

// MustParseWad is ParseWad for constants.
func MustParseWad(s string) Wad {
	w, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return w
}

// Raw returns a copy of the scaled integer.
func (w Wad) Raw() *uint256.Int { return new(uint256.Int).Set(&w.v) }

func (w Wad) IsZero() bool  { return w.v.IsZero() }
func (w Wad) Cmp(o Wad) int { return w.v.Cmp(&o.v) }
func (w Wad) Lt(o Wad) bool { return w.v.Lt(&o.v) }
func (w Wad) Gt(o Wad) bool { return w.v.Gt(&o.v) }
func (w Wad) Eq(o Wad) bool { return w.v.Eq(&o.v) }

func (w Wad) Add(o Wad) Wad {
	var r Wad
	r.v.Add(&w.v, &o.v)
	return r
}

func (w Wad) MulUint64(n uint64) Wad {
	var r Wad
	r.v.Mul(&w.v, uint256.NewInt(n))
	return r
}

// SubSat subtracts o, flooring at zero.
func (w Wad) SubSat(o Wad) Wad {
	if w.v.Lt(&o.v) {
		return Wad{}
	}
	var r Wad
	r.v.Sub(&w.v, &o.v)
	return r
}

// MulDown multiplies two Wads, truncating.
func (w Wad) MulDown(o Wad) Wad {
	r, _ := mulDivDown(&w.v, &o.v, wadUnit)
	return WadFromRaw(r)
}

// DivDown divides by o, truncating.
func (w Wad) DivDown(o Wad) (Wad, error) {
	r, err := mulDivDown(&w.v, wadUnit, &o.v)
	if err != nil {
		return Wad{}, err
	}
	return WadFromRaw(r), nil
}

// Min returns the smaller of w and o.
func (w Wad) Min(o Wad) Wad {
	if w.Lt(o) {
		return w
	}
	return o
}

// Max returns the larger of w and o.
func (w Wad) Max(o Wad) Wad {
	if w.Gt(o) {
		return w
	}
	return o
}

// Clamp bounds w into [lo, hi].
func (w Wad) Clamp(lo, hi Wad) Wad {
	return w.Max(lo).Min(hi)
}

// String renders the decimal form without trailing zeros.
func (w Wad) String() string {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(&w.v, wadUnit, r)
	if r.IsZero() {
		return q.Dec()
	}
	frac := r.Dec()
	frac = strings.Repeat("0", WadDecimals-len(frac)) + frac
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

// Float64 is a lossy conversion for metrics.
func (w Wad) Float64() float64 {
	f := w.v.Float64()
	return f / 1e18
}

func (w Wad) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *Wad) UnmarshalText(text []byte) error {
	parsed, err := ParseWad(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (w Wad) EncodeRLP(out io.Writer) error {
	return rlp.Encode(out, &w.v)
}

// DecodeRLP implements rlp.Decoder.
func (w *Wad) DecodeRLP(s *rlp.Stream) error {
	return s.Decode(&w.v)
}

// mulDivDown returns floor(a*b/d) using a 512-bit intermediate product.
func mulDivDown(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDivUp returns ceil(a*b/d).
func mulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := mulDivDown(a, b, d)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if z.Eq(maxU256) {
			return nil, ErrOverflow
		}
		z.AddUint64(z, 1)
	}
	return z, nil
}

// mulWadDown returns floor(amount*w).
func mulWadDown(amount *uint256.Int, w Wad) (*uint256.Int, error) {
	return mulDivDown(amount, &w.v, wadUnit)
}

// mulWadUp returns ceil(amount*w).
func mulWadUp(amount *uint256.Int, w Wad) (*uint256.Int, error) {
	return mulDivUp(amount, &w.v, wadUnit)
}

// divWadDown returns floor(amount/w).
func divWadDown(amount *uint256.Int, w Wad) (*uint256.Int, error) {
	return mulDivDown(amount, wadUnit, &w.v)
}

// divWadUp returns ceil(amount/w).
func divWadUp(amount *uint256.Int, w Wad) (*uint256.Int, error) {
	return mulDivUp(amount, wadUnit, &w.v)
}

// ratioDown returns floor(num/den) as a Wad.
func ratioDown(num, den *uint256.Int) (Wad, error) {
	r, err := mulDivDown(num, wadUnit, den)
	if err != nil {
		return Wad{}, err
	}
	return WadFromRaw(r), nil
}

func pow10(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

func zero() *uint256.Int { return new(uint256.Int) }

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func addAmount(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(clone(a), clone(b))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// subSat returns a-b floored at zero.
func subSat(a, b *uint256.Int) *uint256.Int {
	a, b = clone(a), clone(b)
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return a.Sub(a, b)
}

func minAmount(a, b *uint256.Int) *uint256.Int {
	if clone(a).Lt(clone(b)) {
		return clone(a)
	}
	return clone(b)
}

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }
