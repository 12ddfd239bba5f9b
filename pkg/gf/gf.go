// Package gf implements arithmetic over GF(2^m) for the field widths the
// BCH sketch supports (m in [6,14]), using exp/log tables built from
// standard primitive polynomials.
package gf

import "fmt"

const (
	MinM = 6
	MaxM = 14
)

// Feedback masks (primitive polynomial minus the x^m term) per field width.
var primitivePoly = map[int]uint64{
	6:  0x03,  // x^6 + x + 1
	7:  0x03,  // x^7 + x + 1
	8:  0x1d,  // x^8 + x^4 + x^3 + x^2 + 1
	9:  0x11,  // x^9 + x^4 + 1
	10: 0x09,  // x^10 + x^3 + 1
	11: 0x05,  // x^11 + x^2 + 1
	12: 0x53,  // x^12 + x^6 + x^4 + x + 1
	13: 0x1b,  // x^13 + x^4 + x^3 + x + 1
	14: 0x443, // x^14 + x^10 + x^6 + x + 1
}

// Field is a GF(2^m) instance. Elements are uint64 values in [0, 2^m).
type Field struct {
	m   int
	n   uint64 // 2^m - 1, the multiplicative group order
	exp []uint64
	log []int
}

// New builds the exp/log tables for GF(2^m).
func New(m int) (*Field, error) {
	poly, ok := primitivePoly[m]
	if !ok {
		return nil, fmt.Errorf("gf: unsupported field width %d (want %d..%d)", m, MinM, MaxM)
	}
	n := uint64(1)<<uint(m) - 1
	f := &Field{
		m:   m,
		n:   n,
		exp: make([]uint64, 2*n),
		log: make([]int, n+1),
	}
	x := uint64(1)
	for i := uint64(0); i < n; i++ {
		f.exp[i] = x
		f.exp[i+n] = x // doubled table saves a mod in Mul
		f.log[x] = int(i)
		x <<= 1
		if x > n {
			x = (x & n) ^ poly
		}
	}
	return f, nil
}

// M returns the field width.
func (f *Field) M() int { return f.m }

// Order returns 2^m - 1.
func (f *Field) Order() uint64 { return f.n }

// Mul multiplies two field elements.
func (f *Field) Mul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	return f.exp[f.log[a]+f.log[b]]
}

// Sqr squares a field element.
func (f *Field) Sqr(a uint64) uint64 {
	if a == 0 {
		return 0
	}
	l := 2 * f.log[a]
	if l >= int(f.n) {
		l -= int(f.n)
	}
	return f.exp[l]
}

// Inv returns the multiplicative inverse of a nonzero element.
func (f *Field) Inv(a uint64) uint64 {
	if a == 0 {
		panic("gf: inverse of zero")
	}
	return f.exp[(int(f.n)-f.log[a])%int(f.n)]
}

// Exp returns the generator raised to the i-th power, i in [0, 2^m-1).
func (f *Field) Exp(i int) uint64 {
	return f.exp[i%int(f.n)]
}

// Eval evaluates the polynomial with coefficients coeffs (coeffs[0] is
// the constant term) at x, by Horner's rule.
func (f *Field) Eval(coeffs []uint64, x uint64) uint64 {
	var acc uint64
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = f.Mul(acc, x) ^ coeffs[i]
	}
	return acc
}
