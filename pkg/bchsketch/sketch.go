// Package bchsketch implements a BCH syndrome sketch over GF(2^m)
// (PinSketch-style). A sketch of capacity t holds the t odd power-sum
// syndromes of the values added to it; merging two sketches yields the
// sketch of the symmetric difference of their value sets, and decoding a
// merged sketch recovers that difference as long as it has at most t
// elements.
//
// The surface is the six operations the reconciler needs: create, add,
// serialize, deserialize, merge, decode.
package bchsketch

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/pbsync/pkg/bitio"
	"github.com/ryandielhenn/pbsync/pkg/gf"
)

var ErrMalformedSketch = errors.New("bchsketch: malformed sketch buffer")

// Sketch is a BCH syndrome sketch with field width m and capacity t.
type Sketch struct {
	field *gf.Field
	m     int
	t     int
	// odd power-sum syndromes s_1, s_3, ..., s_{2t-1}
	odd []uint64
}

// New creates an empty sketch over GF(2^m) with capacity t.
func New(m, t int) (*Sketch, error) {
	f, err := gf.New(m)
	if err != nil {
		return nil, err
	}
	if t < 1 || uint64(t) > f.Order() {
		return nil, fmt.Errorf("bchsketch: capacity %d out of range for m=%d", t, m)
	}
	return &Sketch{field: f, m: m, t: t, odd: make([]uint64, t)}, nil
}

// M returns the field width.
func (s *Sketch) M() int { return s.m }

// Capacity returns how many differences a merged sketch can decode.
func (s *Sketch) Capacity() int { return s.t }

// SerializedSize returns the byte length of Serialize's output:
// ceil(m*t/8).
func (s *Sketch) SerializedSize() int {
	return bitio.BytesFor(s.m * s.t)
}

// Add folds a value into the sketch. Values must be in [1, 2^m-1];
// adding the same value twice cancels it (the sketch is a set under
// symmetric difference). Zero is rejected because the decoder cannot
// represent it (the reconciler reserves bin 0 for exactly this reason).
func (s *Sketch) Add(v uint64) error {
	if v == 0 || v > s.field.Order() {
		return fmt.Errorf("bchsketch: value %d outside (0, %d]", v, s.field.Order())
	}
	sq := s.field.Sqr(v)
	pw := v // v^(2i+1), starting at v^1
	for i := 0; i < s.t; i++ {
		s.odd[i] ^= pw
		pw = s.field.Mul(pw, sq)
	}
	return nil
}

// Merge folds other into s, leaving s as the sketch of the symmetric
// difference of the two added-value sets. The sketches must agree on
// (m, t).
func (s *Sketch) Merge(other *Sketch) error {
	if other.m != s.m || other.t != s.t {
		return fmt.Errorf("bchsketch: merge shape mismatch (%d,%d) vs (%d,%d)", s.m, s.t, other.m, other.t)
	}
	for i := range s.odd {
		s.odd[i] ^= other.odd[i]
	}
	return nil
}

// Serialize packs the syndromes into ceil(m*t/8) bytes, m bits each,
// LSB-first.
func (s *Sketch) Serialize() []byte {
	buf := make([]byte, s.SerializedSize())
	w := bitio.NewWriter(buf)
	for _, syn := range s.odd {
		w.Write(syn, s.m)
	}
	w.Flush()
	return buf
}

// Deserialize replaces the sketch contents with the serialized form in
// buf, which must be at least SerializedSize bytes.
func (s *Sketch) Deserialize(buf []byte) error {
	if len(buf) < s.SerializedSize() {
		return ErrMalformedSketch
	}
	r := bitio.NewReader(buf)
	for i := range s.odd {
		s.odd[i] = r.Read(s.m)
	}
	return nil
}

// Decode recovers the values whose sketch this is. It returns the count
// and the values, or -1 when decoding fails (the BCH failure the
// reconciler handles by splitting). A sketch of more than t values
// usually fails, but can also decode to a wrong set of at most t values.
// The sketch is not modified.
func (s *Sketch) Decode() (int, []uint64) {
	// Full syndrome sequence s_1..s_2t: even syndromes follow from the
	// odd ones by squaring (Frobenius in characteristic 2).
	syn := make([]uint64, 2*s.t)
	for i := 0; i < s.t; i++ {
		syn[2*i] = s.odd[i]
	}
	for i := 1; i <= s.t; i++ {
		syn[2*i-1] = s.field.Sqr(syn[i-1])
	}

	zero := true
	for _, v := range syn {
		if v != 0 {
			zero = false
			break
		}
	}
	if zero {
		return 0, nil
	}

	locator, degree := s.berlekampMassey(syn)
	if degree < 1 || degree > s.t || locator[degree] == 0 {
		// degree deficiency: syndromes inconsistent with <= t values
		return -1, nil
	}

	// Brute-force root search. Roots of the locator are inverses of the
	// decoded values.
	out := make([]uint64, 0, degree)
	for x := uint64(1); x <= s.field.Order(); x++ {
		if s.field.Eval(locator, x) == 0 {
			out = append(out, s.field.Inv(x))
			if len(out) > degree {
				break
			}
		}
	}
	if len(out) != degree {
		return -1, nil
	}
	return degree, out
}

// berlekampMassey finds the shortest LFSR (error locator polynomial)
// generating the syndrome sequence. Returns the locator coefficients
// (constant term first) and its degree L.
func (s *Sketch) berlekampMassey(syn []uint64) ([]uint64, int) {
	n := len(syn)
	c := make([]uint64, n+1)
	b := make([]uint64, n+1)
	c[0], b[0] = 1, 1
	l, shift := 0, 1
	last := uint64(1) // discrepancy at the last length change

	for i := 0; i < n; i++ {
		d := syn[i]
		for j := 1; j <= l; j++ {
			d ^= s.field.Mul(c[j], syn[i-j])
		}
		if d == 0 {
			shift++
			continue
		}
		coef := s.field.Mul(d, s.field.Inv(last))
		if 2*l <= i {
			tmp := make([]uint64, len(c))
			copy(tmp, c)
			for j := 0; j+shift <= n; j++ {
				c[j+shift] ^= s.field.Mul(coef, b[j])
			}
			l = i + 1 - l
			copy(b, tmp)
			last = d
			shift = 1
		} else {
			for j := 0; j+shift <= n; j++ {
				c[j+shift] ^= s.field.Mul(coef, b[j])
			}
			shift++
		}
	}
	return c[:l+1], l
}
