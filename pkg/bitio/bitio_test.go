package bitio

import (
	"math/rand"
	"testing"
)

func TestWriteReadRoundtrip(t *testing.T) {
	type field struct {
		v     uint64
		width int
	}
	cases := [][]field{
		{{1, 1}, {0, 1}, {1, 1}},
		{{5, 3}, {200, 8}, {9, 4}},
		{{0x7f, 7}, {0x1ff, 9}, {1, 1}, {0xffff, 16}},
		{{0xdeadbeef, 32}, {3, 2}, {0x123456789abcdef, 60}},
	}

	for ci, fields := range cases {
		bits := 0
		for _, f := range fields {
			bits += f.width
		}
		buf := make([]byte, BytesFor(bits))
		w := NewWriter(buf)
		for _, f := range fields {
			w.Write(f.v, f.width)
		}
		w.Flush()
		if w.Len() != len(buf) {
			t.Fatalf("case %d: wrote %d bytes, want %d", ci, w.Len(), len(buf))
		}

		r := NewReader(buf)
		for fi, f := range fields {
			got := r.Read(f.width)
			if got != f.v {
				t.Fatalf("case %d field %d: read %d, want %d", ci, fi, got, f.v)
			}
		}
	}
}

func TestRandomRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(64)
		vals := make([]uint64, n)
		widths := make([]int, n)
		bits := 0
		for i := range vals {
			widths[i] = 1 + rng.Intn(63)
			vals[i] = rng.Uint64() & ((1 << uint(widths[i])) - 1)
			bits += widths[i]
		}
		buf := make([]byte, BytesFor(bits))
		w := NewWriter(buf)
		for i := range vals {
			w.Write(vals[i], widths[i])
		}
		w.Flush()

		r := NewReader(buf)
		for i := range vals {
			if got := r.Read(widths[i]); got != vals[i] {
				t.Fatalf("trial %d field %d (width %d): read %d, want %d",
					trial, i, widths[i], got, vals[i])
			}
		}
	}
}

func TestReadPastEndYieldsZeros(t *testing.T) {
	r := NewReader([]byte{0xff})
	if got := r.Read(8); got != 0xff {
		t.Fatalf("first byte = %#x, want 0xff", got)
	}
	if got := r.Read(16); got != 0 {
		t.Fatalf("past-end read = %#x, want 0", got)
	}
}

func TestWriteMasksHighBits(t *testing.T) {
	buf := make([]byte, 1)
	w := NewWriter(buf)
	w.Write(0xffff, 3) // only low 3 bits land
	w.Write(0, 5)
	w.Flush()
	if buf[0] != 0x07 {
		t.Fatalf("buf[0] = %#x, want 0x07", buf[0])
	}
}
