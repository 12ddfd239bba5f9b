package bchsketch

import (
	"math/rand"
	"sort"
	"testing"
)

func mustNew(t *testing.T, m, cap int) *Sketch {
	t.Helper()
	s, err := New(m, cap)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEmptyDecodesToNothing(t *testing.T) {
	s := mustNew(t, 8, 11)
	p, vals := s.Decode()
	if p != 0 || len(vals) != 0 {
		t.Fatalf("empty sketch decoded to (%d, %v)", p, vals)
	}
}

func TestAddRejectsOutOfRange(t *testing.T) {
	s := mustNew(t, 6, 4)
	if err := s.Add(0); err == nil {
		t.Fatal("Add(0) should fail")
	}
	if err := s.Add(64); err == nil {
		t.Fatal("Add(2^m) should fail")
	}
	if err := s.Add(63); err != nil {
		t.Fatalf("Add(63): %v", err)
	}
}

func TestSelfDecode(t *testing.T) {
	s := mustNew(t, 8, 11)
	want := []uint64{3, 17, 99, 254}
	for _, v := range want {
		if err := s.Add(v); err != nil {
			t.Fatal(err)
		}
	}
	p, got := s.Decode()
	if p != len(want) {
		t.Fatalf("Decode count = %d, want %d", p, len(want))
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded %v, want %v", got, want)
		}
	}
}

func TestAddTwiceCancels(t *testing.T) {
	s := mustNew(t, 7, 5)
	s.Add(42)
	s.Add(42)
	if p, _ := s.Decode(); p != 0 {
		t.Fatalf("double-added value should cancel, got count %d", p)
	}
}

func TestMergeDecodesSymmetricDifference(t *testing.T) {
	for _, m := range []int{6, 8, 10, 12} {
		const capacity = 8
		a := mustNew(t, m, capacity)
		b := mustNew(t, m, capacity)
		n := uint64(1)<<uint(m) - 1

		// shared values cancel, unique ones survive
		shared := []uint64{1, 2, n / 2}
		onlyA := []uint64{5, n - 1}
		onlyB := []uint64{7, n - 2, n / 3}
		for _, v := range shared {
			a.Add(v)
			b.Add(v)
		}
		for _, v := range onlyA {
			a.Add(v)
		}
		for _, v := range onlyB {
			b.Add(v)
		}

		if err := a.Merge(b); err != nil {
			t.Fatal(err)
		}
		p, got := a.Decode()
		want := append(append([]uint64{}, onlyA...), onlyB...)
		if p != len(want) {
			t.Fatalf("m=%d: count = %d, want %d", m, p, len(want))
		}
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("m=%d: decoded %v, want %v", m, got, want)
			}
		}
	}
}

func TestOverCapacityNeverOverReports(t *testing.T) {
	// Past capacity the decoder usually fails; like the reference codec
	// it may occasionally miscorrect to a small bogus set (the layer
	// above catches that with checksums), but it can never report more
	// than t values or claim the full overload.
	for add := 10; add <= 60; add += 10 {
		s := mustNew(t, 8, 3)
		for v := uint64(1); v <= uint64(add); v++ {
			s.Add(v)
		}
		p, vals := s.Decode()
		if p > 3 {
			t.Fatalf("%d values in a capacity-3 sketch decoded with count %d", add, p)
		}
		if p >= 0 && len(vals) != p {
			t.Fatalf("count %d but %d values returned", p, len(vals))
		}
	}
}

func TestSerializeRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, tc := range []struct{ m, cap int }{{6, 6}, {8, 11}, {9, 13}, {11, 20}} {
		s := mustNew(t, tc.m, tc.cap)
		n := uint64(1)<<uint(tc.m) - 1
		for i := 0; i < tc.cap; i++ {
			s.Add(1 + uint64(rng.Int63n(int64(n))))
		}
		buf := s.Serialize()
		if len(buf) != s.SerializedSize() {
			t.Fatalf("(%d,%d): serialized %d bytes, want %d", tc.m, tc.cap, len(buf), s.SerializedSize())
		}

		s2 := mustNew(t, tc.m, tc.cap)
		if err := s2.Deserialize(buf); err != nil {
			t.Fatal(err)
		}
		// merging a sketch with its own copy must cancel completely
		if err := s2.Merge(s); err != nil {
			t.Fatal(err)
		}
		if p, _ := s2.Decode(); p != 0 {
			t.Fatalf("(%d,%d): sketch XOR its roundtrip copy decoded %d values", tc.m, tc.cap, p)
		}
	}
}

func TestDeserializeShortBuffer(t *testing.T) {
	s := mustNew(t, 8, 11)
	if err := s.Deserialize(make([]byte, s.SerializedSize()-1)); err == nil {
		t.Fatal("short buffer should fail")
	}
}

func TestRandomMerges(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	const m, capacity = 10, 16
	n := int64(1)<<m - 1
	for trial := 0; trial < 50; trial++ {
		d := 1 + rng.Intn(capacity)
		a := mustNew(t, m, capacity)
		b := mustNew(t, m, capacity)
		seen := map[uint64]bool{}
		diff := make([]uint64, 0, d)
		for len(diff) < d {
			v := 1 + uint64(rng.Int63n(n))
			if seen[v] {
				continue
			}
			seen[v] = true
			diff = append(diff, v)
			if len(diff)%2 == 0 {
				a.Add(v)
			} else {
				b.Add(v)
			}
		}
		a.Merge(b)
		p, got := a.Decode()
		if p != d {
			t.Fatalf("trial %d: count %d, want %d", trial, p, d)
		}
		gotSet := map[uint64]bool{}
		for _, v := range got {
			gotSet[v] = true
		}
		for _, v := range diff {
			if !gotSet[v] {
				t.Fatalf("trial %d: missing %d in %v", trial, v, got)
			}
		}
	}
}
