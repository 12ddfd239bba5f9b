package wire

import (
	"math/rand"
	"testing"

	"github.com/ryandielhenn/pbsync/pkg/bchsketch"
)

func TestEncodingRoundtrip(t *testing.T) {
	const m, capacity, groups = 8, 11, 7
	rng := rand.New(rand.NewSource(3))

	msg, err := NewEncodingMessage(m, capacity, groups)
	if err != nil {
		t.Fatal(err)
	}
	for _, sk := range msg.Sketches {
		for i := 0; i < 5; i++ {
			if err := sk.Add(1 + uint64(rng.Intn(254))); err != nil {
				t.Fatal(err)
			}
		}
	}

	buf := make([]byte, msg.SerializedSize())
	n, err := msg.Write(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("wrote %d bytes, want %d", n, len(buf))
	}
	if want := (m*capacity*groups + 7) / 8; n != want {
		t.Fatalf("size = %d, want %d", n, want)
	}

	parsed := &EncodingMessage{FieldSize: m, Capacity: capacity, NumGroups: groups}
	if _, err := parsed.Parse(buf); err != nil {
		t.Fatal(err)
	}
	for g := 0; g < groups; g++ {
		// merging a sketch with its parsed copy must cancel to nothing
		cp, _ := bchsketch.New(m, capacity)
		if err := cp.Deserialize(msg.Sketches[g].Serialize()); err != nil {
			t.Fatal(err)
		}
		if err := cp.Merge(parsed.Sketches[g]); err != nil {
			t.Fatal(err)
		}
		if p, _ := cp.Decode(); p != 0 {
			t.Fatalf("group %d: parsed sketch differs from original", g)
		}
	}
}

func TestEncodingShortBuffer(t *testing.T) {
	msg, _ := NewEncodingMessage(8, 11, 3)
	if _, err := msg.Write(make([]byte, msg.SerializedSize()-1)); err == nil {
		t.Fatal("short write buffer must fail")
	}
	parsed := &EncodingMessage{FieldSize: 8, Capacity: 11, NumGroups: 3}
	if _, err := parsed.Parse(make([]byte, msg.SerializedSize()-1)); err == nil {
		t.Fatal("short parse buffer must fail")
	}
}

func TestDecodingRoundtrip(t *testing.T) {
	const m, capacity, groups = 8, 11, 5
	msg := NewDecodingMessage(m, capacity, groups)
	msg.NumDifferences = []int{2, -1, 0, 3, 1}
	msg.Differences = []uint64{10, 200, 31, 77, 254, 1}

	if msg.CountWidth != 4 {
		t.Fatalf("CountWidth = %d, want 4", msg.CountWidth)
	}
	if msg.FailureFlag != 15 {
		t.Fatalf("FailureFlag = %d, want 15", msg.FailureFlag)
	}

	buf := make([]byte, msg.SerializedSize())
	if _, err := msg.Write(buf); err != nil {
		t.Fatal(err)
	}
	if want := (4*groups + m*6 + 7) / 8; len(buf) != want {
		t.Fatalf("size = %d, want %d", len(buf), want)
	}

	parsed := NewDecodingMessage(m, capacity, groups)
	if _, err := parsed.Parse(buf); err != nil {
		t.Fatal(err)
	}
	for g, p := range msg.NumDifferences {
		if parsed.NumDifferences[g] != p {
			t.Fatalf("group %d: count %d, want %d", g, parsed.NumDifferences[g], p)
		}
	}
	if len(parsed.Differences) != len(msg.Differences) {
		t.Fatalf("differences length %d, want %d", len(parsed.Differences), len(msg.Differences))
	}
	for i := range msg.Differences {
		if parsed.Differences[i] != msg.Differences[i] {
			t.Fatalf("difference %d: %d, want %d", i, parsed.Differences[i], msg.Differences[i])
		}
	}
}

func TestDecodingFailureSentinelNeverCollides(t *testing.T) {
	// the sentinel must be distinguishable from every legal count 0..t
	for _, capacity := range []int{1, 5, 6, 7, 11, 15, 63, 200} {
		msg := NewDecodingMessage(8, capacity, 1)
		if msg.FailureFlag <= uint64(capacity) {
			t.Fatalf("t=%d: sentinel %d collides with a legal count", capacity, msg.FailureFlag)
		}
	}
}

func TestHintRoundtrip(t *testing.T) {
	for _, tc := range []struct {
		prev    int
		indices []uint32
	}{
		{10, []uint32{0, 3, 7, 9}},
		{10, []uint32{5}},
		{10, []uint32{0}},
		{10, nil},
		{1, []uint32{0}},
		{300, []uint32{1, 2, 299}},
		{8, []uint32{0, 1, 2, 3, 4, 5, 6, 7}},
	} {
		h := NewEncodingHintMessage(tc.prev)
		for _, gid := range tc.indices {
			if err := h.AddGroupID(gid); err != nil {
				t.Fatal(err)
			}
		}
		buf := make([]byte, h.SerializedSize())
		if _, err := h.Write(buf); err != nil {
			t.Fatal(err)
		}

		parsed := NewEncodingHintMessage(tc.prev)
		if _, err := parsed.Parse(buf); err != nil {
			t.Fatal(err)
		}
		if len(parsed.Groups) != len(tc.indices) {
			t.Fatalf("prev=%d %v: parsed %v", tc.prev, tc.indices, parsed.Groups)
		}
		for i := range tc.indices {
			if parsed.Groups[i] != tc.indices[i] {
				t.Fatalf("prev=%d: index %d = %d, want %d", tc.prev, i, parsed.Groups[i], tc.indices[i])
			}
		}
	}
}

func TestHintRejectsOutOfRange(t *testing.T) {
	h := NewEncodingHintMessage(4)
	if err := h.AddGroupID(4); err == nil {
		t.Fatal("index == MaxRange must be rejected")
	}

	// a buffer whose bits decode past the range must fail to parse
	bad := NewEncodingHintMessage(16)
	bad.AddGroupID(9)
	buf := make([]byte, bad.SerializedSize())
	bad.Write(buf)
	narrow := NewEncodingHintMessage(9) // same width, tighter range
	if _, err := narrow.Parse(buf); err == nil {
		t.Fatal("out-of-range parsed index must fail")
	}
}
