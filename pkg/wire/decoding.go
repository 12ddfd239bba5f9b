package wire

import (
	"github.com/ryandielhenn/pbsync/pkg/bchsketch"
	"github.com/ryandielhenn/pbsync/pkg/bitio"
)

// DecodingMessage reports, per group, how many differences the merged
// BCH sketches decoded (or that decoding failed), followed by the
// decoded bin indices of all successful groups concatenated in group
// order. Counts and differences are stored apart to avoid per-group
// length overhead.
type DecodingMessage struct {
	FieldSize int
	Capacity  int
	NumGroups int

	// CountWidth is the bit width of each per-group count:
	// ceil(log2(t+2)), covering 0..t plus the failure sentinel.
	CountWidth int
	// FailureFlag is the all-ones sentinel meaning BCH decoding failed.
	FailureFlag uint64

	// NumDifferences[g] is the decoded difference count for group g, or
	// -1 on BCH failure.
	NumDifferences []int
	// Differences holds the decoded bin indices of every group with a
	// non-negative count, concatenated in group order.
	Differences []uint64
}

func NewDecodingMessage(m, t, g int) *DecodingMessage {
	w := countFieldWidth(t)
	return &DecodingMessage{
		FieldSize:      m,
		Capacity:       t,
		NumGroups:      g,
		CountWidth:     w,
		FailureFlag:    1<<uint(w) - 1,
		NumDifferences: make([]int, g),
	}
}

func (d *DecodingMessage) Type() MessageType { return TypeDecoding }

// SetWith merges each own sketch with the peer's and decodes, filling
// NumDifferences and Differences. Own sketches are consumed (the merge
// mutates them).
func (d *DecodingMessage) SetWith(own, other []*bchsketch.Sketch) error {
	d.Differences = d.Differences[:0]
	for g := range own {
		if err := own[g].Merge(other[g]); err != nil {
			return err
		}
		p, diffs := own[g].Decode()
		d.NumDifferences[g] = p
		if p > 0 {
			d.Differences = append(d.Differences, diffs...)
		}
	}
	return nil
}

func (d *DecodingMessage) SerializedSize() int {
	return bitio.BytesFor(d.CountWidth*d.NumGroups + d.FieldSize*len(d.Differences))
}

func (d *DecodingMessage) Write(to []byte) (int, error) {
	total := d.SerializedSize()
	if len(to) < total {
		return 0, ErrBufferTooShort
	}
	w := bitio.NewWriter(to)
	for _, p := range d.NumDifferences {
		v := d.FailureFlag
		if p >= 0 {
			v = uint64(p)
		}
		w.Write(v, d.CountWidth)
	}
	for _, diff := range d.Differences {
		w.Write(diff, d.FieldSize)
	}
	w.Flush()
	return total, nil
}

// Parse reads counts then differences. The shape (m, t, g) must be set
// (use NewDecodingMessage); the count fields determine how many
// difference values follow.
func (d *DecodingMessage) Parse(from []byte) (int, error) {
	if d.CountWidth == 0 || len(d.NumDifferences) != d.NumGroups {
		return 0, ErrBadShape
	}
	r := bitio.NewReader(from)
	count := 0
	for g := range d.NumDifferences {
		v := r.Read(d.CountWidth)
		if v == d.FailureFlag {
			d.NumDifferences[g] = -1
		} else {
			d.NumDifferences[g] = int(v)
			count += int(v)
		}
	}
	d.Differences = make([]uint64, count)
	total := d.SerializedSize()
	if len(from) < total {
		return 0, ErrBufferTooShort
	}
	for i := range d.Differences {
		d.Differences[i] = r.Read(d.FieldSize)
	}
	return total, nil
}
