package wire

import (
	"github.com/ryandielhenn/pbsync/pkg/bchsketch"
	"github.com/ryandielhenn/pbsync/pkg/bitio"
	"github.com/ryandielhenn/pbsync/pkg/gf"
)

// EncodingMessage carries one BCH sketch per group. On the wire the
// sketch blobs (m*t bits each) are bit-concatenated back to back and the
// whole message zero-padded to a byte boundary, so the size is
// ceil(m*t*g/8) regardless of group contents.
type EncodingMessage struct {
	FieldSize int
	Capacity  int
	NumGroups int
	Sketches  []*bchsketch.Sketch
}

// NewEncodingMessage allocates a message with g empty sketches of field
// width m and capacity t.
func NewEncodingMessage(m, t, g int) (*EncodingMessage, error) {
	msg := &EncodingMessage{
		FieldSize: m,
		Capacity:  t,
		NumGroups: g,
		Sketches:  make([]*bchsketch.Sketch, g),
	}
	for i := range msg.Sketches {
		s, err := bchsketch.New(m, t)
		if err != nil {
			return nil, err
		}
		msg.Sketches[i] = s
	}
	return msg, nil
}

func (e *EncodingMessage) Type() MessageType { return TypeEncoding }

func (e *EncodingMessage) SerializedSize() int {
	if e.FieldSize == 0 || e.Capacity == 0 {
		return 0
	}
	return bitio.BytesFor(e.FieldSize * e.Capacity * e.NumGroups)
}

// Write serializes into to, which must hold SerializedSize bytes.
// Returns the bytes written.
func (e *EncodingMessage) Write(to []byte) (int, error) {
	total := e.SerializedSize()
	if len(to) < total {
		return 0, ErrBufferTooShort
	}
	sketchBits := e.FieldSize * e.Capacity
	w := bitio.NewWriter(to)
	for _, sk := range e.Sketches {
		blob := sk.Serialize()
		rem := sketchBits
		for _, b := range blob {
			n := 8
			if rem < 8 {
				n = rem
			}
			w.Write(uint64(b), n)
			rem -= n
		}
	}
	w.Flush()
	return total, nil
}

// Parse rebuilds the g sketches from from. The shape (m, t, g) must be
// set before parsing; both peers derive it from their shared state.
func (e *EncodingMessage) Parse(from []byte) (int, error) {
	if e.FieldSize < gf.MinM || e.Capacity == 0 || e.NumGroups < 0 {
		return 0, ErrBadShape
	}
	total := e.SerializedSize()
	if len(from) < total {
		return 0, ErrBufferTooShort
	}
	sketchBits := e.FieldSize * e.Capacity
	r := bitio.NewReader(from)
	e.Sketches = make([]*bchsketch.Sketch, e.NumGroups)
	blob := make([]byte, bitio.BytesFor(sketchBits))
	for i := 0; i < e.NumGroups; i++ {
		rem := sketchBits
		for j := range blob {
			n := 8
			if rem < 8 {
				n = rem
			}
			blob[j] = byte(r.Read(n))
			rem -= n
		}
		sk, err := bchsketch.New(e.FieldSize, e.Capacity)
		if err != nil {
			return 0, err
		}
		if err := sk.Deserialize(blob); err != nil {
			return 0, err
		}
		e.Sketches[i] = sk
	}
	return total, nil
}
