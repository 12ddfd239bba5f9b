package wire

import (
	"fmt"

	"github.com/ryandielhenn/pbsync/pkg/bitio"
)

// EncodingHintMessage lists the group indices (in the previous round's
// numbering) where the initiator's checksum verification failed. Each
// index is packed in ceil(log2(prevGroups)) bits. Indices are always
// produced in ascending order, which is what lets the parser tell real
// trailing indices apart from the zero padding in the final byte.
type EncodingHintMessage struct {
	// MaxRange is the previous round's group count; indices are < MaxRange.
	MaxRange int
	Groups   []uint32
}

func NewEncodingHintMessage(maxRange int) *EncodingHintMessage {
	return &EncodingHintMessage{MaxRange: maxRange}
}

func (h *EncodingHintMessage) Type() MessageType { return TypeEncodingHint }

// AddGroupID appends an index; callers add them in ascending order.
func (h *EncodingHintMessage) AddGroupID(gid uint32) error {
	if int(gid) >= h.MaxRange {
		return fmt.Errorf("wire: hint index %d out of range %d", gid, h.MaxRange)
	}
	h.Groups = append(h.Groups, gid)
	return nil
}

func (h *EncodingHintMessage) IndexWidth() int {
	return hintIndexWidth(h.MaxRange)
}

func (h *EncodingHintMessage) SerializedSize() int {
	return bitio.BytesFor(len(h.Groups) * h.IndexWidth())
}

func (h *EncodingHintMessage) Write(to []byte) (int, error) {
	total := h.SerializedSize()
	if len(to) < total {
		return 0, ErrBufferTooShort
	}
	w := bitio.NewWriter(to)
	width := h.IndexWidth()
	for _, gid := range h.Groups {
		w.Write(uint64(gid), width)
	}
	w.Flush()
	return total, nil
}

// Parse reads ascending indices until the sequence stops increasing or
// the buffer runs out. MaxRange must be set before parsing.
func (h *EncodingHintMessage) Parse(from []byte) (int, error) {
	if h.MaxRange <= 0 {
		return 0, ErrBadShape
	}
	h.Groups = h.Groups[:0]
	width := h.IndexWidth()
	r := bitio.NewReader(from)
	avail := len(from) * 8 / width
	for i := 0; i < avail; i++ {
		v := uint32(r.Read(width))
		if int(v) >= h.MaxRange {
			return 0, fmt.Errorf("wire: hint index %d out of range %d", v, h.MaxRange)
		}
		if i > 0 && v <= h.Groups[len(h.Groups)-1] {
			break // zero padding
		}
		h.Groups = append(h.Groups, v)
	}
	return h.SerializedSize(), nil
}
