package pbs

import "errors"

// Protocol violations are fatal for the instance; transient algorithmic
// failures (BCH decode failure, checksum mismatch) never surface as
// errors — they are absorbed by splitting and cloning groups.
var (
	// ErrRoleViolation: an initiator invoked a responder operation or
	// vice versa. Roles lock at the first Decode/DecodeCheck.
	ErrRoleViolation = errors.New("pbs: operation not allowed for this role")

	// ErrNotEncoded: Decode/DecodeCheck called before this side encoded
	// in the current round.
	ErrNotEncoded = errors.New("pbs: no encoding for the current round")

	// ErrGroupCountMismatch: the peer message's group count disagrees
	// with local state.
	ErrGroupCountMismatch = errors.New("pbs: group count mismatch with peer message")

	// ErrHintIndexOutOfRange: a hint references a group beyond the
	// previous round's group count.
	ErrHintIndexOutOfRange = errors.New("pbs: hint index out of range")

	// ErrShortXorChecksum: the xor/checksum vectors are shorter than the
	// decoding message implies.
	ErrShortXorChecksum = errors.New("pbs: xor/checksum vectors shorter than decoding message")

	// ErrBinIndexOutOfRange: a peer message carries a bin index outside
	// [1, 2^m-2].
	ErrBinIndexOutOfRange = errors.New("pbs: decoded bin index out of range")
)
