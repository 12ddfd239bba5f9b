// Package pbs implements the Parity Bitmap Sketch reconciliation
// protocol. Two peers each feed their keys into a Reconciler and
// exchange Encoding / Decoding / EncodingHint messages until both hold
// the symmetric difference; the transported volume is proportional to
// the difference size, not the set sizes.
//
// One side becomes the initiator (it calls DecodeCheck), the other the
// responder (it calls Decode). A round is one encode-decode-check cycle:
//
//	a, _ := pbs.New(dhat)        // initiator
//	b, _ := pbs.New(dhat)        // responder, same knobs and seed
//	...Add keys to both...
//	encA, _, _ := a.Encode()
//	b.Encode()
//	dec, xors, sums, _ := b.Decode(encA)
//	for {
//		done, _ := a.DecodeCheck(dec, xors, sums)
//		if done { break }
//		encA, hint, _ := a.Encode()
//		encB, _ := b.EncodeWithHint(hint)
//		dec, xors, sums, _ = b.Decode(encA)
//		_ = encB
//	}
//
// Keys recovered each round are reported by DifferencesLastRound; keys
// appearing an odd number of times across rounds are true differences
// (re-recovery of a key in a later round cancels a phantom from an
// earlier one).
package pbs

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/pbsync/pkg/bchsketch"
	"github.com/ryandielhenn/pbsync/pkg/paramoracle"
	"github.com/ryandielhenn/pbsync/pkg/wire"
)

// Role identifies which side of the protocol an instance is driving.
// It locks at the first Decode (responder) or DecodeCheck (initiator)
// and never flips.
type Role int

const (
	RoleUndetermined Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "undetermined"
	}
}

// defaultOracle backs reconcilers that were not handed one explicitly.
// Tests and servers that care about cache placement inject their own
// via WithOracle.
var defaultOracle = sync.OnceValue(func() *paramoracle.Oracle {
	dir := ""
	if base, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(base, "pbsync")
	}
	return paramoracle.NewOracle(paramoracle.NewCache(paramoracle.DefaultCacheCapacity, dir), nil)
})

// Reconciler is one endpoint of a PBS session. It is not safe for
// concurrent use; the protocol drives it strictly serially.
type Reconciler struct {
	cfg    Config
	oracle *paramoracle.Oracle
	log    *zap.Logger

	params   paramoracle.Params
	residual float64
	fieldLen int // BCH block length, 2^m - 1
	initial  int // group count at round 0

	round     int
	remaining int
	role      Role

	// struct-of-arrays group state, indexed by group ordinal; groups are
	// appended (splits, clones) and the front dropped once per round
	groups    [][]uint64
	originGID []int
	xorBin    []uint64 // remaining * fieldLen entries
	checksums []uint64

	enc        *wire.EncodingMessage // this round's own encoding
	exceptions []uint32              // checksum-failed groups, previous numbering
	prevGroups int                   // group count the exceptions refer to

	recovered [][]uint64 // per round

	splits     int
	mismatches int
}

// New builds a reconciler for an estimated difference of numDiffs keys.
// Construction runs the parameter search; if even the best parameters
// miss the success target the residual is logged and reported via
// ResidualFailureBound, and the instance still works (later rounds
// compensate).
func New(numDiffs int, opts ...Option) (*Reconciler, error) {
	if numDiffs < 1 {
		return nil, fmt.Errorf("pbs: difference estimate %d must be at least 1", numDiffs)
	}
	r := &Reconciler{log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg.applyDefaults()
	if r.oracle == nil {
		r.oracle = defaultOracle()
	}

	r.params, r.residual = r.oracle.BestParams(
		numDiffs, r.cfg.AvgDiffsPerGroup, r.cfg.MaxRounds,
		r.cfg.SubgroupsOnFailure, r.cfg.TargetSuccessProb)
	r.fieldLen = 1<<uint(r.params.M) - 1

	r.initial = int(math.Ceil(float64(numDiffs) / r.cfg.AvgDiffsPerGroup))
	r.remaining = r.initial
	r.groups = make([][]uint64, r.initial)
	r.originGID = make([]int, r.initial)
	for g := range r.originGID {
		r.originGID[g] = g
	}
	r.xorBin = make([]uint64, r.initial*r.fieldLen)
	r.checksums = make([]uint64, r.initial)

	if 1-r.residual < r.cfg.TargetSuccessProb {
		r.log.Warn("reconciler under-provisioned for success target",
			zap.Int("d", numDiffs),
			zap.Float64("target", r.cfg.TargetSuccessProb),
			zap.Float64("residual", r.residual))
	}
	return r, nil
}

// Add places a key into its group. All keys must be added before the
// first Encode.
func (r *Reconciler) Add(key uint64) {
	gid := r.groupID(key)
	r.groups[gid] = append(r.groups[gid], key)
}

// Encode builds this round's sketches. The initiator's non-initial
// encodes also return the hint message listing the groups where the
// previous round's checksum verification failed (nil when none did).
// The responder encodes once before its first Decode and uses
// EncodeWithHint afterwards.
func (r *Reconciler) Encode() (*wire.EncodingMessage, *wire.EncodingHintMessage, error) {
	if r.role == RoleResponder {
		return nil, nil, ErrRoleViolation
	}
	enc, err := wire.NewEncodingMessage(r.params.M, r.params.T, r.remaining)
	if err != nil {
		return nil, nil, err
	}
	for g := 0; g < r.remaining; g++ {
		r.encodeGroup(g, enc.Sketches[g])
	}
	r.enc = enc

	var hint *wire.EncodingHintMessage
	if len(r.exceptions) > 0 {
		hint = wire.NewEncodingHintMessage(r.prevGroups)
		for _, gid := range r.exceptions {
			if err := hint.AddGroupID(gid); err != nil {
				return nil, nil, err
			}
		}
		r.exceptions = r.exceptions[:0]
	}
	return enc, hint, nil
}

// Decode locks the responder role. It merges this side's sketches with
// the peer's, decodes each group, splits groups where BCH failed, and
// returns the decoding message together with the parallel xor and
// checksum vectors the initiator needs for verification.
func (r *Reconciler) Decode(other *wire.EncodingMessage) (*wire.DecodingMessage, []uint64, []uint64, error) {
	if r.role == RoleInitiator {
		return nil, nil, nil, ErrRoleViolation
	}
	if r.enc == nil {
		return nil, nil, nil, ErrNotEncoded
	}
	if other.NumGroups != r.remaining {
		return nil, nil, nil, ErrGroupCountMismatch
	}
	r.role = RoleResponder

	msg := wire.NewDecodingMessage(r.params.M, r.params.T, r.remaining)
	if err := msg.SetWith(r.enc.Sketches, other.Sketches); err != nil {
		return nil, nil, nil, err
	}
	r.demoteInvalidBins(msg)

	var xors, sums []uint64
	offset := 0
	for g, p := range msg.NumDifferences {
		if p < 0 {
			r.threeWaySplit(g)
			continue
		}
		start := g * r.fieldLen
		for k := 0; k < p; k++ {
			bid := msg.Differences[offset+k]
			xors = append(xors, r.xorBin[start+int(bid)])
		}
		offset += p
		sums = append(sums, r.checksums[g])
	}

	r.enc = nil
	r.round++
	return msg, xors, sums, nil
}

// DecodeCheck locks the initiator role. For every group it recovers
// candidate keys from the peer's xors, accepts those whose bin and
// origin-group hashes check out, and verifies the group checksum.
// Checksum failures clone the group for another round and are reported
// to the peer in the next Encode's hint. Returns true when no groups
// remain.
func (r *Reconciler) DecodeCheck(msg *wire.DecodingMessage, xors, sums []uint64) (bool, error) {
	if r.role == RoleResponder {
		return false, ErrRoleViolation
	}
	if r.enc == nil {
		return false, ErrNotEncoded
	}
	if msg.NumGroups != r.remaining {
		return false, ErrGroupCountMismatch
	}
	need, succ := 0, 0
	for _, p := range msg.NumDifferences {
		if p >= 0 {
			need += p
			succ++
		}
	}
	if len(msg.Differences) < need || len(xors) < need || len(sums) < succ {
		return false, ErrShortXorChecksum
	}
	for _, bid := range msg.Differences[:need] {
		if bid == 0 || bid >= uint64(r.fieldLen) {
			return false, ErrBinIndexOutOfRange
		}
	}
	r.role = RoleInitiator

	r.recovered = append(r.recovered, nil)
	prev := r.remaining
	r.prevGroups = prev
	r.exceptions = r.exceptions[:0]

	// split the BCH-failed groups first; the responder appended its
	// splits during Decode, before the hint exists, so clones must come
	// after all splits for the two sides' group orders to line up
	for g := 0; g < prev; g++ {
		if msg.NumDifferences[g] < 0 {
			r.threeWaySplit(g)
		}
	}

	offset, cid := 0, 0
	for g := 0; g < prev; g++ {
		p := msg.NumDifferences[g]
		if p < 0 {
			continue
		}
		r.checkGroup(g, msg.Differences[offset:offset+p], xors[offset:offset+p], sums[cid])
		offset += p
		cid++
	}

	r.compact(prev)
	r.enc = nil
	r.round++
	if r.remaining == 0 {
		r.log.Debug("reconciliation complete",
			zap.Int("rounds", r.round),
			zap.Int("splits", r.splits),
			zap.Int("checksum_mismatches", r.mismatches))
		return true, nil
	}
	return false, nil
}

// EncodeWithHint is the responder's non-initial encode. It re-appends
// the hinted groups (its BCH-failure splits were already appended during
// Decode), drops the finished front, and encodes everything that
// remains.
func (r *Reconciler) EncodeWithHint(hint *wire.EncodingHintMessage) (*wire.EncodingMessage, error) {
	if r.role != RoleResponder {
		return nil, ErrRoleViolation
	}
	front := r.remaining
	if hint != nil {
		for _, gid := range hint.Groups {
			if int(gid) >= front {
				return nil, ErrHintIndexOutOfRange
			}
		}
		for _, gid := range hint.Groups {
			r.cloneGroup(int(gid))
		}
	}
	r.compact(front)

	enc, err := wire.NewEncodingMessage(r.params.M, r.params.T, r.remaining)
	if err != nil {
		return nil, err
	}
	for g := 0; g < r.remaining; g++ {
		r.encodeGroup(g, enc.Sketches[g])
	}
	r.enc = enc
	return enc, nil
}

// Rounds returns how many encode-decode-check cycles have completed on
// this side.
func (r *Reconciler) Rounds() int { return r.round }

// Role reports which side this instance locked into.
func (r *Reconciler) Role() Role { return r.role }

// Params returns the BCH parameters chosen at construction.
func (r *Reconciler) Params() paramoracle.Params { return r.params }

// ResidualFailureBound is the failure-probability bound of the chosen
// parameters; above 1 - TargetSuccessProb means under-provisioned.
func (r *Reconciler) ResidualFailureBound() float64 { return r.residual }

// RemainingGroups is the number of unresolved groups.
func (r *Reconciler) RemainingGroups() int { return r.remaining }

// DifferencesLastRound returns the keys recovered by the most recent
// DecodeCheck. Initiator only.
func (r *Reconciler) DifferencesLastRound() []uint64 {
	if len(r.recovered) == 0 {
		return nil
	}
	return r.recovered[len(r.recovered)-1]
}

// DifferencesAll returns the per-round recovered keys. Keys with odd
// total multiplicity are the true symmetric difference.
func (r *Reconciler) DifferencesAll() [][]uint64 { return r.recovered }

// GroupsSplit counts three-way splits performed so far.
func (r *Reconciler) GroupsSplit() int { return r.splits }

// ChecksumMismatches counts type I/II exceptions seen so far.
func (r *Reconciler) ChecksumMismatches() int { return r.mismatches }

func (r *Reconciler) groupID(key uint64) int {
	return int(hashKey(key, r.cfg.Seed) % uint64(r.initial))
}

func (r *Reconciler) binID(key uint64) uint64 {
	return hashKey(key, r.cfg.Seed+binSeedOffset+uint64(r.round))%uint64(r.fieldLen-1) + 1
}

func (r *Reconciler) encodeGroup(gid int, sk *bchsketch.Sketch) {
	bitmap := make([]uint8, r.fieldLen)
	start := gid * r.fieldLen
	for _, elm := range r.groups[gid] {
		loc := int(r.binID(elm))
		bitmap[loc] ^= 1
		r.xorBin[start+loc] ^= elm
		r.checksums[gid] ^= elm
	}
	for k := 1; k < r.fieldLen; k++ {
		if bitmap[k] != 0 {
			_ = sk.Add(uint64(k)) // k in (0, 2^m-1), cannot fail
		}
	}
}

// demoteInvalidBins downgrades to BCH failure any group whose decode
// produced a root outside the bin range [1, 2^m-2]. An overloaded merged
// sketch can miscorrect to arbitrary field elements; both sides decode
// the same sketches, so demoting here keeps the peers' split decisions
// aligned.
func (r *Reconciler) demoteInvalidBins(msg *wire.DecodingMessage) {
	offset := 0
	var kept []uint64
	for g, p := range msg.NumDifferences {
		if p < 0 {
			continue
		}
		bids := msg.Differences[offset : offset+p]
		offset += p
		valid := true
		for _, bid := range bids {
			if bid == 0 || bid >= uint64(r.fieldLen) {
				valid = false
				break
			}
		}
		if !valid {
			msg.NumDifferences[g] = -1
			continue
		}
		kept = append(kept, bids...)
	}
	msg.Differences = kept
}

// threeWaySplit redistributes a BCH-failed group over
// SubgroupsOnFailure fresh groups appended at the tail, using the
// independent split seed. Both peers observe the same failure and split
// identically, keeping group order aligned.
func (r *Reconciler) threeWaySplit(gid int) {
	c := r.cfg.SubgroupsOnFailure
	base := len(r.groups)
	for i := 0; i < c; i++ {
		r.groups = append(r.groups, nil)
		r.originGID = append(r.originGID, r.originGID[gid])
		r.checksums = append(r.checksums, 0)
	}
	r.xorBin = append(r.xorBin, make([]uint64, c*r.fieldLen)...)

	seed := r.cfg.Seed + splitSeedOffset + uint64(r.round)
	for _, elm := range r.groups[gid] {
		idx := int(hashKey(elm, seed) % uint64(c))
		r.groups[base+idx] = append(r.groups[base+idx], elm)
	}
	r.splits++
}

// cloneGroup re-appends a group with fresh xor/checksum state, keeping
// its origin group id.
func (r *Reconciler) cloneGroup(gid int) {
	r.groups = append(r.groups, r.groups[gid])
	r.originGID = append(r.originGID, r.originGID[gid])
	r.xorBin = append(r.xorBin, make([]uint64, r.fieldLen)...)
	r.checksums = append(r.checksums, 0)
}

// checkGroup verifies one successfully decoded group. A candidate is
// accepted only if it hashes back to the decoded bin and to the group's
// origin id; a bin collision of several keys produces an XOR phantom
// that fails one of the two. The checksum catches what the hashes
// cannot; on mismatch the accepted candidates are folded into the group
// (commons cancel next round) and the group is cloned for re-encoding.
func (r *Reconciler) checkGroup(gid int, bids, axors []uint64, sum uint64) {
	var accepted []uint64
	bsum := r.checksums[gid]
	start := gid * r.fieldLen
	for i, bid := range bids {
		elm := axors[i] ^ r.xorBin[start+int(bid)]
		if r.binID(elm) == bid && r.groupID(elm) == r.originGID[gid] {
			accepted = append(accepted, elm)
			bsum ^= elm
		}
	}
	last := len(r.recovered) - 1
	r.recovered[last] = append(r.recovered[last], accepted...)

	if sum != bsum {
		r.mismatches++
		r.groups[gid] = append(r.groups[gid], accepted...)
		r.cloneGroup(gid)
		r.exceptions = append(r.exceptions, uint32(gid))
	}
}

// compact drops the first front groups; only the freshly appended splits
// and clones survive into the next round.
func (r *Reconciler) compact(front int) {
	r.groups = r.groups[front:]
	r.originGID = r.originGID[front:]
	r.xorBin = r.xorBin[front*r.fieldLen:]
	r.checksums = r.checksums[front:]
	r.remaining = len(r.groups)
}
