package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/pbsync/internal/telemetry"
	"github.com/ryandielhenn/pbsync/pkg/pbs"
	"github.com/ryandielhenn/pbsync/pkg/wire"
)

// The session transport is deliberately tiny: length-prefixed frames
// carrying the PBS wire messages plus the parallel xor/checksum vectors
// and a final push/pull exchange. PBS only needs opaque byte buffers
// delivered in order.
//
//	I -> R  hello      (id, key count)
//	R -> I  helloAck   (id, key count)
//	I -> R  session    (d̂ and the protocol knobs)
//	I -> R  encoding
//	R -> I  decoding   (+ xors + checksums)         } repeated, with a
//	I -> R  hint, encoding                          } hint before every
//	...                                             } non-initial encoding
//	I -> R  sync       (pushed key/values, pulled keys)
//	R -> I  syncAck    (values for the pulled keys)
const (
	frameHello    byte = 0x01
	frameHelloAck byte = 0x02
	frameSession  byte = 0x03
	frameEncoding byte = 0x11
	frameDecoding byte = 0x12
	frameHint     byte = 0x13
	frameSync     byte = 0x21
	frameSyncAck  byte = 0x22

	maxFramePayload = 64 << 20
)

var (
	ErrIncomplete = errors.New("node: reconciliation incomplete within max rounds")

	errBadFrame = errors.New("node: unexpected frame")
)

// SessionStats summarizes one reconciliation session.
type SessionStats struct {
	Peer          string        `json:"peer"`
	Rounds        int           `json:"rounds"`
	Recovered     int           `json:"recovered"`
	Pushed        int           `json:"pushed"`
	Pulled        int           `json:"pulled"`
	BytesSent     int64         `json:"bytes_sent"`
	BytesReceived int64         `json:"bytes_received"`
	Duration      time.Duration `json:"duration_ns"`
}

type frameConn struct {
	br   *bufio.Reader
	bw   *bufio.Writer
	sent int64
	rcvd int64
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
}

func (f *frameConn) write(kind byte, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
	hdr[4] = kind
	if _, err := f.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.bw.Write(payload); err != nil {
		return err
	}
	f.sent += int64(len(hdr)) + int64(len(payload))
	telemetry.MessageBytesTotal.WithLabelValues(kindName(kind), "sent").Add(float64(len(payload)))
	return f.bw.Flush()
}

func (f *frameConn) read() (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(f.br, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	if size > maxFramePayload {
		return 0, nil, fmt.Errorf("node: frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.br, payload); err != nil {
		return 0, nil, err
	}
	kind := hdr[4]
	f.rcvd += int64(len(hdr)) + int64(size)
	telemetry.MessageBytesTotal.WithLabelValues(kindName(kind), "received").Add(float64(size))
	return kind, payload, nil
}

func (f *frameConn) expect(kind byte) ([]byte, error) {
	got, payload, err := f.read()
	if err != nil {
		return nil, err
	}
	if got != kind {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", errBadFrame, got, kind)
	}
	return payload, nil
}

func kindName(kind byte) string {
	switch kind {
	case frameEncoding:
		return "encoding"
	case frameDecoding:
		return "decoding"
	case frameHint:
		return "hint"
	case frameSync, frameSyncAck:
		return "sync"
	default:
		return "control"
	}
}

// ---- payload codecs ----

func marshalHello(id string, count int) []byte {
	buf := make([]byte, 4+2+len(id))
	binary.LittleEndian.PutUint32(buf[0:], uint32(count))
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(id)))
	copy(buf[6:], id)
	return buf
}

func unmarshalHello(b []byte) (id string, count int, err error) {
	if len(b) < 6 {
		return "", 0, errBadFrame
	}
	count = int(binary.LittleEndian.Uint32(b[0:]))
	idLen := int(binary.LittleEndian.Uint16(b[4:]))
	if len(b) < 6+idLen {
		return "", 0, errBadFrame
	}
	return string(b[6 : 6+idLen]), count, nil
}

func marshalSession(dhat int, cfg pbs.Config) []byte {
	buf := make([]byte, 4+8+1+1+8+8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(dhat))
	binary.LittleEndian.PutUint64(buf[4:], cfg.Seed)
	buf[12] = byte(cfg.MaxRounds)
	buf[13] = byte(cfg.SubgroupsOnFailure)
	binary.LittleEndian.PutUint64(buf[14:], math.Float64bits(cfg.AvgDiffsPerGroup))
	binary.LittleEndian.PutUint64(buf[22:], math.Float64bits(cfg.TargetSuccessProb))
	return buf
}

func unmarshalSession(b []byte) (dhat int, cfg pbs.Config, err error) {
	if len(b) < 30 {
		return 0, cfg, errBadFrame
	}
	dhat = int(binary.LittleEndian.Uint32(b[0:]))
	cfg.Seed = binary.LittleEndian.Uint64(b[4:])
	cfg.MaxRounds = int(b[12])
	cfg.SubgroupsOnFailure = int(b[13])
	cfg.AvgDiffsPerGroup = math.Float64frombits(binary.LittleEndian.Uint64(b[14:]))
	cfg.TargetSuccessProb = math.Float64frombits(binary.LittleEndian.Uint64(b[22:]))
	if dhat < 1 {
		return 0, cfg, errBadFrame
	}
	return dhat, cfg, nil
}

func marshalDecoding(dec *wire.DecodingMessage, xors, sums []uint64) ([]byte, error) {
	decBytes := make([]byte, dec.SerializedSize())
	if _, err := dec.Write(decBytes); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 12+len(decBytes)+8*(len(xors)+len(sums)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(decBytes)))
	buf = append(buf, decBytes...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(xors)))
	for _, v := range xors {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sums)))
	for _, v := range sums {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf, nil
}

func unmarshalDecoding(b []byte, m, t, groups int) (*wire.DecodingMessage, []uint64, []uint64, error) {
	if len(b) < 4 {
		return nil, nil, nil, errBadFrame
	}
	decLen := int(binary.LittleEndian.Uint32(b[0:]))
	b = b[4:]
	if len(b) < decLen {
		return nil, nil, nil, errBadFrame
	}
	dec := wire.NewDecodingMessage(m, t, groups)
	if _, err := dec.Parse(b[:decLen]); err != nil {
		return nil, nil, nil, err
	}
	b = b[decLen:]

	readVec := func() ([]uint64, error) {
		if len(b) < 4 {
			return nil, errBadFrame
		}
		count := int(binary.LittleEndian.Uint32(b[0:]))
		b = b[4:]
		if len(b) < count*8 {
			return nil, errBadFrame
		}
		out := make([]uint64, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(b[i*8:])
		}
		b = b[count*8:]
		return out, nil
	}
	xors, err := readVec()
	if err != nil {
		return nil, nil, nil, err
	}
	sums, err := readVec()
	if err != nil {
		return nil, nil, nil, err
	}
	return dec, xors, sums, nil
}

type keyValue struct {
	key uint64
	val []byte
}

func marshalSync(pushes []keyValue, pulls []uint64) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pushes)))
	for _, kv := range pushes {
		buf = binary.LittleEndian.AppendUint64(buf, kv.key)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(kv.val)))
		buf = append(buf, kv.val...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pulls)))
	for _, k := range pulls {
		buf = binary.LittleEndian.AppendUint64(buf, k)
	}
	return buf
}

func unmarshalSync(b []byte) (pushes []keyValue, pulls []uint64, err error) {
	if len(b) < 4 {
		return nil, nil, errBadFrame
	}
	np := int(binary.LittleEndian.Uint32(b[0:]))
	b = b[4:]
	for i := 0; i < np; i++ {
		if len(b) < 12 {
			return nil, nil, errBadFrame
		}
		key := binary.LittleEndian.Uint64(b[0:])
		vlen := int(binary.LittleEndian.Uint32(b[8:]))
		b = b[12:]
		if len(b) < vlen {
			return nil, nil, errBadFrame
		}
		pushes = append(pushes, keyValue{key: key, val: append([]byte(nil), b[:vlen]...)})
		b = b[vlen:]
	}
	if len(b) < 4 {
		return nil, nil, errBadFrame
	}
	nq := int(binary.LittleEndian.Uint32(b[0:]))
	b = b[4:]
	if len(b) < nq*8 {
		return nil, nil, errBadFrame
	}
	for i := 0; i < nq; i++ {
		pulls = append(pulls, binary.LittleEndian.Uint64(b[i*8:]))
	}
	return pushes, pulls, nil
}

// ---- initiator ----

// ReconcileWith runs one session as the initiator against addr, leaving
// both stores holding the union of keys.
func (n *Node) ReconcileWith(ctx context.Context, peerID, addr string) (*SessionStats, error) {
	start := time.Now()
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", NormalizeHostPort(addr, DefaultSyncPort))
	if err != nil {
		telemetry.SessionsTotal.WithLabelValues("initiator", "dial_error").Inc()
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	fc := newFrameConn(conn)

	keys := n.store.Keys()
	if err := fc.write(frameHello, marshalHello(n.cfg.ID, len(keys))); err != nil {
		return nil, err
	}
	ack, err := fc.expect(frameHelloAck)
	if err != nil {
		telemetry.SessionsTotal.WithLabelValues("initiator", "handshake_error").Inc()
		return nil, err
	}
	remoteID, remoteCount, err := unmarshalHello(ack)
	if err != nil {
		return nil, err
	}
	n.detector.Observe(remoteID, time.Now())

	dhat := n.cfg.Estimator.Estimate(len(keys), remoteCount)
	cfg := n.cfg.Protocol.WithDefaults()
	if err := fc.write(frameSession, marshalSession(dhat, cfg)); err != nil {
		return nil, err
	}

	rec, err := n.newReconciler(dhat, cfg)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		rec.Add(k)
	}

	enc, _, err := rec.Encode()
	if err != nil {
		return nil, err
	}
	if err := n.sendEncoding(fc, enc, nil, false); err != nil {
		return nil, err
	}

	p := rec.Params()
	counts := map[uint64]int{}
	for {
		payload, err := fc.expect(frameDecoding)
		if err != nil {
			telemetry.SessionsTotal.WithLabelValues("initiator", "transport_error").Inc()
			return nil, err
		}
		dec, xors, sums, err := unmarshalDecoding(payload, p.M, p.T, rec.RemainingGroups())
		if err != nil {
			return nil, err
		}
		done, err := rec.DecodeCheck(dec, xors, sums)
		if err != nil {
			telemetry.SessionsTotal.WithLabelValues("initiator", "protocol_error").Inc()
			return nil, err
		}
		for _, k := range rec.DifferencesLastRound() {
			counts[k]++
		}
		if done {
			break
		}
		if rec.Rounds() >= cfg.MaxRounds {
			telemetry.SessionsTotal.WithLabelValues("initiator", "incomplete").Inc()
			n.log.Warn("abandoning session",
				zap.String("peer", peerID),
				zap.Int("rounds", rec.Rounds()),
				zap.Int("remaining_groups", rec.RemainingGroups()))
			return nil, ErrIncomplete
		}
		var hint *wire.EncodingHintMessage
		enc, hint, err = rec.Encode()
		if err != nil {
			return nil, err
		}
		if err := n.sendEncoding(fc, enc, hint, true); err != nil {
			return nil, err
		}
	}

	// keys with odd multiplicity are the symmetric difference; the ones
	// we hold get pushed, the rest pulled
	var pushes []keyValue
	var pulls []uint64
	for k, c := range counts {
		if c%2 == 0 {
			continue
		}
		if val, ok := n.store.Get(k); ok {
			pushes = append(pushes, keyValue{key: k, val: val})
		} else {
			pulls = append(pulls, k)
		}
	}
	if err := fc.write(frameSync, marshalSync(pushes, pulls)); err != nil {
		return nil, err
	}
	ackPayload, err := fc.expect(frameSyncAck)
	if err != nil {
		return nil, err
	}
	gotPushes, _, err := unmarshalSync(ackPayload)
	if err != nil {
		return nil, err
	}
	for _, kv := range gotPushes {
		n.store.Put(kv.key, kv.val, 0)
	}

	n.detector.Observe(remoteID, time.Now())
	n.recordSession("initiator", rec)
	stats := &SessionStats{
		Peer:          peerID,
		Rounds:        rec.Rounds(),
		Recovered:     len(pushes) + len(pulls),
		Pushed:        len(pushes),
		Pulled:        len(pulls),
		BytesSent:     fc.sent,
		BytesReceived: fc.rcvd,
		Duration:      time.Since(start),
	}
	n.log.Info("reconciliation complete",
		zap.String("peer", peerID),
		zap.Int("rounds", stats.Rounds),
		zap.Int("pushed", stats.Pushed),
		zap.Int("pulled", stats.Pulled),
		zap.Int64("bytes_sent", stats.BytesSent),
		zap.Int64("bytes_received", stats.BytesReceived))
	return stats, nil
}

// sendEncoding ships an encoding frame; non-initial rounds are always
// preceded by a hint frame (empty when there were no exceptions) so the
// responder can tell a new round from the closing sync.
func (n *Node) sendEncoding(fc *frameConn, enc *wire.EncodingMessage, hint *wire.EncodingHintMessage, withHint bool) error {
	if withHint {
		var buf []byte
		if hint != nil {
			buf = make([]byte, hint.SerializedSize())
			if _, err := hint.Write(buf); err != nil {
				return err
			}
		}
		if err := fc.write(frameHint, buf); err != nil {
			return err
		}
	}
	buf := make([]byte, enc.SerializedSize())
	if _, err := enc.Write(buf); err != nil {
		return err
	}
	return fc.write(frameEncoding, buf)
}

// ---- responder ----

// ServeSync accepts reconciliation sessions on lis until the listener
// closes.
func (n *Node) ServeSync(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go n.handleSession(conn)
	}
}

func (n *Node) handleSession(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Minute))
	fc := newFrameConn(conn)

	if err := n.respond(fc); err != nil {
		telemetry.SessionsTotal.WithLabelValues("responder", "error").Inc()
		n.log.Warn("session failed", zap.Error(err))
	}
}

func (n *Node) respond(fc *frameConn) error {
	payload, err := fc.expect(frameHello)
	if err != nil {
		return err
	}
	remoteID, _, err := unmarshalHello(payload)
	if err != nil {
		return err
	}
	n.detector.Observe(remoteID, time.Now())

	keys := n.store.Keys()
	if err := fc.write(frameHelloAck, marshalHello(n.cfg.ID, len(keys))); err != nil {
		return err
	}

	payload, err = fc.expect(frameSession)
	if err != nil {
		return err
	}
	dhat, cfg, err := unmarshalSession(payload)
	if err != nil {
		return err
	}

	rec, err := n.newReconciler(dhat, cfg)
	if err != nil {
		return err
	}
	for _, k := range keys {
		rec.Add(k)
	}
	if _, _, err := rec.Encode(); err != nil {
		return err
	}

	p := rec.Params()
	parseEncoding := func(b []byte) (*wire.EncodingMessage, error) {
		enc := &wire.EncodingMessage{
			FieldSize: p.M, Capacity: p.T, NumGroups: rec.RemainingGroups(),
		}
		if _, err := enc.Parse(b); err != nil {
			return nil, err
		}
		return enc, nil
	}

	payload, err = fc.expect(frameEncoding)
	if err != nil {
		return err
	}
	enc, err := parseEncoding(payload)
	if err != nil {
		return err
	}
	dec, xors, sums, err := rec.Decode(enc)
	if err != nil {
		return err
	}
	out, err := marshalDecoding(dec, xors, sums)
	if err != nil {
		return err
	}
	if err := fc.write(frameDecoding, out); err != nil {
		return err
	}

	for {
		kind, payload, err := fc.read()
		if err != nil {
			return err
		}
		switch kind {
		case frameHint:
			hint := wire.NewEncodingHintMessage(rec.RemainingGroups())
			if len(payload) > 0 {
				if _, err := hint.Parse(payload); err != nil {
					return err
				}
			}
			if _, err := rec.EncodeWithHint(hint); err != nil {
				return err
			}
			payload, err = fc.expect(frameEncoding)
			if err != nil {
				return err
			}
			enc, err := parseEncoding(payload)
			if err != nil {
				return err
			}
			dec, xors, sums, err = rec.Decode(enc)
			if err != nil {
				return err
			}
			out, err := marshalDecoding(dec, xors, sums)
			if err != nil {
				return err
			}
			if err := fc.write(frameDecoding, out); err != nil {
				return err
			}

		case frameSync:
			pushes, pulls, err := unmarshalSync(payload)
			if err != nil {
				return err
			}
			for _, kv := range pushes {
				n.store.Put(kv.key, kv.val, 0)
			}
			reply := make([]keyValue, 0, len(pulls))
			for _, k := range pulls {
				val, _ := n.store.Get(k)
				reply = append(reply, keyValue{key: k, val: val})
			}
			if err := fc.write(frameSyncAck, marshalSync(reply, nil)); err != nil {
				return err
			}
			n.detector.Observe(remoteID, time.Now())
			n.recordSession("responder", rec)
			n.log.Info("served reconciliation",
				zap.String("peer", remoteID),
				zap.Int("rounds", rec.Rounds()),
				zap.Int("pushed_to_us", len(pushes)),
				zap.Int("pulled_from_us", len(pulls)))
			return nil

		default:
			return fmt.Errorf("%w: 0x%02x mid-session", errBadFrame, kind)
		}
	}
}

func (n *Node) newReconciler(dhat int, cfg pbs.Config) (*pbs.Reconciler, error) {
	opts := []pbs.Option{
		pbs.WithLogger(n.log),
		pbs.WithTargetSuccessProb(cfg.TargetSuccessProb),
		pbs.WithMaxRounds(cfg.MaxRounds),
		pbs.WithAvgDiffsPerGroup(cfg.AvgDiffsPerGroup),
		pbs.WithSubgroupsOnFailure(cfg.SubgroupsOnFailure),
		pbs.WithSeed(cfg.Seed),
	}
	if n.oracle != nil {
		opts = append(opts, pbs.WithOracle(n.oracle))
	}
	return pbs.New(dhat, opts...)
}

func (n *Node) recordSession(role string, rec *pbs.Reconciler) {
	telemetry.SessionsTotal.WithLabelValues(role, "ok").Inc()
	telemetry.SessionRounds.Observe(float64(rec.Rounds()))
	telemetry.GroupsSplitTotal.Add(float64(rec.GroupsSplit()))
	telemetry.ChecksumMismatchTotal.Add(float64(rec.ChecksumMismatches()))
	if role == "initiator" {
		total := 0
		for _, round := range rec.DifferencesAll() {
			total += len(round)
		}
		telemetry.RecoveredKeysTotal.Add(float64(total))
	}
}
