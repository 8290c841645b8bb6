// Package reliability implements the per-peer bookkeeping that turns
// unreliable UDP datagrams into a congestion-tolerant, duplicate-free,
// optionally-ordered delivery stream: an acknowledgement bitfield window,
// a retransmit queue with age/attempt caps, round-trip estimation, and
// disconnect-timeout detection.
package reliability

import (
	"errors"
	"time"
)

// ErrRetransmitOverflow is returned when a reliable group exceeds its
// retry budget; the caller should disconnect the peer with
// frame.ReasonRetransmitOverflow.
var ErrRetransmitOverflow = errors.New("reliability: retransmit overflow")

// WindowSize is the default number of trailing frame ids tracked by an
// AckWindow, per spec.md §4.3.
const WindowSize = 1024

// AckWindow tracks which of the last WindowSize frame ids have been
// received, for duplicate suppression and for building outbound Acks
// headers.
type AckWindow struct {
	base uint64 // frame id represented by bit 0
	bits []byte // WindowSize bits, ceil(WindowSize/8) bytes
}

// NewAckWindow creates an empty window.
func NewAckWindow() *AckWindow {
	return &AckWindow{bits: make([]byte, WindowSize/8)}
}

// Mark records frameID as received. It returns false if the id is a
// duplicate (already marked, or too old to represent), true if newly
// seen. The window slides forward when id advances past the current span.
func (w *AckWindow) Mark(frameID uint64) bool {
	if w.base == 0 && allZero(w.bits) {
		w.base = frameID
	}
	if frameID < w.base {
		return false // too old, already slid past
	}
	offset := frameID - w.base
	if offset >= WindowSize {
		shift := offset - WindowSize + 1
		w.slide(shift)
		offset = WindowSize - 1
	}
	idx, bit := offset/8, offset%8
	mask := byte(1) << bit
	if w.bits[idx]&mask != 0 {
		return false
	}
	w.bits[idx] |= mask
	return true
}

// Contains reports whether frameID is within the current window and
// already marked.
func (w *AckWindow) Contains(frameID uint64) bool {
	if frameID < w.base {
		return false // already slid out of the window
	}
	offset := frameID - w.base
	if offset >= WindowSize {
		return false
	}
	idx, bit := offset/8, offset%8
	return w.bits[idx]&(byte(1)<<bit) != 0
}

// slide moves the window's base forward by n frame ids, dropping the
// oldest n bits.
func (w *AckWindow) slide(n uint64) {
	if n >= WindowSize {
		for i := range w.bits {
			w.bits[i] = 0
		}
		w.base += n
		return
	}
	byteShift := n / 8
	bitShift := n % 8
	nb := make([]byte, len(w.bits))
	for i := range w.bits {
		srcIdx := i + int(byteShift)
		if srcIdx >= len(w.bits) {
			continue
		}
		v := w.bits[srcIdx] >> bitShift
		if bitShift != 0 && srcIdx+1 < len(w.bits) {
			v |= w.bits[srcIdx+1] << (8 - bitShift)
		}
		nb[i] = v
	}
	w.bits = nb
	w.base += n
}

// Base and Bitfield expose the window's current state for building an
// outbound frame.Acks header.
func (w *AckWindow) Base() uint64    { return w.base }
func (w *AckWindow) Bitfield() []byte { return append([]byte(nil), w.bits...) }

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// RemoteAcks reports, from a peer's received Acks header, whether a given
// frame id was acknowledged.
func RemoteAcks(base uint64, bitfield []byte, frameID uint64) bool {
	if frameID < base {
		return false
	}
	offset := frameID - base
	if offset >= uint64(len(bitfield))*8 {
		return false
	}
	idx, bit := offset/8, offset%8
	return bitfield[idx]&(byte(1)<<bit) != 0
}

// Group is one retransmittable unit: the reliable commands first sent
// together in one frame.
type Group struct {
	FrameID    uint64
	Commands   [][]byte
	FirstSend  time.Time
	LastSend   time.Time
	Attempts   int
}

// RetransmitQueue holds in-flight reliable groups for one peer, keyed by
// the frame id that first carried them.
type RetransmitQueue struct {
	groups map[uint64]*Group
	order  []uint64 // insertion order, for deterministic due-scan

	MaxAttempts  int
	MaxAge       time.Duration
	RetransmitMultiplier float64
}

// NewRetransmitQueue creates a queue with the spec's default caps: 100
// attempts or total age exceeding disconnectTimeout, whichever is
// tighter; multiplier starts at 3x the RTT estimate.
func NewRetransmitQueue(disconnectTimeout time.Duration) *RetransmitQueue {
	return &RetransmitQueue{
		groups:               make(map[uint64]*Group),
		MaxAttempts:          100,
		MaxAge:               disconnectTimeout,
		RetransmitMultiplier: 3.0,
	}
}

// Add registers a newly-sent reliable group.
func (q *RetransmitQueue) Add(frameID uint64, commands [][]byte, now time.Time) {
	if len(commands) == 0 {
		return
	}
	q.groups[frameID] = &Group{FrameID: frameID, Commands: commands, FirstSend: now, LastSend: now}
	q.order = append(q.order, frameID)
}

// Ack releases every in-flight group acknowledged by the given Acks
// header state.
func (q *RetransmitQueue) Ack(base uint64, bitfield []byte) {
	for id := range q.groups {
		if RemoteAcks(base, bitfield, id) {
			delete(q.groups, id)
		}
	}
	q.compact()
}

func (q *RetransmitQueue) compact() {
	if len(q.order) < 2*len(q.groups)+8 {
		return
	}
	fresh := make([]uint64, 0, len(q.groups))
	for _, id := range q.order {
		if _, ok := q.groups[id]; ok {
			fresh = append(fresh, id)
		}
	}
	q.order = fresh
}

// Due returns groups whose age exceeds rttEstimate*RetransmitMultiplier
// and bumps their attempt counter and LastSend time. It returns
// ErrRetransmitOverflow (and stops including that peer's further groups)
// the first time a group exceeds MaxAttempts or MaxAge.
func (q *RetransmitQueue) Due(now time.Time, rttEstimate time.Duration) ([]*Group, error) {
	if rttEstimate <= 0 {
		rttEstimate = 200 * time.Millisecond
	}
	threshold := time.Duration(float64(rttEstimate) * q.RetransmitMultiplier)
	var due []*Group
	for _, id := range q.order {
		g, ok := q.groups[id]
		if !ok {
			continue
		}
		if now.Sub(g.FirstSend) > q.MaxAge {
			return nil, ErrRetransmitOverflow
		}
		if now.Sub(g.LastSend) < threshold {
			continue
		}
		g.Attempts++
		g.LastSend = now
		if g.Attempts > q.MaxAttempts {
			return nil, ErrRetransmitOverflow
		}
		due = append(due, g)
	}
	return due, nil
}

// Len reports the number of groups still awaiting acknowledgement.
func (q *RetransmitQueue) Len() int { return len(q.groups) }

// RTTEstimator keeps an exponentially-weighted estimate of round-trip
// time and its variance, in the style of TCP's RTO estimator.
type RTTEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	set    bool
}

// Update folds a fresh RTT sample into the estimate.
func (e *RTTEstimator) Update(sample time.Duration) {
	if !e.set {
		e.srtt = sample
		e.rttvar = sample / 2
		e.set = true
		return
	}
	const alpha, beta = 0.125, 0.25
	delta := sample - e.srtt
	if delta < 0 {
		delta = -delta
	}
	e.rttvar = time.Duration((1-beta)*float64(e.rttvar) + beta*float64(delta))
	e.srtt = time.Duration((1-alpha)*float64(e.srtt) + alpha*float64(sample))
}

// Estimate returns the current smoothed RTT, or a conservative default
// before any sample has arrived.
func (e *RTTEstimator) Estimate() time.Duration {
	if !e.set {
		return 200 * time.Millisecond
	}
	return e.srtt
}

// DisconnectTracker records the last time any frame was received from a
// peer and reports whether disconnectTimeout has elapsed.
type DisconnectTracker struct {
	last    time.Time
	timeout time.Duration
}

// NewDisconnectTracker creates a tracker seeded at now.
func NewDisconnectTracker(now time.Time, timeout time.Duration) *DisconnectTracker {
	return &DisconnectTracker{last: now, timeout: timeout}
}

// Touch records that a frame was just received.
func (d *DisconnectTracker) Touch(now time.Time) { d.last = now }

// TimedOut reports whether timeout has elapsed since the last received
// frame.
func (d *DisconnectTracker) TimedOut(now time.Time) bool {
	return now.Sub(d.last) > d.timeout
}

// KeepaliveDue reports whether interval has elapsed since last, given the
// last time any frame (data or keepalive) was sent.
func KeepaliveDue(lastSend time.Time, now time.Time, interval time.Duration) bool {
	return now.Sub(lastSend) >= interval
}
