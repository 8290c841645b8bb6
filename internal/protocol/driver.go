// Package protocol implements the per-peer state machine that composes
// internal/codec, internal/frame, internal/reliability and
// internal/channel into send/receive loops: Initializing → Connected →
// Disconnected, as spec.md §4.5 describes.
package protocol

import (
	"log"
	"net"
	"sync"
	"time"

	"relaycore/internal/frame"
	"relaycore/internal/reliability"
)

// State is the peer connection lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AckInterval is how often an empty keepalive frame is sent when there is
// no other data pending (spec.md §4.3, ≈300ms).
const AckInterval = 300 * time.Millisecond

// Driver is the server-side protocol state machine for one UDP peer.
type Driver struct {
	mu sync.Mutex

	Addr *net.UDPAddr
	key  [32]byte

	state  State
	reason frame.DisconnectReason

	nextFrameID uint64
	ackWindow   *reliability.AckWindow
	retransmit  *reliability.RetransmitQueue
	rtt         reliability.RTTEstimator
	disconnect  *reliability.DisconnectTracker
	health      reliability.SendHealth

	pendingReliable   [][]byte
	pendingUnreliable [][]byte
	pendingRTTEcho    []frame.RTTRequest

	lastSend  time.Time
	rttMarker uint32
	rttSentAt time.Time

	lastRetransmitGroups int
}

// New creates a driver for a newly-registered peer address.
func New(addr *net.UDPAddr, key [32]byte, now time.Time, disconnectTimeout time.Duration) *Driver {
	return &Driver{
		Addr:       addr,
		key:        key,
		state:      StateInitializing,
		ackWindow:  reliability.NewAckWindow(),
		retransmit: reliability.NewRetransmitQueue(disconnectTimeout),
		disconnect: reliability.NewDisconnectTracker(now, disconnectTimeout),
	}
}

// State reports the driver's current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// EnqueueReliable queues an already-encoded command for reliable delivery
// on the next outbound frame.
func (d *Driver) EnqueueReliable(cmd []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingReliable = append(d.pendingReliable, cmd)
}

// EnqueueUnreliable queues an already-encoded command for best-effort
// delivery on the next outbound frame.
func (d *Driver) EnqueueUnreliable(cmd []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingUnreliable = append(d.pendingUnreliable, cmd)
}

// HandleInbound authenticates and parses one frame payload (without its
// leading datagram-kind byte: the caller strips it, or reassembles the
// payload from segments), admits it against the duplicate window,
// and returns the newly-delivered reliable and unreliable command bytes.
// A duplicate frame still has its headers processed (acks, retransmit)
// but its commands are not re-delivered.
func (d *Driver) HandleInbound(payload []byte, now time.Time) (reliable, unreliable [][]byte, err error) {
	f, err := frame.Parse(d.key, payload)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.disconnect.Touch(now)
	if d.state == StateInitializing {
		d.state = StateConnected
	}

	for _, h := range f.Headers {
		switch hdr := h.(type) {
		case frame.Acks:
			d.retransmit.Ack(hdr.Base, hdr.Bitfield)
			d.health.RecordAck()
		case frame.RTTRequest:
			// Answered by BuildOutbound via an RTTResponse header; record
			// nothing here, the reply carries the same marker/time back.
			d.pendingRTTEcho = append(d.pendingRTTEcho, hdr)
		case frame.RTTResponse:
			if hdr.Marker == d.rttMarker && !d.rttSentAt.IsZero() {
				d.rtt.Update(now.Sub(d.rttSentAt))
				d.rttSentAt = time.Time{}
			}
		case frame.Disconnect:
			d.state = StateDisconnected
			d.reason = frame.ReasonCommand
		}
	}

	if !d.ackWindow.Mark(f.FrameID) {
		return nil, nil, nil // duplicate: headers already applied above
	}
	return f.Reliable, f.Unreliable, nil
}

// BuildOutbound assembles zero or more ready-to-send UDP payloads: due
// retransmissions first, then newly queued reliable commands, then
// unreliable commands, packed under frame.MaxFrameSize (segmenting only
// when a single logical frame's body itself is oversized). Returns nil,
// nil when there is nothing to send and the keepalive interval has not
// yet elapsed.
func (d *Driver) BuildOutbound(now time.Time) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disconnect.TimedOut(now) {
		d.state = StateDisconnected
		d.reason = frame.ReasonTimeout
		return nil, nil
	}

	var headers []frame.Header
	if d.state == StateInitializing {
		headers = append(headers, frame.Hello{})
	}
	headers = append(headers, frame.Acks{Base: d.ackWindow.Base(), Bitfield: d.ackWindow.Bitfield()})

	for _, req := range d.pendingRTTEcho {
		headers = append(headers, frame.RTTResponse{Marker: req.Marker, SendTimeMicro: req.SendTimeMicro})
	}
	d.pendingRTTEcho = nil

	due, err := d.retransmit.Due(now, d.rtt.Estimate())
	if err == reliability.ErrRetransmitOverflow {
		d.state = StateDisconnected
		d.reason = frame.ReasonRetransmitOverflow
		return nil, nil
	}
	var reliableOut [][]byte
	d.lastRetransmitGroups = 0
	if !d.health.ShouldSkip() {
		for _, g := range due {
			headers = append(headers, frame.Retransmit{OriginalFrameID: g.FrameID})
			reliableOut = append(reliableOut, g.Commands...)
		}
		if len(due) > 0 {
			d.health.RecordBurstUnacked()
			d.lastRetransmitGroups = len(due)
		}
	}
	reliableOut = append(reliableOut, d.pendingReliable...)
	unreliableOut := d.pendingUnreliable

	hasData := len(reliableOut) > 0 || len(unreliableOut) > 0
	keepaliveDue := reliability.KeepaliveDue(d.lastSend, now, AckInterval)
	if !hasData && !keepaliveDue && len(headers) <= 1 {
		return nil, nil
	}
	if !d.rttSentAt.IsZero() {
		headers = append(headers, frame.RTTRequest{Marker: d.rttMarker, SendTimeMicro: uint64(d.rttSentAt.UnixMicro())})
	}

	frameID := d.nextFrameID
	d.nextFrameID++

	if len(d.pendingReliable) > 0 {
		d.retransmit.Add(frameID, d.pendingReliable, now)
	}
	d.pendingReliable = nil
	d.pendingUnreliable = nil
	d.lastSend = now

	datagrams, err := frame.MarshalOrSegment(d.key, frameID, headers, reliableOut, unreliableOut)
	if err != nil {
		log.Printf("[protocol] %s: marshal frame %d: %v", d.Addr, frameID, err)
		return nil, err
	}
	return datagrams, nil
}

// RequestRTT queues an RTTRequest header on the next outbound frame.
func (d *Driver) RequestRTT(now time.Time, marker uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rttMarker = marker
	d.rttSentAt = now
}

// RTTEstimate reports the driver's current smoothed round-trip estimate,
// for internal/relaymetrics to sample on the tick (spec.md §6 RTT metric).
func (d *Driver) RTTEstimate() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtt.Estimate()
}

// RetransmittedGroups reports how many reliable groups were retransmitted
// in the most recent BuildOutbound call.
func (d *Driver) RetransmittedGroups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRetransmitGroups
}

// Disconnect transitions the driver to Disconnected with the given
// reason and cancels pending retransmissions, per spec.md §5
// (cancellation on disconnect).
func (d *Driver) Disconnect(reason frame.DisconnectReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateDisconnected
	d.reason = reason
	d.pendingReliable = nil
	d.pendingUnreliable = nil
	d.retransmit = reliability.NewRetransmitQueue(d.retransmit.MaxAge)
}

// DisconnectReason reports why a Disconnected driver left, if known.
func (d *Driver) DisconnectReason() frame.DisconnectReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}
