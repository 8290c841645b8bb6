package reliability

import "sync/atomic"

// Circuit breaker tuning for retransmission bursts at a peer whose acks
// have gone quiet. Adapted from the teacher's datagram-send circuit
// breaker: instead of skipping individual sends, it throttles how often
// the scheduler re-attempts a full retransmit burst at a peer that isn't
// acking, short of the hard disconnect timeout.
const (
	healthFailureThreshold uint32 = 20
	healthProbeInterval    uint32 = 10
)

// SendHealth tracks consecutive retransmit bursts that produced no new
// ack, and throttles further bursts once the peer looks unresponsive.
type SendHealth struct {
	unacked atomic.Uint32
	skips   atomic.Uint32
}

// ShouldSkip reports whether a due retransmit burst should be skipped
// this tick.
func (h *SendHealth) ShouldSkip() bool {
	if h.unacked.Load() < healthFailureThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%healthProbeInterval != 0
}

// RecordBurstUnacked marks one retransmit burst that produced no ack.
func (h *SendHealth) RecordBurstUnacked() {
	h.unacked.Add(1)
}

// RecordAck resets the breaker once any ack is observed.
func (h *SendHealth) RecordAck() {
	h.unacked.Store(0)
	h.skips.Store(0)
}
