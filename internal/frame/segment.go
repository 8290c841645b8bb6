package frame

import (
	"sync"
	"time"
)

// SegmentSize is the maximum payload carried by one segment fragment.
const SegmentSize = 256

// Segment is one fragment of a frame too large to fit under MaxFrameSize.
type Segment struct {
	PacketID uint32
	Count    uint8
	Index    uint8
	Data     []byte
}

// EncodeSegment serializes a fragment, prefixed with DatagramSegment so the
// receiver can distinguish it from a complete frame.
func EncodeSegment(s Segment) []byte {
	out := make([]byte, 0, 7+len(s.Data))
	out = append(out, DatagramSegment)
	out = append(out, byte(s.PacketID>>24), byte(s.PacketID>>16), byte(s.PacketID>>8), byte(s.PacketID))
	out = append(out, s.Count, s.Index)
	out = append(out, s.Data...)
	return out
}

// DecodeSegment parses a fragment produced by EncodeSegment. The caller
// has already consumed and checked the DatagramSegment kind byte.
func DecodeSegment(body []byte) (Segment, error) {
	if len(body) < 6 {
		return Segment{}, ErrTruncated
	}
	packetID := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	count := body[4]
	index := body[5]
	return Segment{PacketID: packetID, Count: count, Index: index, Data: append([]byte(nil), body[6:]...)}, nil
}

// SplitIntoSegments breaks a sealed datagram (everything after the kind
// byte) into ≤SegmentSize fragments tagged with packetID.
func SplitIntoSegments(packetID uint32, full []byte) []Segment {
	count := (len(full) + SegmentSize - 1) / SegmentSize
	if count == 0 {
		count = 1
	}
	segs := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		start := i * SegmentSize
		end := start + SegmentSize
		if end > len(full) {
			end = len(full)
		}
		segs = append(segs, Segment{
			PacketID: packetID,
			Count:    uint8(count),
			Index:    uint8(i),
			Data:     full[start:end],
		})
	}
	return segs
}

// group accumulates fragments for one packetID until it is complete or
// expires.
type group struct {
	parts    [][]byte
	received int
	deadline time.Time
}

// Reassembler reassembles segmented datagrams by packet id, dropping
// incomplete groups after ttl.
type Reassembler struct {
	mu     sync.Mutex
	ttl    time.Duration
	groups map[uint32]*group
}

// NewReassembler creates a Reassembler that discards incomplete groups
// older than ttl.
func NewReassembler(ttl time.Duration) *Reassembler {
	return &Reassembler{ttl: ttl, groups: make(map[uint32]*group)}
}

// Add feeds one fragment into the reassembler. When the named packet's
// last fragment arrives, it returns the concatenated payload and true.
func (r *Reassembler) Add(s Segment, now time.Time) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[s.PacketID]
	if !ok {
		g = &group{parts: make([][]byte, s.Count), deadline: now.Add(r.ttl)}
		r.groups[s.PacketID] = g
	}
	if int(s.Index) >= len(g.parts) {
		return nil, false
	}
	if g.parts[s.Index] == nil {
		g.parts[s.Index] = s.Data
		g.received++
	}
	if g.received < len(g.parts) {
		return nil, false
	}
	delete(r.groups, s.PacketID)
	var out []byte
	for _, p := range g.parts {
		out = append(out, p...)
	}
	return out, true
}

// Sweep evicts groups whose deadline has passed without completing.
func (r *Reassembler) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.groups {
		if now.After(g.deadline) {
			delete(r.groups, id)
		}
	}
}
