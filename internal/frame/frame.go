// Package frame implements the on-the-wire unit of the relay protocol: a
// monotonic frame id, an ordered list of headers, and an AEAD-sealed,
// optionally compressed command body, with segmentation for payloads that
// exceed a single UDP datagram's budget.
package frame

import (
	"encoding/binary"
	"errors"

	"relaycore/internal/codec"
)

// MaxFrameSize is the largest sealed frame the protocol will emit in one
// UDP datagram. Larger bodies are segmented (see segment.go).
const MaxFrameSize = 511

var (
	ErrTruncated  = errors.New("frame: truncated")
	ErrMalformed  = errors.New("frame: malformed")
	ErrBadHeader  = errors.New("frame: unknown header tag")
)

// Header tags, one byte each on the wire.
const (
	TagHello byte = iota
	TagMemberAndRoom
	TagAcks
	TagRetransmit
	TagRTTRequest
	TagRTTResponse
	TagDisconnect
)

// Header is implemented by every frame header variant.
type Header interface {
	Tag() byte
	encode(dst []byte) []byte
}

// Hello is a one-shot handshake header emitted every frame until the first
// reply from the remote peer is observed.
type Hello struct{}

func (Hello) Tag() byte                { return TagHello }
func (Hello) encode(dst []byte) []byte { return dst }

// MemberAndRoom identifies the sender's (room, member) pair; carried on the
// first frames of a flow so the server can map a UDP address to a peer.
type MemberAndRoom struct {
	RoomID   uint64
	MemberID uint16
}

func (MemberAndRoom) Tag() byte { return TagMemberAndRoom }
func (h MemberAndRoom) encode(dst []byte) []byte {
	dst = codec.AppendUvarint(dst, h.RoomID)
	return codec.AppendUvarint(dst, uint64(h.MemberID))
}

// Acks carries a bitfield of recently-seen frame ids, anchored at Base
// (the oldest frame id represented by bit 0).
type Acks struct {
	Base     uint64
	Bitfield []byte
}

func (Acks) Tag() byte { return TagAcks }
func (h Acks) encode(dst []byte) []byte {
	dst = codec.AppendUvarint(dst, h.Base)
	return codec.AppendBytes(dst, h.Bitfield)
}

// Retransmit marks a frame as a resend, naming the frame id that first
// carried the commands it repeats.
type Retransmit struct {
	OriginalFrameID uint64
}

func (Retransmit) Tag() byte { return TagRetransmit }
func (h Retransmit) encode(dst []byte) []byte {
	return codec.AppendUvarint(dst, h.OriginalFrameID)
}

// RTTRequest asks the peer to echo Marker/SendTimeMicro in an RTTResponse.
type RTTRequest struct {
	Marker        uint32
	SendTimeMicro uint64
}

func (RTTRequest) Tag() byte { return TagRTTRequest }
func (h RTTRequest) encode(dst []byte) []byte {
	dst = codec.AppendUvarint(dst, uint64(h.Marker))
	return codec.AppendUvarint(dst, h.SendTimeMicro)
}

// RTTResponse echoes an RTTRequest's marker and original send time back to
// the requester.
type RTTResponse struct {
	Marker        uint32
	SendTimeMicro uint64
}

func (RTTResponse) Tag() byte { return TagRTTResponse }
func (h RTTResponse) encode(dst []byte) []byte {
	dst = codec.AppendUvarint(dst, uint64(h.Marker))
	return codec.AppendUvarint(dst, h.SendTimeMicro)
}

// DisconnectReason enumerates why a peer is leaving.
type DisconnectReason byte

const (
	ReasonUnspecified DisconnectReason = iota
	ReasonTimeout
	ReasonCommand
	ReasonRetransmitOverflow
	ReasonIOError
)

// Disconnect is a graceful close header carrying a reason.
type Disconnect struct {
	Reason DisconnectReason
}

func (Disconnect) Tag() byte { return TagDisconnect }
func (h Disconnect) encode(dst []byte) []byte {
	return append(dst, byte(h.Reason))
}

// Command is one already-encoded command body, tagged by the reliability
// partition it belongs to (commands are split reliable/unreliable at the
// top of the frame body).
type Command struct {
	Reliable bool
	Data     []byte
}

// Frame is a fully-decoded, still-unsealed frame: a frame id, headers, and
// the two command partitions.
type Frame struct {
	FrameID     uint64
	Headers     []Header
	Reliable    [][]byte
	Unreliable  [][]byte
}

// EncodeBody serializes the reliable/unreliable command partitions (the
// plaintext that gets compressed and AEAD-sealed).
func (f *Frame) EncodeBody() []byte {
	var body []byte
	body = codec.AppendUvarint(body, uint64(len(f.Reliable)))
	for _, c := range f.Reliable {
		body = codec.AppendBytes(body, c)
	}
	body = codec.AppendUvarint(body, uint64(len(f.Unreliable)))
	for _, c := range f.Unreliable {
		body = codec.AppendBytes(body, c)
	}
	return body
}

// DecodeBody parses the plaintext body produced by EncodeBody.
func DecodeBody(body []byte) (reliable, unreliable [][]byte, err error) {
	n, consumed, err := codec.Uvarint(body)
	if err != nil {
		return nil, nil, err
	}
	body = body[consumed:]
	reliable = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b, c, err := codec.Bytes(body)
		if err != nil {
			return nil, nil, err
		}
		reliable = append(reliable, append([]byte(nil), b...))
		body = body[c:]
	}
	m, consumed, err := codec.Uvarint(body)
	if err != nil {
		return nil, nil, err
	}
	body = body[consumed:]
	unreliable = make([][]byte, 0, m)
	for i := uint64(0); i < m; i++ {
		b, c, err := codec.Bytes(body)
		if err != nil {
			return nil, nil, err
		}
		unreliable = append(unreliable, append([]byte(nil), b...))
		body = body[c:]
	}
	return reliable, unreliable, nil
}

// EncodeHeaders serializes the header count and each header's tag+payload.
func EncodeHeaders(headers []Header) []byte {
	var out []byte
	out = codec.AppendUvarint(out, uint64(len(headers)))
	for _, h := range headers {
		out = append(out, h.Tag())
		out = h.encode(out)
	}
	return out
}

// DecodeHeaders parses a header list produced by EncodeHeaders, returning
// the headers and the number of bytes consumed.
func DecodeHeaders(src []byte) ([]Header, int, error) {
	n, consumed, err := codec.Uvarint(src)
	if err != nil {
		return nil, 0, err
	}
	total := consumed
	rest := src[consumed:]
	headers := make([]Header, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(rest) < 1 {
			return nil, 0, ErrTruncated
		}
		tag := rest[0]
		rest = rest[1:]
		total++
		var h Header
		var used int
		switch tag {
		case TagHello:
			h = Hello{}
		case TagMemberAndRoom:
			roomID, c1, err := codec.Uvarint(rest)
			if err != nil {
				return nil, 0, err
			}
			memberID, c2, err := codec.Uvarint(rest[c1:])
			if err != nil {
				return nil, 0, err
			}
			h = MemberAndRoom{RoomID: roomID, MemberID: uint16(memberID)}
			used = c1 + c2
		case TagAcks:
			base, c1, err := codec.Uvarint(rest)
			if err != nil {
				return nil, 0, err
			}
			bits, c2, err := codec.Bytes(rest[c1:])
			if err != nil {
				return nil, 0, err
			}
			h = Acks{Base: base, Bitfield: append([]byte(nil), bits...)}
			used = c1 + c2
		case TagRetransmit:
			orig, c1, err := codec.Uvarint(rest)
			if err != nil {
				return nil, 0, err
			}
			h = Retransmit{OriginalFrameID: orig}
			used = c1
		case TagRTTRequest:
			marker, c1, err := codec.Uvarint(rest)
			if err != nil {
				return nil, 0, err
			}
			t, c2, err := codec.Uvarint(rest[c1:])
			if err != nil {
				return nil, 0, err
			}
			h = RTTRequest{Marker: uint32(marker), SendTimeMicro: t}
			used = c1 + c2
		case TagRTTResponse:
			marker, c1, err := codec.Uvarint(rest)
			if err != nil {
				return nil, 0, err
			}
			t, c2, err := codec.Uvarint(rest[c1:])
			if err != nil {
				return nil, 0, err
			}
			h = RTTResponse{Marker: uint32(marker), SendTimeMicro: t}
			used = c1 + c2
		case TagDisconnect:
			if len(rest) < 1 {
				return nil, 0, ErrTruncated
			}
			h = Disconnect{Reason: DisconnectReason(rest[0])}
			used = 1
		default:
			return nil, 0, ErrBadHeader
		}
		rest = rest[used:]
		total += used
		headers = append(headers, h)
	}
	return headers, total, nil
}

// PutFrameID writes a frame id as 8 big-endian bytes, the nonce material
// for the AEAD layer.
func PutFrameID(dst []byte, id uint64) {
	binary.BigEndian.PutUint64(dst, id)
}
