package frame

import "encoding/binary"

// DatagramKind tags the first byte of every UDP payload so the receiver
// can tell a complete frame from a segment fragment before attempting to
// parse either.
const (
	DatagramFrame   byte = 0
	DatagramSegment byte = 1
)

// Marshal builds a complete, sealed datagram for one frame: a kind byte,
// the 8-byte frame id, the plaintext header list, then the AEAD-sealed
// (and possibly compressed) command body.
func Marshal(key [32]byte, frameID uint64, headers []Header, reliable, unreliable [][]byte) ([]byte, error) {
	f := &Frame{FrameID: frameID, Headers: headers, Reliable: reliable, Unreliable: unreliable}
	sealed, err := Seal(key, frameID, f.EncodeBody())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+8+len(headers)*4+len(sealed))
	out = append(out, DatagramFrame)
	idBuf := make([]byte, 8)
	PutFrameID(idBuf, frameID)
	out = append(out, idBuf...)
	out = append(out, EncodeHeaders(headers)...)
	out = append(out, sealed...)
	return out, nil
}

// Parse reverses Marshal: it expects the kind byte to already be stripped
// by the caller (the datagram-kind switch happens in internal/server,
// since a segment fragment never reaches here directly).
func Parse(key [32]byte, datagram []byte) (*Frame, error) {
	if len(datagram) < 8 {
		return nil, ErrTruncated
	}
	frameID := binary.BigEndian.Uint64(datagram[:8])
	rest := datagram[8:]
	headers, used, err := DecodeHeaders(rest)
	if err != nil {
		return nil, err
	}
	sealed := rest[used:]
	plain, err := Open(key, frameID, sealed)
	if err != nil {
		return nil, err
	}
	reliable, unreliable, err := DecodeBody(plain)
	if err != nil {
		return nil, err
	}
	return &Frame{FrameID: frameID, Headers: headers, Reliable: reliable, Unreliable: unreliable}, nil
}

// PeekHeaders decodes a datagram's frame id and plaintext header list
// without attempting to authenticate or decrypt the body. internal/server
// uses this to read a MemberAndRoom header from a peer it has not yet
// mapped to a private key — the header is plaintext by construction so
// routing can be learned before decryption is possible.
func PeekHeaders(datagram []byte) (frameID uint64, headers []Header, err error) {
	if len(datagram) < 8 {
		return 0, nil, ErrTruncated
	}
	frameID = binary.BigEndian.Uint64(datagram[:8])
	headers, _, err = DecodeHeaders(datagram[8:])
	return frameID, headers, err
}

// MarshalOrSegment behaves like Marshal, but when the sealed result would
// exceed MaxFrameSize it instead splits the frame's header+body payload
// into ≤SegmentSize segment datagrams (spec.md §4.2). Each returned slice
// is a complete, ready-to-send UDP payload (kind byte included).
func MarshalOrSegment(key [32]byte, frameID uint64, headers []Header, reliable, unreliable [][]byte) ([][]byte, error) {
	full, err := Marshal(key, frameID, headers, reliable, unreliable)
	if err != nil {
		return nil, err
	}
	if len(full) <= MaxFrameSize {
		return [][]byte{full}, nil
	}
	segs := SplitIntoSegments(uint32(frameID), full[1:]) // drop the kind byte; segments carry their own
	out := make([][]byte, 0, len(segs))
	for _, s := range segs {
		out = append(out, EncodeSegment(s))
	}
	return out, nil
}
