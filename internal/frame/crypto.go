package frame

import (
	"encoding/binary"
	"errors"

	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCryptoAuthFailure is returned when AEAD authentication fails —
// counted by the caller, never treated as a protocol panic.
var ErrCryptoAuthFailure = errors.New("frame: AEAD authentication failure")

// nonceFromFrameID builds the 12-byte ChaCha20-Poly1305 nonce from a frame
// id. The id must never repeat under one key (spec invariant: frame ids
// strictly increase per sender and are never reused, even on
// retransmission), which is exactly the uniqueness an AEAD nonce needs.
func nonceFromFrameID(frameID uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], frameID)
	return nonce
}

// Seal compresses (when it helps) and AEAD-seals plaintext under key,
// keyed to frameID. The returned slice is a 1-byte compression flag
// followed by the ciphertext+tag.
func Seal(key [32]byte, frameID uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	body := plaintext
	compressed := byte(0)
	if packed := snappy.Encode(nil, plaintext); len(packed) < len(plaintext) {
		body = packed
		compressed = 1
	}
	nonce := nonceFromFrameID(frameID)
	out := make([]byte, 1, 1+len(body)+aead.Overhead())
	out[0] = compressed
	return aead.Seal(out, nonce[:], body, nil), nil
}

// Open authenticates and decrypts a sealed body produced by Seal, undoing
// compression if the flag byte indicates it was applied.
func Open(key [32]byte, frameID uint64, sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, ErrTruncated
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	compressed := sealed[0]
	nonce := nonceFromFrameID(frameID)
	plain, err := aead.Open(nil, nonce[:], sealed[1:], nil)
	if err != nil {
		return nil, ErrCryptoAuthFailure
	}
	if compressed == 1 {
		unpacked, err := snappy.Decode(nil, plain)
		if err != nil {
			return nil, ErrMalformed
		}
		return unpacked, nil
	}
	return plain, nil
}
