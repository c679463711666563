// Package codec implements the link play wire crypto: AES-128-GCM framing
// shared by the TCP control plane and the UDP data plane, plus the
// little-endian integer helpers the binary command layout depends on.
//
// Every frame carries its IV and authentication tag explicitly rather than
// relying on AEAD-standard nonce management, so encoding and decoding are
// kept as small pure functions here rather than behind a net.Conn wrapper.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// IVSize and TagSize are fixed by spec.md §4.1.
const (
	IVSize  = 12
	TagSize = 16
)

// Encrypt seals plaintext under key with a fresh random IV and no
// associated data, returning the IV, the 16-byte tag, and the ciphertext
// (same length as plaintext).
func Encrypt(key [16]byte, plaintext []byte) (iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return iv, tag, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return iv, tag, nil, err
	}

	if _, err := rand.Read(iv[:]); err != nil {
		return iv, tag, nil, err
	}

	sealed := gcm.Seal(nil, iv[:], plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	copy(tag[:], sealed[len(sealed)-TagSize:])
	return iv, tag, ciphertext, nil
}

// Decrypt opens a frame given its IV, tag, and ciphertext. It fails (tag
// mismatch, truncated input, bad key) without ever returning partial
// plaintext.
func Decrypt(key [16]byte, iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)

	return gcm.Open(nil, iv[:], sealed, nil)
}

// ErrShortBuffer is returned when a frame is too small to contain its
// declared fields.
var ErrShortBuffer = fmt.Errorf("codec: buffer too small")

// PutLE writes the low n bytes of v into out (little-endian), matching
// the reference implementation's push_le_u64 helper used for every
// narrower-than-64-bit wire field.
func PutLE(out []byte, v uint64, n int) {
	for i := 0; i < n; i++ {
		out[i] = byte(v >> (8 * i))
	}
}

// AppendLE appends the low n bytes of v (little-endian) to out.
func AppendLE(out []byte, v uint64, n int) []byte {
	buf := make([]byte, n)
	PutLE(buf, v, n)
	return append(out, buf...)
}

// ReadU16LE reads a little-endian uint16 at offset start, treating a short
// or out-of-range buffer as zero-filled (matching the reference parser's
// tolerant field readers).
func ReadU16LE(data []byte, start int) uint16 {
	var b [2]byte
	readInto(b[:], data, start)
	return uint16(b[0]) | uint16(b[1])<<8
}

// ReadU32LE reads a little-endian uint32 at offset start, zero-filled on
// short input.
func ReadU32LE(data []byte, start int) uint32 {
	var b [4]byte
	readInto(b[:], data, start)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadU64LE reads a little-endian uint64 at offset start, zero-filled on
// short input.
func ReadU64LE(data []byte, start int) uint64 {
	var b [8]byte
	readInto(b[:], data, start)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadU8 reads a single byte at idx, or 0 if out of range.
func ReadU8(data []byte, idx int) uint8 {
	if idx < 0 || idx >= len(data) {
		return 0
	}
	return data[idx]
}

func readInto(dst []byte, data []byte, start int) {
	if start < 0 || start >= len(data) {
		return
	}
	end := start + len(dst)
	if end > len(data) {
		end = len(data)
	}
	copy(dst, data[start:end])
}

// Pad zero-pads (well, value-pads) data to the next 16-byte boundary using
// the protocol's PKCS#7-like scheme: every trailing pad byte equals the
// pad length, but unlike real PKCS#7 no full extra block is appended when
// the input is already 16-byte aligned. This quirk must be preserved for
// wire compatibility.
func Pad(data []byte) []byte {
	rem := len(data) % 16
	if rem == 0 {
		return data
	}
	padLen := 16 - rem
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}
