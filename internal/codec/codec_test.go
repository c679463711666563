package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))

	plaintext := []byte("hello link play")
	iv, tag, ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	got, err := Decrypt(key, iv, tag, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))

	iv, tag, ciphertext, err := Encrypt(key, []byte("payload"))
	require.NoError(t, err)

	tag[0] ^= 0xFF
	_, err = Decrypt(key, iv, tag, ciphertext)
	assert.Error(t, err)
}

func TestAppendLEAndReadU32LERoundTrip(t *testing.T) {
	out := AppendLE(nil, 0x11223344, 4)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, out)
	assert.Equal(t, uint32(0x11223344), ReadU32LE(out, 0))
}

func TestReadersZeroFillOnShortBuffer(t *testing.T) {
	assert.Equal(t, uint16(0), ReadU16LE([]byte{0x01}, 0))
	assert.Equal(t, uint32(0), ReadU32LE(nil, 0))
	assert.Equal(t, uint8(0), ReadU8([]byte{1, 2}, 5))
}

func TestPadAlignedInputUnchanged(t *testing.T) {
	data := make([]byte, 32)
	assert.Equal(t, data, Pad(data))
}

func TestPadUnalignedInputNoExtraBlock(t *testing.T) {
	data := make([]byte, 20)
	padded := Pad(data)
	require.Len(t, padded, 32)
	for _, b := range padded[20:] {
		assert.Equal(t, byte(12), b)
	}
}

func TestPaddedKey16ZeroExtendsToken(t *testing.T) {
	key := PaddedKey16(0x0102030405060708)
	assert.Equal(t, [16]byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}, key)
}
