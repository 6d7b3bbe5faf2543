package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBCRoundTrip(t *testing.T) {
	key := []byte("0123456789ABCDEF")
	iv := []byte("123456789OPCODE0")
	plaintext := bytes.Repeat([]byte("defence-payload!"), 4)

	ciphertext, err := EncryptCBC(key, iv, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(plaintext))
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := DecryptCBC(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptCBCRejectsBadInput(t *testing.T) {
	key := []byte("0123456789ABCDEF")

	_, err := EncryptCBC(key, []byte("short"), make([]byte, 16))
	assert.Error(t, err)

	_, err = EncryptCBC(key, make([]byte, 16), make([]byte, 15))
	assert.Error(t, err)

	_, err = EncryptCBC([]byte("bad key"), make([]byte, 16), make([]byte, 16))
	assert.Error(t, err)
}

func TestGenerateRandomHex(t *testing.T) {
	s, err := GenerateRandomHex(64)
	require.NoError(t, err)
	assert.Len(t, s, 64)

	_, err = hex.DecodeString(s)
	assert.NoError(t, err)

	_, err = GenerateRandomHex(3)
	assert.Error(t, err)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}
