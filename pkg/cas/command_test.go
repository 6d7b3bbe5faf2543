package cas

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wantDefenceBody = "=<yjm#wjK" + "2+,*xdv.0\" encoding=\"utf-8\"?>\n" +
	"<Request>\n" +
	"\t<OperationCode>ABCDEFG</OperationCode>\n" +
	"\t<Defence Type=\"Global\" Status=\"1\" Actor=\"V\" Channel=\"0\" />\n" +
	"</Request>\n" +
	"\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10\x10"

func TestDeriveIV(t *testing.T) {
	cases := [][2]string{
		{"123456789", "OPCODE0"},
		{"123456789", "OPCODE01"},
		{"C12345678", "ABCDEFG"},
		{"", ""},
	}
	for _, c := range cases {
		iv, err := DeriveIV(c[0], c[1])
		require.NoError(t, err)
		assert.Equal(t, []byte(c[0]+c[1]), iv)
	}
}

func TestBuildDefenceBody(t *testing.T) {
	body, err := BuildDefenceBody("123456789", DefenceArm)
	require.NoError(t, err)
	assert.Equal(t, []byte(wantDefenceBody), body)
	assert.Len(t, body, CommandBodySize)

	off, err := BuildDefenceBody("123456789", DefenceDisarm)
	require.NoError(t, err)
	assert.Contains(t, string(off), `Status="0"`)
}

func TestBuildDefenceBodyRejectsBadInput(t *testing.T) {
	_, err := BuildDefenceBody("123456789", 2)
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = BuildDefenceBody("", DefenceArm)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestEncryptCommandRoundTrip(t *testing.T) {
	key := []byte("0123456789ABCDEF")
	iv := []byte("123456789OPCODE0")

	body, err := BuildDefenceBody("123456789", DefenceArm)
	require.NoError(t, err)

	ciphertext, err := EncryptCommand(key, iv, body)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(body))
	assert.False(t, bytes.Contains(ciphertext, []byte("Defence")))

	plaintext, err := DecryptCommand(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, body, plaintext)
}

func TestEncryptCommandInvalidKeyMaterial(t *testing.T) {
	body := make([]byte, CommandBodySize)

	// serial + "OPCODE01" is 17 bytes, too long for an AES IV
	iv, err := DeriveIV("123456789", "OPCODE01")
	require.NoError(t, err)
	_, err = EncryptCommand([]byte("0123456789ABCDEF"), iv, body)
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)

	_, err = EncryptCommand([]byte("short"), []byte("123456789OPCODE0"), body)
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)

	_, err = EncryptCommand([]byte("0123456789ABCDEF"), []byte("123456789OPCODE0"), body[:100])
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestBuildDefenceCommandRequiresKey(t *testing.T) {
	sess, err := NewDeviceSession("123456789", "abc", testProxy)
	require.NoError(t, err)

	_, err = BuildDefenceCommand(sess, DefenceArm)
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestBuildDefenceCommand(t *testing.T) {
	sess, err := NewDeviceSession("123456789", "abc", ServiceURLs{ProxyHost: "127.0.0.1", ProxyPort: 6500})
	require.NoError(t, err)
	sess, err = sess.WithKeyMaterial(KeyMaterial{Key: []byte("0123456789ABCDEF"), OperationCode: "OPCODE0"})
	require.NoError(t, err)

	frame, err := BuildDefenceCommand(sess, DefenceArm)
	require.NoError(t, err)

	ciphertext, err := SplitCommandFrame(frame)
	require.NoError(t, err)

	plaintext, err := DecryptCommand([]byte("0123456789ABCDEF"), []byte("123456789OPCODE0"), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, wantDefenceBody, string(plaintext))
}
