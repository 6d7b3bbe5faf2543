package cas

import (
	"bytes"
	"crypto/aes"
	"fmt"

	"github.com/ezviz-cas/cas-bridge/pkg/crypto"
)

// The prologue after the obscured serial is deliberately truncated; the
// device parser accepts it and it must stay byte-for-byte as is.
const defenceBodyTemplate = "2+,*xdv.0\" encoding=\"utf-8\"?>\n" +
	"<Request>\n" +
	"\t<OperationCode>ABCDEFG</OperationCode>\n" +
	"\t<Defence Type=\"Global\" Status=\"%d\" Actor=\"V\" Channel=\"0\" />\n" +
	"</Request>\n"

var defenceBodyFiller = bytes.Repeat([]byte{0x10}, aes.BlockSize)

// DeriveIV concatenates serial and operation code. The CAS protocol uses a
// fixed IV per device and operation code; this is required for
// compatibility and must not be reused for anything else.
func DeriveIV(serial, operationCode string) ([]byte, error) {
	return EncodeLatin1(serial + operationCode)
}

// BuildDefenceBody returns the plaintext arm/disarm command for serial
func BuildDefenceBody(serial string, enable int) ([]byte, error) {
	if enable != DefenceDisarm && enable != DefenceArm {
		return nil, fmt.Errorf("%w: defence state must be 0 or 1, got %d", ErrInvalidField, enable)
	}
	if err := requireField("device serial", serial); err != nil {
		return nil, err
	}

	rawSerial, err := EncodeLatin1(serial)
	if err != nil {
		return nil, err
	}

	body := ObfuscateSerial(rawSerial)
	body = append(body, fmt.Sprintf(defenceBodyTemplate, enable)...)
	body = append(body, defenceBodyFiller...)
	return body, nil
}

// EncryptCommand encrypts a command body with AES-128-CBC. The body carries
// its own filler so no padding is added here.
func EncryptCommand(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: key must be 16 bytes, got %d", ErrInvalidKeyMaterial, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKeyMaterial, aes.BlockSize, len(iv))
	}
	if len(plaintext) == 0 || len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: plaintext length %d is not a whole number of blocks", ErrInvalidKeyMaterial, len(plaintext))
	}

	ciphertext, err := crypto.EncryptCBC(key, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return ciphertext, nil
}

// DecryptCommand reverses EncryptCommand
func DecryptCommand(key, iv, ciphertext []byte) ([]byte, error) {
	plaintext, err := crypto.DecryptCBC(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return plaintext, nil
}

// BuildDefenceCommand produces the complete encrypted command frame for a
// negotiated session.
func BuildDefenceCommand(sess DeviceSession, enable int) ([]byte, error) {
	if !sess.HasKey() {
		return nil, fmt.Errorf("%w: session for %s has no key", ErrInvalidKeyMaterial, sess.DeviceSerial)
	}

	body, err := BuildDefenceBody(sess.DeviceSerial, enable)
	if err != nil {
		return nil, err
	}

	encrypted, err := EncryptCommand(sess.Key[:], sess.IV, body)
	if err != nil {
		return nil, err
	}

	return EncodeCommandFrame(sess.ClientSessionID, sess.DeviceSerial, encrypted)
}
