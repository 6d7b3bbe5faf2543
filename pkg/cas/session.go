package cas

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionState tracks the phase of one control operation
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateKeyObtained
	StateEncrypting
	StateSending
	StateDone
	StateFailed
)

func (s SessionState) String() string {
	names := [...]string{"idle", "negotiating", "key-obtained", "encrypting", "sending", "done", "failed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// DeviceSession is the state of one control operation against one device.
// It is a value: each operation builds its own and nothing is shared.
type DeviceSession struct {
	// ID correlates log lines; it never goes on the wire
	ID uuid.UUID

	DeviceSerial    string
	ClientSessionID string
	Proxy           ServiceURLs

	// Filled in by WithKeyMaterial
	Key           AES128Key
	OperationCode string
	IV            []byte
}

// NewDeviceSession starts a session for serial
func NewDeviceSession(serial, clientSessionID string, proxy ServiceURLs) (DeviceSession, error) {
	if err := requireField("device serial", serial); err != nil {
		return DeviceSession{}, err
	}
	if err := requireField("client session id", clientSessionID); err != nil {
		return DeviceSession{}, err
	}
	if err := proxy.Validate(); err != nil {
		return DeviceSession{}, err
	}

	return DeviceSession{
		ID:              uuid.New(),
		DeviceSerial:    serial,
		ClientSessionID: clientSessionID,
		Proxy:           proxy,
	}, nil
}

// HasKey reports whether key material has been attached
func (s DeviceSession) HasKey() bool {
	return s.OperationCode != ""
}

// WithKeyMaterial returns a copy of s carrying the negotiated key and the IV
// derived from it.
func (s DeviceSession) WithKeyMaterial(km KeyMaterial) (DeviceSession, error) {
	if len(km.Key) != len(s.Key) {
		return s, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyMaterial, len(s.Key), len(km.Key))
	}

	iv, err := DeriveIV(s.DeviceSerial, km.OperationCode)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(iv) != 16 {
		return s, fmt.Errorf("%w: serial and operation code give a %d byte iv", ErrInvalidKeyMaterial, len(iv))
	}

	out := s
	copy(out.Key[:], km.Key)
	out.OperationCode = km.OperationCode
	out.IV = iv
	return out, nil
}
