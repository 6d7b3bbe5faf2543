package cas

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// DefaultFeatureCode identifies the client application to the CAS server.
const DefaultFeatureCode = "1fc28fa018178a1cd1c091b13b2f9f02"

// Defence states accepted by SetCameraDefenceState
const (
	DefenceDisarm = 0
	DefenceArm    = 1
)

// ServiceURLs holds the parts of the cloud service lookup the CAS client needs
type ServiceURLs struct {
	ProxyHost string
	ProxyPort int
}

// Addr returns host:port of the device proxy
func (u ServiceURLs) Addr() string {
	return net.JoinHostPort(u.ProxyHost, strconv.Itoa(u.ProxyPort))
}

// Validate checks that the endpoint is usable
func (u ServiceURLs) Validate() error {
	if u.ProxyHost == "" {
		return fmt.Errorf("%w: empty proxy host", ErrInvalidHost)
	}
	if u.ProxyPort <= 0 || u.ProxyPort > 65535 {
		return fmt.Errorf("%w: invalid proxy port %d", ErrInvalidHost, u.ProxyPort)
	}
	return nil
}

// Credentials supplies the cloud login state a CAS exchange is authorised with.
// Implementations live with the cloud REST client.
type Credentials interface {
	ClientSessionID(ctx context.Context) (string, error)
	GetServiceURLs(ctx context.Context) (ServiceURLs, error)
}

// KeyMaterial is what the CAS server hands out for one device
type KeyMaterial struct {
	Key           []byte
	OperationCode string
}

// String never prints the key itself
func (k KeyMaterial) String() string {
	return fmt.Sprintf("KeyMaterial{len=%d, op=%s}", len(k.Key), k.OperationCode)
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}
