package cas

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds connect and read when the config leaves them unset
const DefaultTimeout = 25 * time.Second

// Config configures a Client
type Config struct {
	FeatureCode string

	// DialTimeout covers TCP connect and TLS handshake
	DialTimeout time.Duration
	// ReadTimeout covers each request/response exchange on an open connection
	ReadTimeout time.Duration

	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// Client talks to the CAS device proxy. It holds no per-operation state and
// is safe for concurrent use; every operation uses its own connections.
type Client struct {
	cfg       Config
	creds     Credentials
	tlsConfig *tls.Config
}

// NewClient creates a CAS client
func NewClient(creds Credentials, cfg Config) *Client {
	if cfg.FeatureCode == "" {
		cfg.FeatureCode = DefaultFeatureCode
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultTimeout
	}

	return &Client{
		cfg:       cfg,
		creds:     creds,
		tlsConfig: newTLSConfig(cfg.RootCAs, cfg.InsecureSkipVerify),
	}
}

// NewSession resolves the cloud session and proxy endpoint for serial
func (c *Client) NewSession(ctx context.Context, serial string) (DeviceSession, error) {
	sessionID, err := c.creds.ClientSessionID(ctx)
	if err != nil {
		return DeviceSession{}, fmt.Errorf("client session id: %w", err)
	}

	urls, err := c.creds.GetServiceURLs(ctx)
	if err != nil {
		return DeviceSession{}, fmt.Errorf("service urls: %w", err)
	}

	return NewDeviceSession(serial, sessionID, urls)
}

// GetEncryption fetches the encryption key for serial from the CAS server
// and returns a session carrying it.
func (c *Client) GetEncryption(ctx context.Context, serial string) (DeviceSession, error) {
	sess, err := c.NewSession(ctx, serial)
	if err != nil {
		return DeviceSession{}, err
	}

	km, err := c.Negotiate(ctx, sess)
	if err != nil {
		return DeviceSession{}, err
	}

	sess, err = sess.WithKeyMaterial(km)
	if err != nil {
		return DeviceSession{}, &OpError{State: StateKeyObtained, Serial: serial, Err: err}
	}
	return sess, nil
}

// Negotiate exchanges a key request for sess on a fresh TLS connection.
// The connection is closed before returning.
func (c *Client) Negotiate(ctx context.Context, sess DeviceSession) (KeyMaterial, error) {
	logger := log.With().
		Str("session", sess.ID.String()).
		Str("serial", sess.DeviceSerial).
		Logger()

	frame, err := EncodeKeyRequest(sess.ClientSessionID, sess.DeviceSerial, c.cfg.FeatureCode)
	if err != nil {
		return KeyMaterial{}, &OpError{State: StateIdle, Serial: sess.DeviceSerial, Err: err}
	}

	logger.Debug().Str("state", StateNegotiating.String()).Str("proxy", sess.Proxy.Addr()).Msg("requesting cas encryption key")

	raw, err := c.exchange(ctx, sess.Proxy.Addr(), frame, readKeyResponse)
	if err != nil {
		return KeyMaterial{}, &OpError{State: StateNegotiating, Serial: sess.DeviceSerial, Err: err}
	}

	logger.Debug().Int("bytes", len(raw)).Msg("cas key response received")

	km, err := ParseKeyResponse(raw)
	if err != nil {
		return KeyMaterial{}, &OpError{State: StateNegotiating, Serial: sess.DeviceSerial, Err: err}
	}

	logger.Debug().Str("state", StateKeyObtained.String()).Str("operation_code", km.OperationCode).Msg("cas key obtained")
	return km, nil
}

// SetCameraDefenceState arms (1) or disarms (0) the camera's defence mode.
// It negotiates a key, sends the encrypted command on a new connection and
// returns true once the proxy has answered. No retries are made.
func (c *Client) SetCameraDefenceState(ctx context.Context, serial string, enable int) (bool, error) {
	ok, err := c.setDefenceState(ctx, serial, enable)
	if err != nil {
		logFailure(serial, err)
	}
	return ok, err
}

func logFailure(serial string, err error) {
	ev := log.Warn().Err(err).Str("serial", serial).Str("state", StateFailed.String())
	var opErr *OpError
	if errors.As(err, &opErr) {
		ev = ev.Str("failed_in", opErr.State.String())
	}
	ev.Msg("defence state not sent")
}

func (c *Client) setDefenceState(ctx context.Context, serial string, enable int) (bool, error) {
	if enable != DefenceDisarm && enable != DefenceArm {
		return false, &OpError{State: StateIdle, Serial: serial, Err: fmt.Errorf("%w: defence state must be 0 or 1, got %d", ErrInvalidField, enable)}
	}

	sess, err := c.GetEncryption(ctx, serial)
	if err != nil {
		return false, err
	}

	logger := log.With().
		Str("session", sess.ID.String()).
		Str("serial", serial).
		Int("enable", enable).
		Logger()

	logger.Debug().Str("state", StateEncrypting.String()).Msg("building defence command")

	frame, err := BuildDefenceCommand(sess, enable)
	if err != nil {
		return false, &OpError{State: StateEncrypting, Serial: serial, Err: err}
	}

	logger.Debug().Str("state", StateSending.String()).Int("bytes", len(frame)).Msg("sending defence command")

	resp, err := c.exchange(ctx, sess.Proxy.Addr(), frame, readCommandResponse)
	if err != nil {
		return false, &OpError{State: StateSending, Serial: serial, Err: err}
	}

	logger.Info().Str("state", StateDone.String()).Int("response_bytes", len(resp)).Msg("defence state sent")
	return true, nil
}

type responseReader func(ctx context.Context, conn net.Conn) ([]byte, error)

// exchange dials addr, writes frame, reads one response and closes the
// connection on every path.
func (c *Client) exchange(ctx context.Context, addr string, frame []byte, read responseReader) ([]byte, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := c.armDeadline(ctx, conn)
	defer stop()

	if err := writeFrame(ctx, conn, frame); err != nil {
		return nil, err
	}
	return read(ctx, conn)
}
