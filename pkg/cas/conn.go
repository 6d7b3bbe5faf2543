package cas

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// cipherSuites lists the TLS 1.2 suites the client offers. tls.CipherSuites
// only returns suites without known weaknesses, which excludes the NULL,
// anonymous, MD5, 3DES, DES and RC4 families; IDEA, SEED, DSS, SRP and PSK
// are not implemented by crypto/tls at all.
func cipherSuites() []uint16 {
	var ids []uint16
	for _, s := range tls.CipherSuites() {
		if s.Insecure {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func newTLSConfig(rootCAs *x509.CertPool, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       cipherSuites(),
		RootCAs:            rootCAs,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// dial opens a TLS connection to the device proxy. Only failures to reach
// the host are reported as ErrInvalidHost; a host that accepts the
// connection but stalls the handshake is a transport timeout.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}

	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(ctx, addr, err)
	}

	conn, err := c.handshake(ctx, raw, addr)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// handshake runs the TLS handshake on raw, bounded by the dial timeout
func (c *Client) handshake(ctx context.Context, raw net.Conn, addr string) (net.Conn, error) {
	cfg := c.tlsConfig.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidHost, addr, err)
		}
		cfg.ServerName = host
	}

	hsCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(hsCtx); err != nil {
		return nil, ioError(hsCtx, "tls handshake with "+addr, err)
	}
	return conn, nil
}

// classifyDialError maps a failed TCP connect. DNS failures, refused
// connections and connect timeouts all mean the proxy cannot be reached.
func classifyDialError(ctx context.Context, addr string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("dial %s: %w", addr, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidHost, addr, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// armDeadline bounds the next I/O on conn by the read timeout and the
// context deadline, whichever comes first. Cancelling ctx unblocks any
// pending read or write.
func (c *Client) armDeadline(ctx context.Context, conn net.Conn) (stop func() bool) {
	var deadline time.Time
	if c.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", ErrTransportTimeout, op, ctxErr)
		}
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransportTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// writeFrame sends the whole frame
func writeFrame(ctx context.Context, conn net.Conn, frame []byte) error {
	if _, err := conn.Write(frame); err != nil {
		return ioError(ctx, "write frame", err)
	}
	return nil
}

// readKeyResponse reads until the XML document and the fixed trailer have
// arrived, the peer closes, or MaxKeyResponseSize bytes are buffered. The
// response may arrive over several reads.
func readKeyResponse(ctx context.Context, conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, MaxKeyResponseSize)
	chunk := make([]byte, MaxKeyResponseSize)

	for len(buf) < MaxKeyResponseSize {
		n, err := conn.Read(chunk[:MaxKeyResponseSize-len(buf)])
		buf = append(buf, chunk[:n]...)
		if keyResponseComplete(buf) {
			return buf, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, ioError(ctx, "read key response", err)
		}
	}
	return buf, nil
}

// readCommandResponse reads one chunk. The content is not interpreted;
// only its presence is required.
func readCommandResponse(ctx context.Context, conn net.Conn) ([]byte, error) {
	buf := make([]byte, MaxCommandResponseSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty command response", ErrProtocolDecode)
	}
	return nil, ioError(ctx, "read command response", err)
}
