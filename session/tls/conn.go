package tls

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"hostclient/transport"

	"github.com/pkg/errors"
)

// Conn is a [transport.Conn] carrying TLS records.
type Conn struct {
	tc         *tls.Conn
	underlying transport.Conn
}

var _ transport.Conn = (*Conn)(nil)

// Client runs the client handshake over conn. ctx bounds the handshake only.
// On failure conn is closed.
func Client(ctx context.Context, conn transport.Conn, cfg *tls.Config) (*Conn, error) {
	return handshake(ctx, conn, tls.Client(transport.NetConn(conn), cfg))
}

// Server runs the server handshake over conn. ctx bounds the handshake only.
// On failure conn is closed.
func Server(ctx context.Context, conn transport.Conn, cfg *tls.Config) (*Conn, error) {
	return handshake(ctx, conn, tls.Server(transport.NetConn(conn), cfg))
}

func handshake(ctx context.Context, conn transport.Conn, tc *tls.Conn) (*Conn, error) {
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "handshake failed")
	}
	return &Conn{tc: tc, underlying: conn}, nil
}

// ConnectionState returns the negotiated parameters.
func (c *Conn) ConnectionState() tls.ConnectionState { return c.tc.ConnectionState() }

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.tc.Read(p)
	return n, convertErr(err)
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.tc.Write(p)
	return n, convertErr(err)
}

// Close closes the underlying conn without waiting for close_notify to be
// written, which would block on a peer that stopped reading.
func (c *Conn) Close() error { return c.underlying.Close() }

func (c *Conn) LocalAddr() transport.Addr  { return c.underlying.LocalAddr() }
func (c *Conn) RemoteAddr() transport.Addr { return c.underlying.RemoteAddr() }

func (c *Conn) SetReadDeadLine(t time.Time)  { _ = c.tc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadLine(t time.Time) { _ = c.tc.SetWriteDeadline(t) }

func convertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errors.Wrap(transport.ErrConnClosed, err.Error())
	}
	return err
}
