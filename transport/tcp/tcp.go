// Package tcp dials real TCP connections and adapts them to [transport.Conn].
package tcp

import (
	"context"
	"hostclient/transport"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Options are socket level options applied to every dialed connection.
type Options struct {
	NoDelay           bool
	SendBufferSize    int // zero keeps the OS default.
	ReceiveBufferSize int // zero keeps the OS default.
	KeepAlive         bool
	ReuseAddress      bool
	SoLinger          int // seconds. Negative keeps the OS default.
	TrafficClass      int // IP_TOS / IPV6_TCLASS. Negative keeps the OS default.
}

var DefaultOptions = Options{
	NoDelay:      true,
	KeepAlive:    true,
	SoLinger:     -1,
	TrafficClass: -1,
}

type Dialer struct {
	opts Options
}

var _ transport.ConnDialer = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	nd := net.Dialer{Control: d.opts.control}
	if !d.opts.KeepAlive {
		nd.KeepAlive = -1
	}

	nc, err := nd.DialContext(ctx, string(transport.TCP), addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := d.opts.applyConnected(tc); err != nil {
			_ = tc.Close()
			return nil, err
		}
	}

	return &conn{nc: nc}, nil
}

func (o Options) applyConnected(tc *net.TCPConn) error {
	if err := tc.SetNoDelay(o.NoDelay); err != nil {
		return errors.Wrap(err, "setting TCP_NODELAY")
	}
	if o.SoLinger >= 0 {
		if err := tc.SetLinger(o.SoLinger); err != nil {
			return errors.Wrap(err, "setting SO_LINGER")
		}
	}
	return nil
}

// Wrap adapts an established [net.Conn].
func Wrap(nc net.Conn) transport.Conn { return &conn{nc: nc} }

type conn struct{ nc net.Conn }

var _ transport.Conn = (*conn)(nil)

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.nc.Read(p)
	return n, convertErr(err)
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.nc.Write(p)
	return n, convertErr(err)
}

func (c *conn) Close() error { return c.nc.Close() }

func (c *conn) LocalAddr() transport.Addr  { return c.nc.LocalAddr() }
func (c *conn) RemoteAddr() transport.Addr { return c.nc.RemoteAddr() }

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.nc.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.nc.SetWriteDeadline(t) }

// convertErr maps socket errors to the ones declared in [transport],
// keeping the original as the message.
func convertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errors.Wrap(transport.ErrConnClosed, err.Error())
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errors.Wrap(transport.ErrDeadLineExceeded, err.Error())
	}
	return err
}
