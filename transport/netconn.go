package transport

import (
	"net"
	"time"
)

// NetConn exposes c as a [net.Conn] for libraries that speak net.Conn,
// such as crypto/tls and gorilla/websocket. Deadlines never fail.
func NetConn(c Conn) net.Conn { return netConn{c} }

type netConn struct{ Conn }

func (c netConn) LocalAddr() net.Addr  { return c.Conn.LocalAddr() }
func (c netConn) RemoteAddr() net.Addr { return c.Conn.RemoteAddr() }

func (c netConn) SetDeadline(t time.Time) error {
	c.Conn.SetReadDeadLine(t)
	c.Conn.SetWriteDeadLine(t)
	return nil
}

func (c netConn) SetReadDeadline(t time.Time) error {
	c.Conn.SetReadDeadLine(t)
	return nil
}

func (c netConn) SetWriteDeadline(t time.Time) error {
	c.Conn.SetWriteDeadLine(t)
	return nil
}
