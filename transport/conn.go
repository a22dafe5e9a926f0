package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
	ErrNetUnreachable     = errors.New("network is unreachable")
	ErrConnRefused        = errors.New("connection refused")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
)

// Conn is a duplex byte stream.
// Read and Write may be called concurrently with each other, but not with themselves.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	LocalAddr() Addr
	RemoteAddr() Addr

	SetReadDeadLine(t time.Time)
	SetWriteDeadLine(t time.Time)
}

// BufferedConn is a [Conn] whose writes complete without a concurrent reader
// as long as the peer's buffer has room.
type BufferedConn interface {
	Conn
	ReadBufSize() uint
	WriteBufSize() uint
}

type ConnListener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

type ConnDialer interface {
	Dial(ctx context.Context, addr Addr) (Conn, error)
}
