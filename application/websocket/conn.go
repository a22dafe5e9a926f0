package websocket

import (
	"context"
	"hostclient/transport"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// controlWait bounds writing a control frame.
const controlWait = time.Second

// Executor runs the handlers of a [Conn]. *loop.Loop is one.
type Executor interface {
	Execute(task func()) bool
}

// Conn is the client end of an established WebSocket.
//
// Handlers run on the executor and must be set from it too. Writes may be
// called from any goroutine; they block until the frame is handed to the
// transport.
type Conn struct {
	ws   *gws.Conn
	exec Executor

	writeMu   sync.Mutex
	closeSent atomic.Bool
	aborted   atomic.Bool
	done      chan struct{}

	// executor owned.
	textHandler      func(text string)
	binaryHandler    func(data []byte)
	pongHandler      func(data []byte)
	closeHandler     func(code uint16, reason string)
	exceptionHandler func(err error)
}

func newConn(ws *gws.Conn, exec Executor) *Conn {
	c := &Conn{
		ws:   ws,
		exec: exec,
		done: make(chan struct{}),
	}

	ws.SetPongHandler(func(data string) error {
		c.dispatch(func() {
			if c.pongHandler != nil {
				c.pongHandler([]byte(data))
			}
		})
		return nil
	})
	ws.SetCloseHandler(func(code int, reason string) error {
		// Echo the code, as the closing handshake wants.
		echo := uint16(code)
		if echo == CloseNoStatus {
			echo = CloseNormal
		}
		_ = c.Close(echo, "")
		c.dispatch(func() {
			if c.closeHandler != nil {
				c.closeHandler(uint16(code), reason)
			}
		})
		return nil
	})
	return c
}

func (c *Conn) TextMessageHandler(fn func(text string)) *Conn {
	c.textHandler = fn
	return c
}

func (c *Conn) BinaryMessageHandler(fn func(data []byte)) *Conn {
	c.binaryHandler = fn
	return c
}

func (c *Conn) PongHandler(fn func(data []byte)) *Conn {
	c.pongHandler = fn
	return c
}

// CloseHandler is called when the server's close frame arrived.
func (c *Conn) CloseHandler(fn func(code uint16, reason string)) *Conn {
	c.closeHandler = fn
	return c
}

func (c *Conn) ExceptionHandler(fn func(err error)) *Conn {
	c.exceptionHandler = fn
	return c
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) LocalAddr() transport.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() transport.Addr { return c.ws.RemoteAddr() }

func (c *Conn) WriteText(text string) error   { return c.writeMessage(gws.TextMessage, []byte(text)) }
func (c *Conn) WriteBinary(data []byte) error { return c.writeMessage(gws.BinaryMessage, data) }

func (c *Conn) Ping(data []byte) error {
	if len(data) > 125 {
		return errors.Wrap(ErrProtocol, "ping payload too large")
	}
	if c.closeSent.Load() {
		return ErrClosed
	}
	return errors.Wrap(c.ws.WriteControl(gws.PingMessage, data, time.Now().Add(controlWait)), "writing ping")
}

// Close starts the closing handshake. The transport is closed once the
// server answered.
func (c *Conn) Close(code uint16, reason string) error {
	if !c.closeSent.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ws.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(int(code), reason), time.Now().Add(controlWait))
	return errors.Wrap(err, "writing close")
}

// Abort drops the transport without a closing handshake.
func (c *Conn) Abort() error {
	c.aborted.Store(true)
	return c.ws.Close()
}

func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closeSent.Load() {
		return ErrClosed
	}
	return c.ws.WriteMessage(messageType, data)
}

// Serve reads messages until the connection ends and hands them to the
// handlers. Errors are reported to the exception handler before Serve
// returns them. Canceling ctx drops the transport.
func (c *Conn) Serve(ctx context.Context) (err error) {
	defer close(c.done)
	defer func() {
		_ = c.ws.Close()
		if err != nil {
			c.dispatch(func() {
				if c.exceptionHandler != nil {
					c.exceptionHandler(err)
				}
			})
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		messageType, msg, err := c.ws.ReadMessage()
		if err != nil {
			return c.readFailed(err)
		}

		if messageType == gws.BinaryMessage {
			c.dispatch(func() {
				if c.binaryHandler != nil {
					c.binaryHandler(msg)
				}
			})
			continue
		}

		if !utf8.Valid(msg) {
			return c.fail(CloseInvalidPayload, errors.Wrap(ErrProtocol, "text message is not utf-8"))
		}
		text := string(msg)
		c.dispatch(func() {
			if c.textHandler != nil {
				c.textHandler(text)
			}
		})
	}
}

func (c *Conn) readFailed(err error) error {
	var closeErr *gws.CloseError
	switch {
	case c.aborted.Load():
		return nil
	case errors.As(err, &closeErr):
		// Closing handshake done; the close handler saw the frame.
		return nil
	case c.closeSent.Load() && isClosed(err):
		// The server dropped the connection instead of answering our close.
		return nil
	case isClosed(err),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, transport.ErrDeadLineExceeded):
		return errors.Wrap(err, "reading message")
	}
	// What remains are violations gorilla already answered with a close frame.
	return errors.Wrap(ErrProtocol, err.Error())
}

// fail closes with code and returns err.
func (c *Conn) fail(code uint16, err error) error {
	_ = c.Close(code, "")
	return err
}

func (c *Conn) dispatch(task func()) { c.exec.Execute(task) }

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, transport.ErrConnClosed)
}
