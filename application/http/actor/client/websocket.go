package client

import (
	"context"
	"hostclient/application/http"
	"hostclient/application/websocket"
	"log/slog"

	"github.com/pkg/errors"
)

// WebSocketHandler receives the upgraded connection, or the error that
// prevented it. It runs on the client loop; set the handlers of ws there.
type WebSocketHandler func(ws *websocket.Conn, err error)

// ConnectWebSocket upgrades a new connection to a WebSocket at uri.
func (c *Client) ConnectWebSocket(uri string, handler WebSocketHandler) {
	c.ConnectWebSocketVersion(uri, websocket.Version13, nil, handler)
}

// ConnectWebSocketVersion is [Client.ConnectWebSocket] with an explicit
// protocol version and extra handshake headers. Only [websocket.Version13]
// is spoken; other versions fail with [ErrInvalidRequest].
//
// WebSockets use a connection of their own that does not count towards the
// pool size. The client is not done before every WebSocket is closed.
//
// Once the loop has stopped, handler is called with [ErrPoolClosed] on
// whichever goroutine noticed it.
func (c *Client) ConnectWebSocketVersion(uri string, version websocket.Version, headers http.Headers, handler WebSocketHandler) {
	task := func() {
		if c.pool.closed {
			handler(nil, ErrPoolClosed)
			return
		}
		c.websockets++
		go c.upgrade(uri, version, headers.Clone(), handler)
	}

	if !c.loop.Execute(task) {
		handler(nil, ErrPoolClosed)
	}
}

func (c *Client) upgrade(uri string, version websocket.Version, headers http.Headers, handler WebSocketHandler) {
	fail := func(err error) {
		ok := c.loop.Execute(func() {
			c.websockets--
			handler(nil, err)
			c.checkDrained()
		})
		if !ok {
			handler(nil, errors.Wrap(ErrPoolClosed, err.Error()))
		}
	}

	hs := websocket.Handshake{
		Host:         hostHeader(c.cfg.Host(), c.cfg.Port(), c.cfg.SSL()),
		Target:       uri,
		Headers:      headers,
		Version:      version,
		MaxFrameSize: c.cfg.MaxWebSocketFrameSize(),
	}
	if !validTarget(uri) {
		fail(withKind(ErrInvalidRequest, errors.Errorf("invalid request target %q", uri)))
		return
	}
	if err := hs.Check(); err != nil {
		fail(withKind(ErrInvalidRequest, err))
		return
	}

	con, err := c.dial()
	if err != nil {
		fail(err)
		return
	}

	ctx, cancel := c.connectContext()
	ws, err := websocket.Dial(ctx, con, hs, c.loop)
	cancel()
	if err != nil {
		if !errors.Is(err, websocket.ErrHandshake) {
			err = lost(err)
		}
		fail(err)
		return
	}

	ok := c.loop.Execute(func() {
		if c.pool.closed {
			_ = ws.Abort()
			c.websockets--
			handler(nil, ErrPoolClosed)
			c.checkDrained()
			return
		}

		c.sockets[ws] = struct{}{}
		handler(ws, nil)

		// Handlers are set now; start reading.
		go func() {
			err := ws.Serve(context.Background())
			c.loop.Execute(func() {
				if err != nil {
					c.logger.Debug("websocket ended", slog.Any("error", err))
				}
				delete(c.sockets, ws)
				c.websockets--
				c.checkDrained()
			})
		}()
	})
	if !ok {
		_ = ws.Abort()
		handler(nil, ErrPoolClosed)
	}
}
