// Package client is an asynchronous HTTP/1.1 client for a single host.
//
// A [Client] pools up to MaxPoolSize connections to the configured host and
// port, reuses them when keep-alive is on and pipelines requests over them
// when pipelining is on. Responses are routed back to the requests that
// caused them in the order those requests were written.
//
// Every callback runs on the client loop, one at a time. The exception is a
// client whose loop has already stopped: there is nothing left to run on, so
// the failure is delivered on the goroutine that made the call.
package client

import (
	"context"
	cryptotls "crypto/tls"
	"hostclient/application/http"
	"hostclient/application/websocket"
	"hostclient/lib/loop"
	"hostclient/session/tls"
	"hostclient/transport"
	"log/slog"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Client struct {
	cfg  *Config
	opts Options
	addr transport.HostPort

	loop    *loop.Loop
	ownLoop bool

	pool      *connPool
	metrics   *metrics
	tlsConfig *cryptotls.Config

	connDialer transport.ConnDialer
	boss       *semaphore.Weighted
	limiter    *rate.Limiter

	logger *slog.Logger
	clock  clock.Clock

	// loop owned.
	exceptionHandler func(err error)
	websockets       uint // upgrading or open.
	sockets          map[*websocket.Conn]struct{}
	drained          bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a client for the host in cfg. cfg is copied; later changes to
// it have no effect on the client.
func New(
	cfg *Config,
	d transport.ConnDialer,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) (*Client, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	opts = opts.withDefaults()

	client := &Client{
		cfg:        cfg,
		opts:       opts,
		addr:       transport.HostPort{Host: cfg.Host(), Port: cfg.Port()},
		loop:       opts.Loop,
		connDialer: d,
		boss:       semaphore.NewWeighted(int64(cfg.BossThreads())),
		limiter:    newLimiter(cfg.MaxConnectRate()),
		logger:     logger,
		clock:      clock,
		sockets:    make(map[*websocket.Conn]struct{}),
		done:       make(chan struct{}),
	}

	client.logger = logger.With(slog.String("target", client.addr.String()))

	if client.loop == nil {
		client.loop = loop.New()
		client.ownLoop = true
	}

	if cfg.SSL() {
		tlsConfig, err := tls.NewConfig(tls.Material{
			ServerName:         cfg.Host(),
			KeyStorePath:       cfg.KeyStorePath(),
			KeyStorePassword:   cfg.KeyStorePassword(),
			TrustStorePath:     cfg.TrustStorePath(),
			TrustStorePassword: cfg.TrustStorePassword(),
			TrustAll:           cfg.TrustAll(),
			VerifyPeer:         cfg.VerifyPeer(),
		})
		if err != nil {
			if client.ownLoop {
				client.loop.Stop()
			}
			return nil, withKind(ErrTLS, errors.Wrap(err, "building tls config"))
		}
		client.tlsConfig = tlsConfig
	}

	m, err := newMetrics(opts.Registerer, client.addr.String())
	if err != nil {
		if client.ownLoop {
			client.loop.Stop()
		}
		return nil, err
	}
	client.metrics = m
	client.pool = newConnPool(cfg, clock, client.logger, client.metrics)
	client.pool.dialFunc = client.startDial
	client.pool.onDrained = client.checkDrained

	return client, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

// Config returns a copy of the settings the client runs with.
func (c *Client) Config() *Config { return c.cfg.Clone() }

// ExceptionHandler receives errors that belong to no request, such as a
// response the server sent without being asked.
func (c *Client) ExceptionHandler(fn func(err error)) *Client {
	c.loop.Execute(func() { c.exceptionHandler = fn })
	return c
}

func (c *Client) handleException(err error) {
	if c.exceptionHandler != nil {
		c.exceptionHandler(err)
		return
	}
	c.logger.Error("unhandled client error", slog.Any("error", err))
}

// Request creates a request. Nothing is sent before [Request.End].
func (c *Client) Request(method, uri string, handler ResponseHandler) *Request {
	return &Request{
		client:  c,
		method:  method,
		uri:     uri,
		handler: handler,
	}
}

func (c *Client) Get(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodGet, uri, handler)
}

func (c *Client) Head(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodHead, uri, handler)
}

func (c *Client) Post(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodPost, uri, handler)
}

func (c *Client) Put(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodPut, uri, handler)
}

func (c *Client) Delete(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodDelete, uri, handler)
}

func (c *Client) Trace(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodTrace, uri, handler)
}

func (c *Client) Connect(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodConnect, uri, handler)
}

func (c *Client) Patch(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodPatch, uri, handler)
}

func (c *Client) Options(uri string, handler ResponseHandler) *Request {
	return c.Request(http.MethodOptions, uri, handler)
}

// GetNow sends a GET request with the given headers right away.
func (c *Client) GetNow(uri string, headers http.Headers, handler ResponseHandler) {
	req := c.Get(uri, handler)
	for _, f := range headers {
		req.PutHeader(f.Name, f.Value)
	}
	_ = req.End()
}

// Stats returns a snapshot of the pool. It waits for the loop, so it
// must not be called from a callback.
func (c *Client) Stats() PoolStats {
	result := make(chan PoolStats, 1)
	if !c.loop.Execute(func() { result <- c.pool.stats() }) {
		return PoolStats{Closed: true}
	}
	return <-result
}

// Close fails queued requests with [ErrPoolClosed] and closes the
// connections, WebSockets included. It returns at once; [Client.Done] tells when all
// connections are gone.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if !c.loop.Execute(func() {
			c.pool.closeAll()
			for ws := range c.sockets {
				_ = ws.Abort()
			}
			c.checkDrained()
		}) {
			close(c.done)
		}
	})
}

// Done is closed once the client was closed and its last connection is gone.
func (c *Client) Done() <-chan struct{} {
	if c.ownLoop {
		return c.loop.Done()
	}
	return c.done
}

func (c *Client) checkDrained() {
	if c.drained || !c.pool.drained || c.websockets > 0 {
		return
	}
	c.drained = true
	close(c.done)
	if c.ownLoop {
		c.loop.Stop()
	}
}

func (c *Client) send(r *Request, message http.Request, err error) {
	task := func() {
		if err != nil {
			r.complete(nil, err)
			return
		}

		p := &pendingResponse{
			req:        r,
			method:     message.Method,
			message:    message,
			closeAfter: message.Headers.HasToken("Connection", "close"),
		}
		c.pool.acquire(&connRequest{onConn: func(conn *conn, err error) {
			if err != nil {
				r.complete(nil, err)
				return
			}
			conn.write(p)
		}})
	}

	if !c.loop.Execute(task) {
		r.complete(nil, ErrPoolClosed)
	}
}

func (c *Client) startDial(req *connRequest) {
	go func() {
		con, err := c.dial()

		ok := c.loop.Execute(func() {
			if err != nil {
				c.logger.Warn("connect failed", slog.Any("error", err))
				c.pool.dialed(req, nil, err)
				return
			}

			cn := newConn(con, c.cfg.maxSeats(), c.loop, c.pool, c.opts)
			cn.onError = c.handleException
			c.pool.dialed(req, cn, nil)
		})
		if !ok && con != nil {
			_ = con.Close()
		}
	}()
}

// dial connects to the host and runs the TLS handshake when configured.
func (c *Client) dial() (transport.Conn, error) {
	ctx, cancel := c.connectContext()
	defer cancel()

	con, err := c.connect(ctx)
	if err != nil {
		c.metrics.connects.WithLabelValues(connectError).Inc()
		return nil, withKind(ErrConnect, errors.Wrapf(err, "connecting to %s", c.addr))
	}

	if c.tlsConfig != nil {
		tc, err := tls.Client(ctx, con, c.tlsConfig)
		if err != nil {
			c.metrics.connects.WithLabelValues(connectTLS).Inc()
			return nil, withKind(ErrTLS, err)
		}
		con = tc
	}

	c.metrics.connects.WithLabelValues(connectOK).Inc()
	return con, nil
}

// connectContext bounds connect and handshake by ConnectTimeout, if set.
func (c *Client) connectContext() (context.Context, context.CancelFunc) {
	if timeout := c.cfg.ConnectTimeout(); timeout > 0 {
		return c.clock.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Client) connect(ctx context.Context) (transport.Conn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for connect rate")
	}

	if err := c.boss.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "waiting for a connect slot")
	}
	defer c.boss.Release(1)

	return c.connDialer.Dial(ctx, c.addr)
}
