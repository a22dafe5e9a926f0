package client

import (
	"bytes"
	"hostclient/application/http"
	"hostclient/application/http/status"
	"hostclient/application/http/transfer"
	"hostclient/lib/ds/queue"
	"hostclient/lib/loop"
	"hostclient/transport"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Causes for closing a connection that are part of normal operation.
// Pending responses still see them as [ErrConnectionLost].
var (
	errClosedByPool = errors.New("closed by pool")
	errIdleTimeout  = errors.New("idle timeout exceeded")
	errPeerClosing  = errors.New("server asked to close the connection")
)

const readChunkSize = 32 << 10

// conn is one established connection to the host.
//
// Fields below mu-less markers are owned by the client loop. The reader and
// writer goroutines only touch con, the channels and their own locals, and
// report back by posting onto the loop.
type conn struct {
	con transport.Conn

	loop    *loop.Loop
	pool    *connPool
	logger  *slog.Logger
	clock   clock.Clock
	onError func(error) // errors no pending response can take.

	maxSeats uint
	opts     Options

	// loop owned.
	seats    uint
	idleAt   time.Time
	reusable bool
	closing  bool
	pending  *queue.NaiveQueue[*pendingResponse]

	writePipe chan *pendingResponse
	// expect carries the method of every written request, in order,
	// so the reader knows how the next response is framed.
	expect chan string
	closed chan struct{}
}

// pendingResponse is a written request whose response has not ended.
type pendingResponse struct {
	req     *Request
	method  string
	message http.Request

	// closeAfter is set when the request or its response ends the connection.
	closeAfter  bool
	writeFailed bool
	res         *Response // set once the head arrived.
}

func (p *pendingResponse) fail(err error) {
	if p.res != nil {
		p.res.fail(err)
		return
	}
	p.req.complete(nil, err)
}

func newConn(con transport.Conn, maxSeats uint, l *loop.Loop, pool *connPool, opts Options) *conn {
	return &conn{
		con:       con,
		loop:      l,
		pool:      pool,
		logger:    pool.logger,
		clock:     pool.clock,
		maxSeats:  maxSeats,
		opts:      opts,
		seats:     maxSeats,
		reusable:  true,
		pending:   queue.NewNaive[*pendingResponse](maxSeats),
		writePipe: make(chan *pendingResponse, maxSeats),
		expect:    make(chan string, maxSeats),
		closed:    make(chan struct{}),
	}
}

func (c *conn) start() {
	c.idleAt = c.clock.Now()
	c.logger.Debug("connection opened", slog.String("remote", c.con.RemoteAddr().String()))

	go c.readLoop()
	go c.writeLoop()
}

// discard drops a connection that was never started.
func (c *conn) discard() {
	c.closing = true
	_ = c.con.Close()
	close(c.closed)
}

func (c *conn) occupy() {
	if c.seats == 0 {
		panic("why would you occupy busy conn")
	}
	c.seats--
	c.idleAt = time.Time{} // To mark it as non-idle.
}

func (c *conn) unoccupy() {
	if c.seats == c.maxSeats {
		panic("why would you unoccupy?")
	}
	c.seats++
	if c.seats == c.maxSeats {
		c.idleAt = c.clock.Now()
	}
}

func (c *conn) usable() bool { return !c.closing && c.reusable && c.seats > 0 }
func (c *conn) idle() bool   { return !c.closing && c.seats == c.maxSeats && c.pending.Len() == 0 }

func (c *conn) idleTimeoutExceeded(timeout time.Duration) bool {
	if !c.idle() || c.idleAt.IsZero() {
		return false
	}
	return c.clock.Since(c.idleAt) >= timeout
}

// write queues p for the writer. The caller must have occupied a seat.
func (c *conn) write(p *pendingResponse) {
	if c.closing {
		p.req.complete(nil, withKind(ErrTransport, transport.ErrConnClosed))
		return
	}

	c.pending.Enqueue(p)
	if p.closeAfter {
		c.reusable = false
	}

	select {
	case c.writePipe <- p:
	default:
		p.writeFailed = true
		c.close(withKind(ErrTransport, errors.New("write queue is full")))
	}
}

func (c *conn) writeLoop() {
	enc := http.NewRequestEncoder(c.con, c.opts.Send.Encode)

	for {
		select {
		case <-c.closed:
			return
		case p := <-c.writePipe:
			// Never blocks: there are no more requests in flight than seats.
			c.expect <- p.method

			if err := enc.Encode(p.message); err != nil {
				err = withKind(ErrTransport, errors.Wrap(err, "writing request"))
				c.post(func() {
					p.writeFailed = true
					c.close(err)
				})
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	tracker := &errTracker{r: c.con}
	dec := http.NewResponseDecoder(tracker, c.opts.Receive.Decode)
	br := dec.Reader()
	buf := make([]byte, readChunkSize)

	for {
		// Wait for the next response without consuming it.
		if _, err := br.Peek(1); err != nil {
			c.post(func() { c.close(errors.Wrap(err, "waiting for response")) })
			return
		}

		var method string
		select {
		case method = <-c.expect:
		default:
			err := withKind(ErrProtocol, errors.New("response on no outstanding request"))
			c.post(func() { c.close(err) })
			return
		}

		res, err := c.readHead(dec)
		if err != nil {
			err = tracker.classify(errors.Wrap(err, "reading response head"))
			c.post(func() { c.close(err) })
			return
		}

		var trailers http.Headers
		body, framing, err := transfer.NewBodyReader(br, method, &res, func(fields []http.Field) {
			trailers = http.Headers(fields).Clone()
		})
		if err != nil {
			err = withKind(ErrProtocol, err)
			c.post(func() { c.close(err) })
			return
		}

		closeAfter := framing == transfer.FramingClose ||
			res.Headers.HasToken("Connection", "close") ||
			(!res.Version.AtLeast(1, 1) && !res.Headers.HasToken("Connection", "keep-alive"))

		c.post(func() { c.onHead(res, closeAfter) })

		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				c.post(func() { c.onChunk(chunk) })
			}

			if err == nil {
				continue
			}

			// A close delimited body ends with the connection.
			if framing == transfer.FramingClose && isClosedErr(err) {
				err = io.EOF
			}
			if errors.Is(err, io.EOF) {
				break
			}

			err = tracker.classify(errors.Wrap(err, "reading response body"))
			c.post(func() { c.close(err) })
			return
		}

		c.post(func() { c.onEnd(trailers) })

		if closeAfter {
			return
		}
	}
}

// readHead skips interim responses.
func (c *conn) readHead(dec *http.ResponseDecoder) (http.Response, error) {
	for {
		var res http.Response
		if err := dec.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return http.Response{}, err
		}

		switch {
		case res.StatusCode == status.SwitchingProtocols.Code:
			return http.Response{}, withKind(ErrProtocol, errors.New("unexpected 101 Switching Protocols"))
		case status.IsInformational(res.StatusCode):
			continue
		}
		return res, nil
	}
}

func (c *conn) post(task func()) {
	if !c.loop.Execute(task) {
		_ = c.con.Close()
	}
}

func (c *conn) onHead(raw http.Response, closeAfter bool) {
	if c.closing {
		return
	}

	p, err := c.pending.Peek()
	if err != nil {
		c.close(withKind(ErrProtocol, errors.New("response on no outstanding request")))
		return
	}

	if closeAfter {
		p.closeAfter = true
		c.reusable = false
	}

	p.res = newResponse(raw, c.onError)
	p.req.complete(p.res, nil)
}

func (c *conn) onChunk(chunk []byte) {
	if c.closing {
		return
	}
	if p, err := c.pending.Peek(); err == nil && p.res != nil {
		p.res.chunk(chunk)
	}
}

func (c *conn) onEnd(trailers http.Headers) {
	if c.closing {
		return
	}

	p, err := c.pending.Dequeue()
	if err != nil || p.res == nil {
		c.close(withKind(ErrProtocol, errors.New("response ended without a head")))
		return
	}

	p.res.end(trailers)
	c.pool.release(c)

	if p.closeAfter {
		c.close(errPeerClosing)
	}
}

// close tears the connection down and fails every pending response in
// the order the requests were written. It is idempotent.
func (c *conn) close(cause error) {
	if c.closing {
		return
	}
	c.closing = true
	c.reusable = false

	_ = c.con.Close()
	close(c.closed)

	pending := c.pending.Drain()
	for i, p := range pending {
		var err error
		switch {
		case p.writeFailed:
			err = cause
		case i == 0 && errors.Is(cause, ErrProtocol):
			err = cause
		default:
			err = lost(cause)
		}
		p.fail(err)
	}

	attrs := []any{slog.String("remote", c.con.RemoteAddr().String()), slog.Any("cause", cause)}
	switch {
	case len(pending) > 0 || isCleanClose(cause):
		c.logger.Debug("connection closed", attrs...)
	default:
		c.logger.Error("connection failed", attrs...)
		if c.onError != nil {
			c.onError(cause)
		}
	}

	c.pool.remove(c)
}

func isClosedErr(err error) bool {
	return errors.Is(err, transport.ErrConnClosed) || errors.Is(err, io.EOF)
}

func isCleanClose(err error) bool {
	return isClosedErr(err) ||
		errors.Is(err, errClosedByPool) ||
		errors.Is(err, errIdleTimeout) ||
		errors.Is(err, errPeerClosing)
}

// errTracker remembers the last error of the underlying transport,
// telling a dropped connection apart from a malformed message.
type errTracker struct {
	r   io.Reader
	err error
}

func (t *errTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func (t *errTracker) classify(err error) error {
	if errors.Is(err, ErrProtocol) || t.err == nil {
		return withKind(ErrProtocol, err)
	}
	return lost(err)
}
