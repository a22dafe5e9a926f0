package client

import (
	"context"
	cryptotls "crypto/tls"
	"hostclient/application/http"
	"hostclient/application/http/status"
	"hostclient/application/http/transfer"
	sessiontls "hostclient/session/tls"
	"hostclient/transport"
	"hostclient/transport/pipe"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

const (
	testHost = "localhost"
	testPort = 8080

	waitFor = 2 * time.Second
	settle  = 50 * time.Millisecond
)

// harness runs a client against a test server, both on one pipe transport.
type harness struct {
	suite.Suite

	clock     *clock.Mock
	transport *pipe.PipeTransport
	server    *testServer
	rec       *recorder
	reg       *prometheus.Registry

	cfg    *Config
	client *Client
}

func (s *harness) SetupTest() {
	s.clock = clock.NewMock()
	s.transport = pipe.NewBufferedPipeTransport(s.clock, 1<<16)
	s.server = newTestServer(s.T(), s.transport)
	s.rec = newRecorder(s.T())

	s.cfg = NewConfig().SetHost(testHost).SetPort(testPort)
	s.client = nil
}

func (s *harness) TearDownTest() {
	if s.client != nil {
		s.client.Close()
	}
	s.server.close()
	if s.client != nil {
		s.waitDone()
	}
	goleak.VerifyNone(s.T())
}

func (s *harness) newClient() *Client {
	s.reg = prometheus.NewRegistry()
	client, err := New(s.cfg, s.transport, slog.New(slog.DiscardHandler), s.clock, Options{Registerer: s.reg})
	s.Require().NoError(err)
	s.client = client
	return client
}

func (s *harness) waitDone() {
	select {
	case <-s.client.Done():
	case <-time.After(waitFor):
		s.Fail("client did not drain")
	}
}

func (s *harness) eventuallyStats(expected PoolStats) {
	s.Eventually(func() bool { return s.client.Stats() == expected }, waitFor, time.Millisecond,
		"expected %+v", expected)
}

func (s *harness) send(method, uri, tag string) *Request {
	req := s.client.Request(method, uri, s.rec.handler(tag))
	s.Require().NoError(req.End())
	return req
}

// testServer accepts pipe connections for the client under test.
// Tests drive each accepted connection by hand or hand it to serve.
type testServer struct {
	t         *testing.T
	listener  *pipe.Listener
	tlsConfig *cryptotls.Config

	conns chan *serverConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTestServer(t *testing.T, tr *pipe.PipeTransport) *testServer {
	l, err := tr.Listen(transport.HostPort{Host: testHost, Port: testPort})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	return &testServer{
		t:        t,
		listener: l,
		conns:    make(chan *serverConn, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (ts *testServer) start() {
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for {
			con, err := ts.listener.Accept(ts.ctx)
			if err != nil {
				return
			}

			if ts.tlsConfig == nil {
				ts.push(newServerConn(con))
				continue
			}

			ts.wg.Add(1)
			go func() {
				defer ts.wg.Done()
				tc, err := sessiontls.Server(ts.ctx, con, ts.tlsConfig)
				if err != nil {
					return
				}
				ts.push(newServerConn(tc))
			}()
		}
	}()
}

func (ts *testServer) push(sc *serverConn) {
	select {
	case ts.conns <- sc:
	case <-ts.ctx.Done():
		sc.close()
	}
}

func (ts *testServer) accept() *serverConn {
	ts.t.Helper()
	select {
	case sc := <-ts.conns:
		return sc
	case <-time.After(waitFor):
		ts.t.Fatal("no connection accepted")
		return nil
	}
}

func (ts *testServer) noMoreConns() {
	ts.t.Helper()
	select {
	case sc := <-ts.conns:
		sc.close()
		ts.t.Error("unexpected connection")
	case <-time.After(settle):
	}
}

// serve answers every request on sc with respond until sc fails.
func (ts *testServer) serve(sc *serverConn, respond func(sc *serverConn, req http.Request, body []byte) error) {
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer sc.close()
		for {
			req, body, err := sc.read()
			if err != nil {
				return
			}
			if err := respond(sc, req, body); err != nil {
				return
			}
		}
	}()
}

// connCounter tracks connections served by [testServer.serveAll].
type connCounter struct {
	mu                sync.Mutex
	open, peak, total int
}

func (c *connCounter) opened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	c.total++
	c.peak = max(c.peak, c.open)
}

func (c *connCounter) closed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
}

// snapshot returns the most connections open at once and how many were accepted.
func (c *connCounter) snapshot() (peak, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak, c.total
}

// serveAll serves every connection accepted until stop is called, counting
// them in counter. stop returns once no further connection will be taken.
func (ts *testServer) serveAll(counter *connCounter, respond func(sc *serverConn, req http.Request, body []byte) error) (stop func()) {
	quit := make(chan struct{})
	exited := make(chan struct{})

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer close(exited)
		for {
			select {
			case sc := <-ts.conns:
				counter.opened()
				ts.wg.Add(1)
				go func() {
					defer ts.wg.Done()
					defer counter.closed()
					defer sc.close()
					for {
						req, body, err := sc.read()
						if err != nil {
							return
						}
						if err := respond(sc, req, body); err != nil {
							return
						}
					}
				}()
			case <-quit:
				return
			case <-ts.ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(quit)
		<-exited
	}
}

// gate blocks until ch is closed or the server shuts down.
func (ts *testServer) gate(ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ts.ctx.Done():
		return ts.ctx.Err()
	}
}

func (ts *testServer) close() {
	ts.cancel()
	_ = ts.listener.Close()
	for {
		select {
		case sc := <-ts.conns:
			sc.close()
			continue
		default:
		}
		break
	}
	ts.wg.Wait()
}

func echoTarget(sc *serverConn, req http.Request, _ []byte) error {
	return sc.respond(200, req.Target)
}

type serverConn struct {
	conn transport.Conn
	dec  *http.RequestDecoder
	enc  *http.ResponseEncoder
}

func newServerConn(con transport.Conn) *serverConn {
	return &serverConn{
		conn: con,
		dec:  http.NewRequestDecoder(con, http.DecodeOptions{}),
		enc:  http.NewResponseEncoder(con, http.EncodeOptions{}),
	}
}

// read decodes a request and its body.
func (sc *serverConn) read() (http.Request, []byte, error) {
	var req http.Request
	if err := sc.dec.Decode(&req); err != nil {
		return http.Request{}, nil, err
	}

	switch {
	case req.Headers.HasToken("Transfer-Encoding", transfer.CodingChunked):
		body, err := io.ReadAll(transfer.NewChunkedReader(sc.dec.Reader()))
		return req, body, err
	case req.Headers.Has("Content-Length"):
		v, _ := req.Headers.Get("Content-Length")
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, nil, errors.Wrap(err, "parsing content length")
		}
		body := make([]byte, n)
		_, err = io.ReadFull(sc.dec.Reader(), body)
		return req, body, err
	}
	return req, nil, nil
}

func (sc *serverConn) mustRead(t *testing.T) (http.Request, []byte) {
	t.Helper()
	req, body, err := sc.read()
	require.NoError(t, err)
	return req, body
}

// waitClosed reports whether the client closed sc.
func (sc *serverConn) waitClosed() bool {
	errc := make(chan error, 1)
	go func() {
		_, _, err := sc.read()
		errc <- err
	}()

	select {
	case err := <-errc:
		return err != nil
	case <-time.After(waitFor):
		sc.close()
		return false
	}
}

func (sc *serverConn) respond(code uint, body string, fields ...http.Field) error {
	headers := http.Headers(fields).Clone()
	if !headers.Has("Content-Length") && !headers.Has("Transfer-Encoding") {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}

	reason := status.Text(code)
	if reason == "" {
		reason = "Status"
	}

	return sc.enc.Encode(http.Response{
		StatusLine: http.StatusLine{Version: http.Version1_1, StatusCode: code, ReasonPhrase: reason},
		Headers:    headers,
		Body:       strings.NewReader(body),
	})
}

func (sc *serverConn) writeRaw(raw string) error {
	_, err := sc.conn.Write([]byte(raw))
	return err
}

func (sc *serverConn) close() { _ = sc.conn.Close() }

type outcome struct {
	tag  string
	res  *Response
	body string
	err  error
}

// recorder turns request outcomes into a channel, body included.
type recorder struct {
	t  *testing.T
	ch chan outcome
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{t: t, ch: make(chan outcome, 64)}
}

func (r *recorder) handler(tag string) ResponseHandler {
	return func(res *Response, err error) {
		if err != nil {
			r.ch <- outcome{tag: tag, err: err}
			return
		}
		res.Collect(func(body []byte, err error) {
			r.ch <- outcome{tag: tag, res: res, body: string(body), err: err}
		})
	}
}

func (r *recorder) next() outcome {
	r.t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(waitFor):
		r.t.Fatal("no outcome")
		return outcome{}
	}
}

func (r *recorder) none() {
	r.t.Helper()
	select {
	case o := <-r.ch:
		r.t.Errorf("unexpected outcome for %q: %v", o.tag, o.err)
	case <-time.After(settle):
	}
}

func timeout() <-chan time.Time { return time.After(waitFor) }
