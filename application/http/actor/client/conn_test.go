package client

import (
	"hostclient/application/http"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ConnTestSuite covers how responses are framed and matched to requests.
type ConnTestSuite struct{ harness }

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func (s *ConnTestSuite) SetupTest() {
	s.harness.SetupTest()
	s.newClient()
	s.server.start()
}

// exchange sends one request and answers it with raw.
func (s *ConnTestSuite) exchange(sc *serverConn, method, tag, raw string) outcome {
	s.send(method, "/"+tag, tag)
	if sc == nil {
		sc = s.server.accept()
	}
	req, _ := sc.mustRead(s.T())
	s.Equal(method, req.Method)
	s.Require().NoError(sc.writeRaw(raw))
	return s.rec.next()
}

func (s *ConnTestSuite) TestChunkedResponse() {
	s.send(http.MethodGet, "/chunked", "chunked")
	sc := s.server.accept()
	defer sc.close()
	sc.mustRead(s.T())

	s.Require().NoError(sc.writeRaw("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n"))

	o := s.rec.next()
	s.Require().NoError(o.err)
	s.Equal("hello world", o.body)
	v, _ := o.res.Trailers().Get("X-Checksum")
	s.Equal("abc", v)

	// The connection stays usable.
	o = s.exchange(sc, http.MethodGet, "next", "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nnext")
	s.Require().NoError(o.err)
	s.Equal("next", o.body)
	s.server.noMoreConns()
}

func (s *ConnTestSuite) TestCloseDelimitedResponse() {
	s.send(http.MethodGet, "/eof", "eof")
	sc := s.server.accept()
	sc.mustRead(s.T())

	s.Require().NoError(sc.writeRaw("HTTP/1.1 200 OK\r\n\r\nuntil the end"))
	sc.close()

	o := s.rec.next()
	s.Require().NoError(o.err)
	s.Equal("until the end", o.body)
	s.eventuallyStats(PoolStats{})
}

func (s *ConnTestSuite) TestHeadResponseHasNoBody() {
	o := s.exchange(nil, http.MethodHead, "head", "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n")
	s.Require().NoError(o.err)
	s.Empty(o.body)
	s.eventuallyStats(PoolStats{Live: 1, Idle: 1})
}

func (s *ConnTestSuite) TestBodylessStatuses() {
	s.send(http.MethodGet, "/204", "204")
	sc := s.server.accept()
	defer sc.close()
	sc.mustRead(s.T())
	s.Require().NoError(sc.writeRaw("HTTP/1.1 204 No Content\r\n\r\n"))

	o := s.rec.next()
	s.Require().NoError(o.err)
	s.Equal(uint(204), o.res.StatusCode())

	o = s.exchange(sc, http.MethodGet, "304", "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n")
	s.Require().NoError(o.err)
	s.Equal(uint(304), o.res.StatusCode())
	s.Empty(o.body)
}

func (s *ConnTestSuite) TestInterimResponsesAreSkipped() {
	o := s.exchange(nil, http.MethodPost, "interim",
		"HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </style.css>\r\n\r\n"+
			"HTTP/1.1 201 Created\r\nContent-Length: 7\r\n\r\ncreated")
	s.Require().NoError(o.err)
	s.Equal(uint(201), o.res.StatusCode())
	s.Equal("created", o.body)
	s.False(o.res.Headers().Has("Link"))
}

func (s *ConnTestSuite) TestSwitchingProtocolsIsProtocolError() {
	o := s.exchange(nil, http.MethodGet, "101", "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n")
	s.ErrorIs(o.err, ErrProtocol)
	s.eventuallyStats(PoolStats{})
}

func (s *ConnTestSuite) TestMalformedResponse() {
	o := s.exchange(nil, http.MethodGet, "garbage", "HTTP/1.1 two hundred\r\n\r\n")
	s.ErrorIs(o.err, ErrProtocol)
	s.ErrorIs(o.err, http.ErrMalformedStatusLine)
	s.NotErrorIs(o.err, ErrConnectionLost)
	s.eventuallyStats(PoolStats{})
}

func (s *ConnTestSuite) TestOversizedHeaderIsProtocolError() {
	s.send(http.MethodGet, "/huge", "huge")
	sc := s.server.accept()
	sc.mustRead(s.T())

	// Far beyond what the pipe buffers; the write ends when the client drops sc.
	written := make(chan error, 1)
	go func() {
		written <- sc.writeRaw("HTTP/1.1 200 OK\r\nX-Huge: " + strings.Repeat("a", 8<<20) + "\r\n\r\n")
	}()

	o := s.rec.next()
	s.ErrorIs(o.err, ErrProtocol)
	s.ErrorIs(o.err, http.ErrFieldLineTooLong)
	s.NotErrorIs(o.err, ErrConnectionLost)
	s.Error(<-written)
	s.eventuallyStats(PoolStats{})
}

func (s *ConnTestSuite) TestDecodeLimitsCanBeTightened() {
	s.client.Close()
	s.waitDone()

	opts := Options{Receive: ReceiveOptions{Decode: http.DecodeOptions{MaxFieldCount: 2}}}
	client, err := New(s.cfg, s.transport, slog.New(slog.DiscardHandler), s.clock, opts)
	s.Require().NoError(err)
	s.client = client

	o := s.exchange(nil, http.MethodGet, "fields", "HTTP/1.1 200 OK\r\nA: 1\r\nB: 2\r\nC: 3\r\nContent-Length: 0\r\n\r\n")
	s.ErrorIs(o.err, ErrProtocol)
	s.ErrorIs(o.err, http.ErrTooManyFields)
}

func (s *ConnTestSuite) TestInvalidContentLength() {
	o := s.exchange(nil, http.MethodGet, "length", "HTTP/1.1 200 OK\r\nContent-Length: 1, 2\r\n\r\n")
	s.ErrorIs(o.err, ErrProtocol)
}

func (s *ConnTestSuite) TestHTTP10ClosesConnection() {
	o := s.exchange(nil, http.MethodGet, "old", "HTTP/1.0 200 OK\r\nContent-Length: 3\r\n\r\nold")
	s.Require().NoError(o.err)
	s.Equal(http.Version1_0, o.res.Version())
	s.eventuallyStats(PoolStats{})
}

func (s *ConnTestSuite) TestProtocolErrorFailsFollowersAsLost() {
	s.client.Close()
	s.waitDone()

	s.cfg.SetPipelining(true).SetPipeliningLimit(2).SetMaxPoolSize(1)
	s.newClient()

	s.send(http.MethodGet, "/1", "1")
	s.send(http.MethodGet, "/2", "2")
	sc := s.server.accept()
	defer sc.close()
	sc.mustRead(s.T())
	sc.mustRead(s.T())

	s.Require().NoError(sc.writeRaw("NOT HTTP\r\n\r\n"))

	o := s.rec.next()
	s.Equal("1", o.tag)
	s.ErrorIs(o.err, ErrProtocol)

	o = s.rec.next()
	s.Equal("2", o.tag)
	s.ErrorIs(o.err, ErrConnectionLost)
}

func (s *ConnTestSuite) TestChunkedRequest() {
	req := s.client.Post("/upload", s.rec.handler("upload")).SetChunked(true)
	_, err := req.WriteString("hello ")
	s.Require().NoError(err)
	_, err = req.Write([]byte("chunks"))
	s.Require().NoError(err)
	s.Require().NoError(req.End())

	_, err = req.WriteString("late")
	s.ErrorIs(err, ErrRequestEnded)

	sc := s.server.accept()
	defer sc.close()
	got, body := sc.mustRead(s.T())
	s.True(got.Headers.HasToken("Transfer-Encoding", "chunked"))
	s.False(got.Headers.Has("Content-Length"))
	s.Equal("hello chunks", string(body))

	s.Require().NoError(sc.respond(200, ""))
	s.Require().NoError(s.rec.next().err)
}

func (s *ConnTestSuite) TestRequestBodies() {
	s.send(http.MethodPost, "/empty", "empty")
	sc := s.server.accept()
	defer sc.close()

	got, body := sc.mustRead(s.T())
	v, _ := got.Headers.Get("Content-Length")
	s.Equal("0", v)
	s.Empty(body)
	s.Require().NoError(sc.respond(200, ""))
	s.Require().NoError(s.rec.next().err)

	req := s.client.Put("/data", s.rec.handler("data")).PutHeader("Content-Type", "text/plain")
	_, _ = req.WriteString("payload")
	s.Require().NoError(req.End())

	got, body = sc.mustRead(s.T())
	v, _ = got.Headers.Get("Content-Length")
	s.Equal("7", v)
	v, _ = got.Headers.Get("Content-Type")
	s.Equal("text/plain", v)
	s.Equal("payload", string(body))
	s.Require().NoError(sc.respond(200, ""))
	s.Require().NoError(s.rec.next().err)
}
