package websocket

import (
	"context"
	"hostclient/application/http"
	"hostclient/lib/loop"
	"hostclient/transport/tcp"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

const waitFor = 2 * time.Second

type ConnTestSuite struct {
	suite.Suite

	loop     *loop.Loop
	server   *httptest.Server
	peers    chan *gws.Conn
	upgrades chan *nethttp.Request

	peer   *gws.Conn
	conn   *Conn
	served chan error
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func (s *ConnTestSuite) SetupTest() {
	s.loop = loop.New()
	s.peers = make(chan *gws.Conn, 1)
	s.upgrades = make(chan *nethttp.Request, 1)
	s.served = make(chan error, 1)
	s.peer, s.conn = nil, nil

	upgrader := gws.Upgrader{}
	s.server = httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path == "/missing" {
			nethttp.NotFound(w, r)
			return
		}
		s.upgrades <- r
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.peers <- ws
	}))
}

func (s *ConnTestSuite) TearDownTest() {
	if s.conn != nil {
		_ = s.conn.Abort()
	}
	if s.peer != nil {
		_ = s.peer.Close()
	}
	if s.conn != nil {
		<-s.conn.Done()
	}
	s.server.Close()

	s.loop.Stop()
	<-s.loop.Done()
	goleak.VerifyNone(s.T())
}

func (s *ConnTestSuite) dial(hs Handshake) (*Conn, error) {
	nc, err := net.Dial("tcp", s.server.Listener.Addr().String())
	s.Require().NoError(err)

	hs.Host = s.server.Listener.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return Dial(ctx, tcp.Wrap(nc), hs, s.loop)
}

// connect upgrades to the test server, sets handlers on the loop, then serves.
func (s *ConnTestSuite) connect(setup func(c *Conn)) {
	conn, err := s.dial(Handshake{Target: "/", MaxFrameSize: 16})
	s.Require().NoError(err)
	s.conn = conn

	select {
	case s.peer = <-s.peers:
	case <-time.After(waitFor):
		s.FailNow("server never upgraded")
	}

	ready := make(chan struct{})
	s.loop.Execute(func() {
		setup(s.conn)
		close(ready)
	})
	<-ready

	go func() { s.served <- s.conn.Serve(context.Background()) }()
}

// peerClose reads from the server end until the client's close frame.
func (s *ConnTestSuite) peerClose() *gws.CloseError {
	s.Require().NoError(s.peer.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := s.peer.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *gws.CloseError
		s.Require().ErrorAs(err, &closeErr)
		return closeErr
	}
}

func (s *ConnTestSuite) serveResult() error {
	select {
	case err := <-s.served:
		return err
	case <-time.After(waitFor):
		s.FailNow("still serving")
		return nil
	}
}

func (s *ConnTestSuite) TestMessages() {
	texts := make(chan string, 1)
	binaries := make(chan []byte, 1)
	s.connect(func(c *Conn) {
		c.TextMessageHandler(func(text string) { texts <- text })
		c.BinaryMessageHandler(func(data []byte) { binaries <- data })
	})

	s.Require().NoError(s.peer.WriteMessage(gws.TextMessage, []byte("hello")))
	s.Require().NoError(s.peer.WriteMessage(gws.BinaryMessage, []byte{1, 2, 3}))
	s.Equal("hello", <-texts)
	s.Equal([]byte{1, 2, 3}, <-binaries)

	s.Require().NoError(s.conn.WriteText("world"))
	messageType, msg, err := s.peer.ReadMessage()
	s.Require().NoError(err)
	s.Equal(gws.TextMessage, messageType)
	s.Equal("world", string(msg))
}

func (s *ConnTestSuite) TestWriteLargerThanFrameSize() {
	s.connect(func(*Conn) {})

	message := []byte("0123456789abcdefXYZ") // 19 bytes over frames of 16.
	s.Require().NoError(s.conn.WriteBinary(message))

	_, msg, err := s.peer.ReadMessage()
	s.Require().NoError(err)
	s.Equal(message, msg)
}

func (s *ConnTestSuite) TestMessageTooLarge() {
	errs := make(chan error, 1)
	s.connect(func(c *Conn) {
		c.ExceptionHandler(func(err error) { errs <- err })
	})

	s.Require().NoError(s.peer.WriteMessage(gws.BinaryMessage, make([]byte, 17)))

	s.Equal(int(CloseMessageTooLarge), s.peerClose().Code)
	s.ErrorIs(s.serveResult(), ErrFrameTooLarge)
	s.ErrorIs(<-errs, ErrFrameTooLarge)
}

func (s *ConnTestSuite) TestPing() {
	pongs := make(chan []byte, 1)
	s.connect(func(c *Conn) {
		c.PongHandler(func(data []byte) { pongs <- data })
	})

	// The server answers pings while it reads.
	go func() {
		for {
			if _, _, err := s.peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.Require().NoError(s.conn.Ping([]byte("p")))
	select {
	case data := <-pongs:
		s.Equal([]byte("p"), data)
	case <-time.After(waitFor):
		s.Fail("no pong")
	}

	s.ErrorIs(s.conn.Ping(make([]byte, 126)), ErrProtocol)
}

func (s *ConnTestSuite) TestServerInitiatedClose() {
	closed := make(chan uint16, 1)
	s.connect(func(c *Conn) {
		c.CloseHandler(func(code uint16, reason string) {
			s.Equal("bye", reason)
			closed <- code
		})
	})

	msg := gws.FormatCloseMessage(int(CloseGoingAway), "bye")
	s.Require().NoError(s.peer.WriteControl(gws.CloseMessage, msg, time.Now().Add(waitFor)))

	s.Equal(int(CloseGoingAway), s.peerClose().Code)
	s.Equal(CloseGoingAway, <-closed)
	s.NoError(s.serveResult())
	s.ErrorIs(s.conn.WriteText("late"), ErrClosed)
}

func (s *ConnTestSuite) TestClientInitiatedClose() {
	s.connect(func(*Conn) {})

	s.Require().NoError(s.conn.Close(CloseNormal, "done"))

	// The server echoes the close while reading it.
	closeErr := s.peerClose()
	s.Equal(int(CloseNormal), closeErr.Code)
	s.Equal("done", closeErr.Text)
	s.NoError(s.serveResult())
}

func (s *ConnTestSuite) TestProtocolViolation() {
	errs := make(chan error, 1)
	s.connect(func(c *Conn) {
		c.ExceptionHandler(func(err error) { errs <- err })
	})

	// A final continuation frame outside of any message.
	_, err := s.peer.NetConn().Write([]byte{0x80, 0x01, 'x'})
	s.Require().NoError(err)

	s.Equal(int(CloseProtocolError), s.peerClose().Code)
	s.ErrorIs(s.serveResult(), ErrProtocol)
	s.ErrorIs(<-errs, ErrProtocol)
}

func (s *ConnTestSuite) TestMaskedServerFrame() {
	s.connect(func(*Conn) {})

	_, err := s.peer.NetConn().Write([]byte{0x81, 0x81, 0, 0, 0, 0, 'x'})
	s.Require().NoError(err)

	s.Equal(int(CloseProtocolError), s.peerClose().Code)
	s.ErrorIs(s.serveResult(), ErrProtocol)
}

func (s *ConnTestSuite) TestInvalidUTF8() {
	s.connect(func(*Conn) {})

	s.Require().NoError(s.peer.WriteMessage(gws.TextMessage, []byte{0xff, 0xfe}))

	s.Equal(int(CloseInvalidPayload), s.peerClose().Code)
	s.ErrorIs(s.serveResult(), ErrProtocol)
}

func (s *ConnTestSuite) TestAbort() {
	s.connect(func(*Conn) {})

	s.Require().NoError(s.conn.Abort())
	s.NoError(s.serveResult())
}

func (s *ConnTestSuite) TestDialSendsHeaders() {
	conn, err := s.dial(Handshake{
		Target:  "/chat?room=1",
		Headers: http.Headers{{Name: "X-Token", Value: "secret"}},
	})
	s.Require().NoError(err)
	s.conn = conn
	s.peer = <-s.peers
	go func() { s.served <- s.conn.Serve(context.Background()) }()

	r := <-s.upgrades
	s.Equal("/chat", r.URL.Path)
	s.Equal("room=1", r.URL.RawQuery)
	s.Equal("secret", r.Header.Get("X-Token"))
	s.Equal("13", r.Header.Get("Sec-WebSocket-Version"))
	s.Equal(s.server.Listener.Addr().String(), r.Host)
}

func (s *ConnTestSuite) TestDialRejected() {
	_, err := s.dial(Handshake{Target: "/missing"})
	s.ErrorIs(err, ErrHandshake)
	s.Contains(err.Error(), "404")
}

func (s *ConnTestSuite) TestHandshakeCheck() {
	s.ErrorIs(Handshake{Version: "8"}.Check(), ErrUnsupportedVersion)
	s.ErrorIs(Handshake{Headers: http.Headers{{Name: "Sec-WebSocket-Key", Value: "x"}}}.Check(), ErrReservedHeader)
	s.Error(Handshake{Headers: http.Headers{{Name: "Bad Name", Value: "x"}}}.Check())
	s.NoError(Handshake{Version: Version13, Headers: http.Headers{{Name: "Origin", Value: "http://localhost"}}}.Check())
}
