// Package test holds conformance suites for [transport] implementations.
package test

import (
	"bytes"
	"hostclient/transport"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// stuck is how long a call may block before the test gives up on it.
const stuck = time.Second

// ConnTestSuite checks what the HTTP client relies on from a [transport.Conn]:
// pipelined writes that never interleave, responses readable up to the
// peer's close, and deadlines bounding connect and handshake.
//
// Embedders call SetupTest first, then set C1 and C2 to the two ends of one
// connection. Deadlines are set on Clock, which moves by itself.
type ConnTestSuite struct {
	suite.Suite
	C1, C2 transport.Conn
	Clock  clock.Clock
}

func (s *ConnTestSuite) SetupTest() {
	s.Clock = clock.New()
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	// Some cases close an end themselves; a second close may fail on sockets.
	for _, c := range []transport.Conn{s.C1, s.C2} {
		if c != nil {
			_ = c.Close()
		}
	}
}

// await fails the test if fn blocks for too long.
func (s *ConnTestSuite) await(what string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
	case <-time.After(stuck):
		s.FailNow(what + " is stuck")
	}
}

// blockingInput is more than the transport can take without a reader.
func blockingInput(conn transport.Conn) []byte {
	if c, ok := conn.(transport.BufferedConn); ok {
		return make([]byte, c.WriteBufSize()+1)
	}
	// Beyond what the kernel buffers on both ends of a socket.
	return make([]byte, 32<<20)
}

func (s *ConnTestSuite) TestReadInPieces() {
	data := []byte("HTTP/1.1 200 OK\r\n")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := s.C1.Write(data)
		s.NoError(err)
		s.Equal(len(data), n)
	}()

	s.await("read", func() {
		head := make([]byte, 8)
		_, err := io.ReadFull(s.C2, head)
		s.Require().NoError(err)
		s.Equal("HTTP/1.1", string(head))

		rest := make([]byte, len(data)-len(head))
		_, err = io.ReadFull(s.C2, rest)
		s.Require().NoError(err)
		s.Equal(data[len(head):], rest)
	})
}

func (s *ConnTestSuite) TestConcurrentWritesDoNotInterleave() {
	const writers, size = 10, 8

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var wwg sync.WaitGroup
		for i := range writers {
			wwg.Add(1)
			go func() {
				defer wwg.Done()
				n, err := s.C1.Write(bytes.Repeat([]byte{byte('a' + i)}, size))
				s.NoError(err)
				s.Equal(size, n)
			}()
		}
		wwg.Wait()
		s.NoError(s.C1.Close())
	}()

	s.await("read", func() {
		got, err := readAll(s.C2)
		s.Require().ErrorIs(err, transport.ErrConnClosed)
		s.Require().Len(got, writers*size)

		seen := make(map[byte]bool)
		for chunk := range slices.Chunk(got, size) {
			s.Equal(bytes.Repeat(chunk[:1], size), chunk, "interleaved write")
			s.False(seen[chunk[0]], "repeated write")
			seen[chunk[0]] = true
		}
	})
}

func (s *ConnTestSuite) TestFullDuplex() {
	request, response := []byte("GET / HTTP/1.1\r\n\r\n"), []byte("HTTP/1.1 204 No Content\r\n\r\n")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.C1.Write(request)
		s.NoError(err)
	}()
	go func() {
		defer wg.Done()
		_, err := s.C2.Write(response)
		s.NoError(err)
	}()

	s.await("exchange", func() {
		got := make([]byte, len(request))
		_, err := io.ReadFull(s.C2, got)
		s.Require().NoError(err)
		s.Equal(request, got)

		got = make([]byte, len(response))
		_, err = io.ReadFull(s.C1, got)
		s.Require().NoError(err)
		s.Equal(response, got)
	})
}

func (s *ConnTestSuite) TestCloseFailsLocalCalls() {
	s.Require().NoError(s.C1.Close())

	buf := make([]byte, 10)
	n, err := s.C1.Read(buf)
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)

	n, err = s.C1.Write(buf)
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)
}

func (s *ConnTestSuite) TestDataBeforeCloseIsReadable() {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C1.Write([]byte("until the end"))
		s.NoError(err)
		s.NoError(s.C1.Close())
	}()

	s.await("read", func() {
		got, err := readAll(s.C2)
		s.ErrorIs(err, transport.ErrConnClosed)
		s.Equal("until the end", string(got))
	})
}

func (s *ConnTestSuite) TestCloseUnblocksRead() {
	errc := make(chan error, 1)
	go func() {
		_, err := s.C1.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
	s.await("read", func() { s.ErrorIs(<-errc, transport.ErrConnClosed) })
}

func (s *ConnTestSuite) TestCloseUnblocksWrite() {
	input := blockingInput(s.C1)
	errc := make(chan error, 1)
	go func() {
		_, err := s.C1.Write(input)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
	s.await("write", func() { s.ErrorIs(<-errc, transport.ErrConnClosed) })
}

func (s *ConnTestSuite) TestPastReadDeadLine() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(-time.Second))

	s.await("read", func() {
		n, err := s.C1.Read(make([]byte, 1))
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
		s.Zero(n)
	})
}

func (s *ConnTestSuite) TestPastWriteDeadLine() {
	s.C1.SetWriteDeadLine(s.Clock.Now().Add(-time.Second))

	s.await("write", func() {
		n, err := s.C1.Write(make([]byte, 1))
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
		s.Zero(n)
	})
}

func (s *ConnTestSuite) TestDeadLineUnblocksRead() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(30 * time.Millisecond))

	s.await("read", func() {
		_, err := s.C1.Read(make([]byte, 1))
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
	})
}

// A handshake deadline is lifted once the handshake is done.
func (s *ConnTestSuite) TestDeadLineCanBeCleared() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(-time.Second))
	s.await("read", func() {
		_, err := s.C1.Read(make([]byte, 1))
		s.ErrorIs(err, transport.ErrDeadLineExceeded)
	})

	s.C1.SetReadDeadLine(time.Time{})

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C2.Write([]byte("x"))
		s.NoError(err)
	}()

	s.await("read", func() {
		b := make([]byte, 1)
		_, err := io.ReadFull(s.C1, b)
		s.NoError(err)
		s.Equal("x", string(b))
	})
}

func (s *ConnTestSuite) TestAddr() {
	local1, remote1 := s.C1.LocalAddr(), s.C1.RemoteAddr()
	local2, remote2 := s.C2.LocalAddr(), s.C2.RemoteAddr()

	s.Equal(local1.String(), remote2.String())
	s.Equal(local2.String(), remote1.String())
	s.Equal(local1.Network(), remote1.Network())
}

// readAll reads until conn fails and returns what arrived with the error.
func readAll(conn transport.Conn) ([]byte, error) {
	var got []byte
	buf := make([]byte, 16)
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return got, err
		}
	}
}
