package test

import (
	"hostclient/transport"
	"io"
	"sync"
)

// BufferedConnTestSuite adds the checks specific to [transport.BufferedConn].
// A client pipelining requests relies on them: it writes ahead of the
// responses without anyone reading yet.
type BufferedConnTestSuite struct {
	ConnTestSuite
}

func (s *BufferedConnTestSuite) buffered() (c1, c2 transport.BufferedConn) {
	return s.C1.(transport.BufferedConn), s.C2.(transport.BufferedConn)
}

func (s *BufferedConnTestSuite) TestWritesAheadOfReader() {
	c1, c2 := s.buffered()
	size := int(c2.ReadBufSize())

	// Several small messages back to back, none read yet.
	msgs := [][]byte{[]byte("GET /a"), []byte("GET /b"), []byte("GET /c")}
	total := 0
	for _, m := range msgs {
		if total+len(m) > size {
			break
		}
		n, err := c1.Write(m)
		s.Require().NoError(err)
		s.Equal(len(m), n)
		total += n
	}

	got := make([]byte, total)
	_, err := io.ReadFull(c2, got)
	s.Require().NoError(err)
	s.Equal("GET /aGET /bGET /c"[:total], string(got))
}

func (s *BufferedConnTestSuite) TestBothWrite() {
	c1, c2 := s.buffered()
	size1, size2 := int(c1.ReadBufSize()), int(c2.ReadBufSize())

	var wg sync.WaitGroup
	wg.Add(2)
	defer wg.Wait()

	exchange := func(c transport.Conn, peerSize, ownSize int) {
		defer wg.Done()

		// Fill the peer's buffer completely before reading anything.
		n, err := c.Write(make([]byte, peerSize))
		s.Require().NoError(err)
		s.Equal(peerSize, n)

		_, err = io.ReadFull(c, make([]byte, ownSize))
		s.Require().NoError(err)
	}

	go exchange(c1, size2, size1)
	go exchange(c2, size1, size2)
}

func (s *BufferedConnTestSuite) TestReadAfterClose() {
	c1, c2 := s.buffered()
	size1 := int(c1.ReadBufSize())

	n, err := c2.Write(make([]byte, size1))
	s.Require().NoError(err)
	s.Require().Equal(size1, n)

	s.Require().NoError(c2.Close())

	// A response fully written before the peer hung up is still readable.
	n, err = io.ReadFull(c1, make([]byte, size1))
	s.Require().NoError(err)
	s.Equal(size1, n)

	n, err = c1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)
}
