// Package pipe provides in-memory transports.
//
// Pipes are modeled after [net.Pipe], but honor a [clock.Clock] for deadlines
// so tests can drive timeouts deterministically.
package pipe

import (
	"hostclient/transport"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type pipe struct {
	stream chan []byte // stream that this pipe reads from.
	nc     chan int    // counterpart's read count is reported here.

	writeMu sync.Mutex

	closed chan struct{}
	once   sync.Once

	rdeadLine *chanDeadLine
	wdeadLine *chanDeadLine

	counterpart *pipe

	addr Addr
}

type Addr struct {
	Name string
}

func (a Addr) Network() string { return string(transport.Pipe) }
func (a Addr) String() string  { return a.Name }

var _ transport.Addr = Addr{}
var _ transport.Conn = (*pipe)(nil)

// Pipe creates a pair of synchronous, unbuffered pipes.
// A write blocks until the counterpart has read every byte of it.
func Pipe(name1, name2 string, clock clock.Clock) (c1, c2 *pipe) {
	c1, c2 = newPipe(name1, clock), newPipe(name2, clock)
	c1.counterpart, c2.counterpart = c2, c1
	return c1, c2
}

func newPipe(name string, clock clock.Clock) *pipe {
	return &pipe{
		stream:    make(chan []byte),
		nc:        make(chan int),
		closed:    make(chan struct{}),
		rdeadLine: newChanDeadLine(clock),
		wdeadLine: newChanDeadLine(clock),
		addr:      Addr{Name: name},
	}
}

func (p *pipe) LocalAddr() transport.Addr  { return p.addr }
func (p *pipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) Read(b []byte) (n int, err error) {
	if err := p.checkReadOK(); err != nil {
		return 0, err
	}

	select {
	case received := <-p.stream:
		n := copy(b, received)
		p.counterpart.nc <- n
		return n, nil
	case <-p.closed:
		return 0, transport.ErrConnClosed
	case <-p.counterpart.closed:
		return 0, transport.ErrConnClosed
	case <-p.rdeadLine.wait():
		return 0, transport.ErrDeadLineExceeded
	}
}

func (p *pipe) Write(b []byte) (n int, err error) {
	if err := p.checkWriteOK(); err != nil {
		return 0, err
	}

	if len(b) == 0 {
		return 0, nil
	}

	// Writes are serialized so they never interleave.
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	nn := 0
	for len(b) > 0 {
		select {
		case p.counterpart.stream <- b:
			n := <-p.nc
			b = b[n:]
			nn += n
		case <-p.closed:
			return nn, transport.ErrConnClosed
		case <-p.counterpart.closed:
			return nn, transport.ErrConnClosed
		case <-p.wdeadLine.wait():
			return nn, transport.ErrDeadLineExceeded
		}
	}

	return nn, nil
}

func (p *pipe) checkReadOK() error  { return p.checkOK(p.rdeadLine) }
func (p *pipe) checkWriteOK() error { return p.checkOK(p.wdeadLine) }

func (p *pipe) checkOK(d *chanDeadLine) error {
	switch {
	case isClosed(p.closed):
		return transport.ErrConnClosed
	case isClosed(p.counterpart.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (p *pipe) SetReadDeadLine(t time.Time)  { p.rdeadLine.set(t) }
func (p *pipe) SetWriteDeadLine(t time.Time) { p.wdeadLine.set(t) }

type chanDeadLine struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	exceeded chan struct{}
}

func newChanDeadLine(clock clock.Clock) *chanDeadLine {
	return &chanDeadLine{
		clock:    clock,
		exceeded: make(chan struct{}),
	}
}

func (d *chanDeadLine) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
	d.t = nil

	if isClosed(d.exceeded) {
		d.exceeded = make(chan struct{})
	}

	if t.IsZero() {
		// zero value means no limit.
		return
	}

	exceeded := d.exceeded
	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		close(exceeded)
	})
}

func (d *chanDeadLine) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.exceeded
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
