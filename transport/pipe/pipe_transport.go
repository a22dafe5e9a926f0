package pipe

import (
	"context"
	"hostclient/transport"
	"sync"

	"github.com/benbjohnson/clock"
)

type pipeRequest struct {
	conn     transport.Conn
	accepted chan struct{}
}

// PipeTransport is an in-memory network. Listeners are keyed by the string form of their address,
// so a client dialing [transport.HostPort] reaches a listener registered with the same host:port.
type PipeTransport struct {
	listeners map[string]*Listener
	clock     clock.Clock
	bufSize   uint

	mu sync.Mutex
}

// NewPipeTransport creates a transport handing out synchronous pipes.
func NewPipeTransport(clock clock.Clock) *PipeTransport {
	return NewBufferedPipeTransport(clock, 0)
}

// NewBufferedPipeTransport creates a transport handing out buffered pipes of bufSize.
// Zero bufSize means synchronous pipes.
func NewBufferedPipeTransport(clock clock.Clock, bufSize uint) *PipeTransport {
	return &PipeTransport{
		listeners: make(map[string]*Listener),
		clock:     clock,
		bufSize:   bufSize,
	}
}

var _ transport.ConnDialer = (*PipeTransport)(nil)

func (pt *PipeTransport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	pt.mu.Lock()
	listener, ok := pt.listeners[addr.String()]
	pt.mu.Unlock()

	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	local, remote := pt.newPair("dialer", addr.String())

	req := pipeRequest{
		conn:     remote,
		accepted: make(chan struct{}, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case _, accepted := <-req.accepted:
		if !accepted {
			return nil, transport.ErrConnRefused
		}
	}

	return local, nil
}

func (pt *PipeTransport) newPair(name1, name2 string) (transport.Conn, transport.Conn) {
	if pt.bufSize > 0 {
		return BufferedPipe(name1, name2, pt.clock, pt.bufSize)
	}
	return Pipe(name1, name2, pt.clock)
}

func (pt *PipeTransport) Listen(addr transport.Addr) (*Listener, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	key := addr.String()
	if _, ok := pt.listeners[key]; ok {
		return nil, transport.ErrAddrAlreadyInUse
	}

	l := &Listener{
		addr:      addr,
		transport: pt,
		requests:  make(chan pipeRequest),
		closed:    make(chan struct{}),
	}
	pt.listeners[key] = l

	return l, nil
}

type Listener struct {
	addr transport.Addr

	transport *PipeTransport

	requests chan pipeRequest
	closed   chan struct{}

	mu sync.Mutex
}

var _ transport.ConnListener = (*Listener)(nil)

func (l *Listener) Addr() transport.Addr { return l.addr }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrConnListenerClosed
	case request := <-l.requests:
		select {
		case <-ctx.Done():
			close(request.accepted)
			return nil, ctx.Err()
		case request.accepted <- struct{}{}:
		}

		return request.conn, nil
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isClosed(l.closed) {
		return transport.ErrConnListenerClosed
	}

	close(l.closed)

	// Refuse dialers that already handed over their requests.
	for {
		select {
		case req := <-l.requests:
			close(req.accepted)
			continue
		default:
		}
		break
	}

	l.transport.mu.Lock()
	delete(l.transport.listeners, l.addr.String())
	l.transport.mu.Unlock()

	return nil
}
