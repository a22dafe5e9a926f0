package client

import (
	"hostclient/lib/ds/queue"
	"log/slog"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

// connPool bounds and shares the connections to one host.
// It is owned by the client loop; none of its methods may be called elsewhere.
type connPool struct {
	conns   []*conn
	waiters *queue.NaiveQueue[*connRequest]

	// live counts connections being dialed and established ones.
	live      uint
	maxLive   uint
	keepAlive bool
	closed    bool
	graceful  bool
	drained   bool

	idleTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics

	// dialFunc starts an asynchronous dial whose outcome comes back through dialed.
	dialFunc func(req *connRequest)
	// onDrained is called once after close, when the last connection is gone.
	onDrained func()
}

// connRequest waits for a connection. onConn is called exactly once.
type connRequest struct {
	onConn    func(c *conn, err error)
	satisfied bool
}

func (r *connRequest) provide(c *conn, err error) (success bool) {
	if r.satisfied {
		return false
	}
	r.satisfied = true
	r.onConn(c, err)
	return true
}

func newConnPool(cfg *Config, clock clock.Clock, logger *slog.Logger, m *metrics) *connPool {
	return &connPool{
		waiters:     queue.NewNaive[*connRequest](0),
		maxLive:     cfg.MaxPoolSize(),
		keepAlive:   cfg.KeepAlive(),
		graceful:    cfg.GracefulClose(),
		idleTimeout: cfg.IdleTimeout(),
		clock:       clock,
		logger:      logger,
		metrics:     m,
	}
}

func (pool *connPool) acquire(req *connRequest) {
	defer pool.observe()

	if pool.closed {
		req.provide(nil, ErrPoolClosed)
		return
	}

	pool.evictIdle()

	if c := pool.available(); c != nil {
		c.occupy()
		req.provide(c, nil)
		return
	}

	if pool.live < pool.maxLive {
		pool.live++
		pool.dialFunc(req)
		return
	}

	pool.waiters.Enqueue(req)
}

// available returns the usable connection with the most free seats.
// An idle connection therefore wins over a busy pipelined one.
func (pool *connPool) available() *conn {
	var best *conn
	for _, c := range pool.conns {
		if !c.usable() {
			continue
		}
		if best == nil || c.seats > best.seats {
			best = c
		}
	}
	return best
}

func (pool *connPool) evictIdle() {
	if pool.idleTimeout == 0 {
		return
	}

	for _, c := range slices.Clone(pool.conns) {
		if c.idleTimeoutExceeded(pool.idleTimeout) {
			pool.logger.Debug("evicting idle connection", slog.String("remote", c.con.RemoteAddr().String()))
			c.close(errIdleTimeout)
		}
	}
}

// dialed completes a dial started for req. c is nil when err is not.
func (pool *connPool) dialed(req *connRequest, c *conn, err error) {
	defer pool.observe()

	if err != nil {
		pool.live--
		req.provide(nil, err)
		pool.serveWaiters()
		pool.checkDrained()
		return
	}

	if pool.closed {
		c.discard()
		pool.live--
		req.provide(nil, ErrPoolClosed)
		pool.checkDrained()
		return
	}

	pool.conns = append(pool.conns, c)
	c.start()
	c.occupy()
	req.provide(c, nil)

	// A pipelined connection may take more than one waiter.
	pool.serveWaiters()
}

// release frees the seat taken by a finished response.
func (pool *connPool) release(c *conn) {
	defer pool.observe()

	c.unoccupy()

	if c.closing {
		return
	}

	if !c.reusable || !pool.keepAlive || pool.closed {
		c.reusable = false
		if c.pending.Len() == 0 {
			c.close(errClosedByPool)
		}
		return
	}

	pool.serveWaiters()
}

// remove forgets a closed connection, freeing its slot.
func (pool *connPool) remove(c *conn) {
	defer pool.observe()

	idx := slices.Index(pool.conns, c)
	if idx < 0 {
		return
	}
	pool.conns = slices.Delete(pool.conns, idx, idx+1)
	pool.live--

	pool.serveWaiters()
	pool.checkDrained()
}

// serveWaiters hands connections, existing or new, to waiters in FIFO order.
func (pool *connPool) serveWaiters() {
	for !pool.closed && pool.waiters.Len() > 0 {
		if c := pool.available(); c != nil {
			req, _ := pool.waiters.Dequeue()
			c.occupy()
			req.provide(c, nil)
			continue
		}

		if pool.live < pool.maxLive {
			req, _ := pool.waiters.Dequeue()
			pool.live++
			pool.dialFunc(req)
			continue
		}

		break
	}
}

// closeAll rejects new requests and fails every waiter with [ErrPoolClosed].
// Idle connections are closed at once. Active ones are closed too, unless
// graceful close is on, in which case they finish their pending responses.
func (pool *connPool) closeAll() {
	if pool.closed {
		return
	}
	pool.closed = true
	defer pool.observe()

	for _, req := range pool.waiters.Drain() {
		req.provide(nil, ErrPoolClosed)
	}

	for _, c := range slices.Clone(pool.conns) {
		if c.pending.Len() == 0 || !pool.graceful {
			c.close(errClosedByPool)
			continue
		}
		c.reusable = false
	}

	pool.checkDrained()
}

func (pool *connPool) checkDrained() {
	if !pool.closed || pool.drained || pool.live > 0 {
		return
	}
	pool.drained = true
	if pool.onDrained != nil {
		pool.onDrained()
	}
}

func (pool *connPool) stats() PoolStats {
	s := PoolStats{
		Live:    pool.live,
		Waiters: pool.waiters.Len(),
		Closed:  pool.closed,
	}
	for _, c := range pool.conns {
		if c.idle() {
			s.Idle++
		}
	}
	return s
}

func (pool *connPool) observe() {
	if pool.metrics != nil {
		pool.metrics.observe(pool.stats())
	}
}
