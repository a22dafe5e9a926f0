// Package loop implements a single consumer task queue.
//
// Every task posted to a [Loop] runs on the loop's goroutine, one at a time,
// in the order it was posted. State touched only from tasks needs no locking.
package loop

import (
	"hostclient/lib/ds/queue"
	"sync"
)

type Loop struct {
	mu       sync.Mutex
	tasks    *queue.NaiveQueue[func()]
	stopping bool

	signal chan struct{}
	done   chan struct{}
}

// New starts a loop goroutine.
func New() *Loop {
	l := &Loop{
		tasks:  queue.NewNaive[func()](16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Execute posts task. It reports false if the loop was stopped, in which
// case task is never run.
func (l *Loop) Execute(task func()) bool {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.tasks.Enqueue(task)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Stop rejects new tasks. Tasks already posted still run.
// It is safe to call Stop from within a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Done is closed once the loop has stopped and run its last task.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.tasks.Drain()
		stopping := l.stopping
		l.mu.Unlock()

		for _, task := range batch {
			task()
		}

		if len(batch) > 0 {
			continue
		}
		if stopping {
			return
		}
		<-l.signal
	}
}
