// Package queue provides the FIFO containers used for waiters and
// in-flight responses.
package queue

import "errors"

var ErrQueueEmpty = errors.New("queue is empty")

type Queue[T any] interface {
	Enqueue(v T)
	Dequeue() (T, error)
	Peek() (T, error)
	Len() uint
}

// NaiveQueue is a slice backed FIFO. It is not safe for concurrent use.
type NaiveQueue[T any] struct {
	queue []T
}

func NewNaive[T any](initialCap uint) *NaiveQueue[T] {
	return &NaiveQueue[T]{queue: make([]T, 0, initialCap)}
}

var _ Queue[int] = (*NaiveQueue[int])(nil)

func (q *NaiveQueue[T]) Enqueue(v T) {
	q.queue = append(q.queue, v)
}

func (q *NaiveQueue[T]) Dequeue() (T, error) {
	if q.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}

	v := q.queue[0]
	// Drop the reference so the backing array does not pin it.
	var zero T
	q.queue[0] = zero
	q.queue = q.queue[1:]
	if len(q.queue) == 0 {
		q.queue = q.queue[:0:0]
	}

	return v, nil
}

func (q *NaiveQueue[T]) Peek() (T, error) {
	if q.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.queue[0], nil
}

func (q *NaiveQueue[T]) Len() uint {
	return uint(len(q.queue))
}

// Drain removes and returns every element in FIFO order.
func (q *NaiveQueue[T]) Drain() []T {
	out := q.queue
	q.queue = nil
	return out
}

// Remove deletes the first element for which match returns true.
func (q *NaiveQueue[T]) Remove(match func(T) bool) bool {
	for i, v := range q.queue {
		if match(v) {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return true
		}
	}
	return false
}
