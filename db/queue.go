package db

import (
	"sync"

	"github.com/eapache/queue"
)

// ProducerConsumerQueue is an unbounded FIFO shared by any number of
// producers and consumers. Once cancelled it rejects pushes and wakes every
// waiting consumer.
type ProducerConsumerQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    *queue.Queue
	shutdown bool
}

func NewProducerConsumerQueue[T any]() *ProducerConsumerQueue[T] {
	q := &ProducerConsumerQueue[T]{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v and wakes one consumer. It returns false, dropping v,
// after Cancel.
func (q *ProducerConsumerQueue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.items.Add(v)
	q.mu.Unlock()

	q.cond.Signal()
	return true
}

// Pop removes the oldest item without blocking.
func (q *ProducerConsumerQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.shutdown || q.items.Length() == 0 {
		return zero, false
	}
	return q.items.Remove().(T), true
}

// WaitAndPop blocks until an item is available or the queue is cancelled.
// The second result is false only after Cancel.
func (q *ProducerConsumerQueue[T]) WaitAndPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Length() == 0 && !q.shutdown {
		q.cond.Wait()
	}

	var zero T
	if q.shutdown {
		return zero, false
	}
	return q.items.Remove().(T), true
}

// Len returns the number of queued items.
func (q *ProducerConsumerQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *ProducerConsumerQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Cancel shuts the queue down and returns the items that were still queued,
// oldest first. Calling it again returns nil.
func (q *ProducerConsumerQueue[T]) Cancel() []T {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	dropped := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		dropped = append(dropped, q.items.Remove().(T))
	}
	q.mu.Unlock()

	q.cond.Broadcast()
	return dropped
}

// Cancelled reports whether Cancel was called.
func (q *ProducerConsumerQueue[T]) Cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}
