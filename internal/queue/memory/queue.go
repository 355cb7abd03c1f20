// Package memory provides a queue implementation for local development and
// tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/selextract/scrape-engine/internal/engine"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	mu     sync.RWMutex
	ch     chan engine.TaskMessage
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan engine.TaskMessage, capacity),
	}
}

// Enqueue pushes a task into the queue. It blocks while the queue is full
// and returns if the context ends or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, msg engine.TaskMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- msg:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. A closed and
// drained queue returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (engine.TaskMessage, error) {
	select {
	case <-ctx.Done():
		return engine.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return engine.TaskMessage{}, ErrClosed
		}
		return msg, nil
	}
}

// Close stops the queue. Messages already buffered remain dequeueable; Close
// waits for in-flight Enqueue calls to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
