package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrIdle is returned by Get when nothing arrived within the idle timeout.
	ErrIdle = errors.New("mailbox idle")
	// ErrClosed is returned by Get after Close.
	ErrClosed = errors.New("mailbox closed")
)

// Mailbox is an unbounded single-consumer FIFO. Once Get gives up on an idle
// mailbox it closes it, so a producer racing the timeout sees Put fail
// instead of losing the message.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // signalled on Put, capacity 1
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v. It returns false if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Get waits up to idle for the next item. On idle timeout the mailbox is
// closed and ErrIdle returned; on ctx cancellation ctx.Err() is returned.
func (m *Mailbox[T]) Get(ctx context.Context, idle time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, nil
		}
		if m.closed {
			m.mu.Unlock()
			return zero, ErrClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.ready:
		case <-timer.C:
			m.mu.Lock()
			if len(m.items) > 0 {
				m.mu.Unlock()
				continue
			}
			m.closed = true
			m.mu.Unlock()
			return zero, ErrIdle
		}
	}
}

// Len is the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts and drops anything queued.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}
