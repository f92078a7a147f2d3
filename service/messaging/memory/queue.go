// Package memory provides a channel-backed messaging.Queue with bounded
// retries and an optional dead-letter buffer.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/internal/idgen"
	"github.com/wrldbldr/stagegate/service/messaging"
)

// Config tunes retry and buffering behaviour.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	DeadLetter  bool
	QueueBuffer int
}

// DefaultConfig returns the standard in-memory queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryDelay:  100 * time.Millisecond,
		DeadLetter:  true,
		QueueBuffer: 100,
	}
}

// Message is a queued payload; Ack and Nack may each be called once.
type Message[T any] struct {
	id        string
	payload   T
	queue     *Queue[T]
	retries   int
	createdAt time.Time

	mu        sync.Mutex
	processed bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.payload
}

// Ack marks the message as successfully processed.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %v already processed", m.id)
	}
	m.processed = true
	return nil
}

// Nack records a processing failure. The message is redelivered after the
// retry delay until MaxRetries is exhausted, then parked on the dead-letter
// buffer when one is configured.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %v already processed", m.id)
	}
	m.processed = true
	m.retries++

	if m.retries <= m.queue.config.MaxRetries {
		go m.queue.redeliver(m)
		return nil
	}
	if m.queue.config.DeadLetter {
		m.queue.park(m)
	}
	return nil
}

// Queue is an in-memory messaging.Queue.
type Queue[T any] struct {
	messages chan *Message[T]
	config   Config

	dlqMu sync.Mutex
	dlq   []*Message[T]
}

// NewQueue creates an in-memory queue.
func NewQueue[T any](config Config) *Queue[T] {
	if config.QueueBuffer <= 0 {
		config.QueueBuffer = DefaultConfig().QueueBuffer
	}
	return &Queue[T]{
		messages: make(chan *Message[T], config.QueueBuffer),
		config:   config,
	}
}

// Publish enqueues a payload; it blocks when the buffer is full.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	msg := &Message[T]{
		id:        idgen.New(),
		payload:   *t,
		queue:     q,
		createdAt: clock.Now(),
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until a message is available or the context ends.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size reports the number of buffered messages.
func (q *Queue[T]) Size() int {
	return len(q.messages)
}

// DLQSize reports the number of dead-lettered messages.
func (q *Queue[T]) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

func (q *Queue[T]) redeliver(m *Message[T]) {
	time.Sleep(q.config.RetryDelay)
	q.messages <- &Message[T]{
		id:        m.id,
		payload:   m.payload,
		queue:     q,
		retries:   m.retries,
		createdAt: clock.Now(),
	}
}

func (q *Queue[T]) park(m *Message[T]) {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	q.dlq = append(q.dlq, m)
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
