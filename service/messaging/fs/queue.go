// Package fs provides a filesystem-backed messaging.Queue built on viant/afs.
// Messages move between pending, processing, completed, failed and dlq
// directories as they advance through their lifecycle, so queue state
// survives restarts.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/internal/idgen"
	"github.com/wrldbldr/stagegate/service/messaging"
)

// State tracks where a message sits in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Config holds filesystem queue settings.
type Config struct {
	BasePath   string
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the standard filesystem queue configuration.
func DefaultConfig() Config {
	return Config{
		BasePath:   "/tmp/stagegate/queue",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Message is a persisted queue entry.
type Message[T any] struct {
	ID        string    `json:"id"`
	Data      T         `json:"data"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Retries   int       `json:"retries"`

	queue     *Queue[T]
	mu        sync.Mutex
	processed bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.Data
}

// Ack moves the message to the completed directory.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %v already processed", m.ID)
	}
	m.processed = true
	m.State = StateCompleted
	m.UpdatedAt = clock.Now()
	return m.queue.complete(context.Background(), m)
}

// Nack records a failure; the message lands in the failed directory and is
// retried on a later Consume, or in dlq once retries are exhausted.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %v already processed", m.ID)
	}
	m.processed = true
	m.State = StateFailed
	if err != nil {
		m.Error = err.Error()
	}
	m.Retries++
	m.UpdatedAt = clock.Now()
	return m.queue.fail(context.Background(), m)
}

// Queue is a filesystem-backed messaging.Queue.
type Queue[T any] struct {
	fs     afs.Service
	config Config
	dirs   lifecycleDirs
	mu     sync.Mutex
}

type lifecycleDirs struct {
	pending    string
	processing string
	completed  string
	failed     string
	dlq        string
}

// NewQueue creates a queue rooted at config.BasePath, creating the lifecycle
// directories when missing.
func NewQueue[T any](fs afs.Service, config Config) (*Queue[T], error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	q := &Queue[T]{
		fs:     fs,
		config: config,
		dirs: lifecycleDirs{
			pending:    path.Join(config.BasePath, "pending"),
			processing: path.Join(config.BasePath, "processing"),
			completed:  path.Join(config.BasePath, "completed"),
			failed:     path.Join(config.BasePath, "failed"),
			dlq:        path.Join(config.BasePath, "dlq"),
		},
	}
	ctx := context.Background()
	for _, dir := range []string{q.dirs.pending, q.dirs.processing, q.dirs.completed, q.dirs.failed, q.dirs.dlq} {
		if exists, _ := fs.Exists(ctx, dir); exists {
			continue
		}
		if err := fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Publish writes a new message into the pending directory.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	now := clock.Now()
	message := &Message[T]{
		ID:        idgen.New(),
		Data:      *t,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		queue:     q,
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.upload(ctx, path.Join(q.dirs.pending, message.ID+".json"), data)
}

// Consume returns the next message, preferring retryable failed messages
// over pending ones. It returns (nil, nil) when the queue is empty.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	if message, err := q.retryFailed(ctx); message != nil || err != nil {
		return orNil(message), err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listMessages(ctx, q.dirs.pending)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	obj := files[0]
	message, err := q.read(ctx, obj.URL())
	if err != nil {
		_ = q.fs.Move(ctx, obj.URL(), path.Join(q.dirs.failed, "invalid-"+obj.Name()))
		return nil, err
	}
	if err := q.moveToProcessing(ctx, message, obj); err != nil {
		return nil, err
	}
	return message, nil
}

// retryFailed promotes the oldest retryable failed message back to
// processing, or parks it in dlq once retries are exhausted.
func (q *Queue[T]) retryFailed(ctx context.Context) (*Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listMessages(ctx, q.dirs.failed)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	obj := files[0]
	message, err := q.read(ctx, obj.URL())
	if err != nil {
		_ = q.fs.Move(ctx, obj.URL(), path.Join(q.dirs.dlq, "invalid-"+obj.Name()))
		return nil, err
	}
	if message.Retries > q.config.MaxRetries {
		if err := q.fs.Move(ctx, obj.URL(), path.Join(q.dirs.dlq, obj.Name())); err != nil {
			return nil, fmt.Errorf("failed to move message to dlq: %w", err)
		}
		return nil, nil
	}
	if err := q.moveToProcessing(ctx, message, obj); err != nil {
		return nil, err
	}
	return message, nil
}

// moveToProcessing writes the message into the processing directory before
// removing the source so a crash never loses it.
func (q *Queue[T]) moveToProcessing(ctx context.Context, message *Message[T], obj storage.Object) error {
	message.State = StateProcessing
	message.UpdatedAt = clock.Now()
	message.queue = q
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := q.upload(ctx, path.Join(q.dirs.processing, obj.Name()), data); err != nil {
		return fmt.Errorf("failed to move message to processing: %w", err)
	}
	if err := q.fs.Delete(ctx, obj.URL()); err != nil {
		return fmt.Errorf("failed to remove message source: %w", err)
	}
	return nil
}

func (q *Queue[T]) complete(ctx context.Context, m *Message[T]) error {
	return q.settle(ctx, m, q.dirs.completed)
}

func (q *Queue[T]) fail(ctx context.Context, m *Message[T]) error {
	dest := q.dirs.failed
	if m.Retries > q.config.MaxRetries {
		dest = q.dirs.dlq
	}
	return q.settle(ctx, m, dest)
}

// settle moves a processing message into its terminal directory.
func (q *Queue[T]) settle(ctx context.Context, m *Message[T], dir string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	name := m.ID + ".json"
	if err := q.upload(ctx, path.Join(dir, name), data); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", dir, err)
	}
	processing := path.Join(q.dirs.processing, name)
	if exists, _ := q.fs.Exists(ctx, processing); exists {
		if err := q.fs.Delete(ctx, processing); err != nil {
			return fmt.Errorf("failed to remove message from processing: %w", err)
		}
	}
	return nil
}

func (q *Queue[T]) listMessages(ctx context.Context, dir string) ([]storage.Object, error) {
	objects, err := q.fs.List(ctx, dir, option.NewRecursive(false))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []storage.Object
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			files = append(files, obj)
		}
	}
	return files, nil
}

func (q *Queue[T]) upload(ctx context.Context, dest string, data []byte) error {
	return q.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewBuffer(data))
}

func (q *Queue[T]) read(ctx context.Context, url string) (*Message[T], error) {
	data, err := q.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", url, err)
	}
	var message Message[T]
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", url, err)
	}
	return &message, nil
}

// orNil keeps a typed-nil *Message out of the messaging.Message interface.
func orNil[T any](m *Message[T]) messaging.Message[T] {
	if m == nil {
		return nil
	}
	return m
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
