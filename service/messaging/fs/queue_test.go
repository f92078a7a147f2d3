package fs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
)

type notice struct {
	ItemID string `json:"itemId"`
	Kind   string `json:"kind"`
}

func newTestQueue(t *testing.T, maxRetries int) (*Queue[notice], afs.Service) {
	fs := afs.New()
	queue, err := NewQueue[notice](fs, Config{
		BasePath:   t.TempDir(),
		MaxRetries: maxRetries,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return queue, fs
}

func TestNewQueueCreatesLifecycleDirs(t *testing.T) {
	ctx := context.Background()
	queue, fs := newTestQueue(t, 3)
	for _, dir := range []string{queue.dirs.pending, queue.dirs.processing, queue.dirs.completed, queue.dirs.failed, queue.dirs.dlq} {
		exists, err := fs.Exists(ctx, dir)
		assert.NoError(t, err)
		assert.True(t, exists, dir)
	}
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t, 3)

	require.NoError(t, queue.Publish(ctx, &notice{ItemID: "item-1", Kind: "npcResponse"}))

	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, "item-1", message.T().ItemID)
	assert.NoError(t, message.Ack())

	// Queue drained.
	message, err = queue.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, message)
}

func TestNackRedeliversUntilDlq(t *testing.T) {
	ctx := context.Background()
	queue, fs := newTestQueue(t, 1)

	require.NoError(t, queue.Publish(ctx, &notice{ItemID: "item-2"}))

	// Initial delivery plus one retry.
	for i := 0; i < 2; i++ {
		message, err := queue.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, message)
		require.NoError(t, message.Nack(errors.New("generation failed")))
	}

	// Retries exhausted, message parked in dlq.
	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, message)

	objects, err := fs.List(ctx, queue.dirs.dlq)
	require.NoError(t, err)
	var files int
	for _, obj := range objects {
		if !obj.IsDir() {
			files++
		}
	}
	assert.Equal(t, 1, files)
}

func TestAckTwiceFails(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t, 3)

	require.NoError(t, queue.Publish(ctx, &notice{ItemID: "item-3"}))
	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.NoError(t, message.Ack())
	assert.Error(t, message.Ack())
}
