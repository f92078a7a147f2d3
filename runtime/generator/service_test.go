package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	memq "github.com/wrldbldr/stagegate/service/messaging/memory"
)

type stubClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	done     chan struct{}
}

func (s *stubClient) Generate(_ context.Context, data *approval.AssetGenerationData) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("backend busy")
	}
	if s.done != nil {
		defer close(s.done)
	}
	return &Asset{EntityType: data.EntityType, EntityID: data.EntityID, URL: "assets/" + data.EntityID + ".png"}, nil
}

type captureBroadcaster struct {
	mu       sync.Mutex
	messages []*broadcast.Message
}

func (c *captureBroadcaster) Broadcast(_ context.Context, _ string, _ broadcast.Audience, msg *broadcast.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func approvedItem(t *testing.T) *approval.Item {
	t.Helper()
	item, err := approval.NewItem("w1", approval.KindAssetGeneration, approval.UrgencyNormal, &approval.AssetGenerationData{
		EntityType: "npc",
		EntityID:   "innkeeper",
		Prompt:     "portrait of a weathered innkeeper",
	})
	require.NoError(t, err)
	item.Status = approval.StatusApproved
	item.Decision = &approval.Decision{Kind: approval.DecisionAccept, DecidedBy: "dm-1"}
	return item
}

func TestApplyPublishesJobForApprovedItem(t *testing.T) {
	queue := memq.NewQueue[Job](memq.DefaultConfig())
	service, err := New(queue, &stubClient{}, nil, DefaultConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, service.Apply(context.Background(), approvedItem(t)))
	assert.Equal(t, 1, queue.Size())
}

func TestApplySkipsRejectedItem(t *testing.T) {
	queue := memq.NewQueue[Job](memq.DefaultConfig())
	service, err := New(queue, &stubClient{}, nil, DefaultConfig(), nil)
	require.NoError(t, err)

	item := approvedItem(t)
	item.Status = approval.StatusRejected
	item.Decision = &approval.Decision{Kind: approval.DecisionReject, DecidedBy: "dm-1"}

	require.NoError(t, service.Apply(context.Background(), item))
	assert.Equal(t, 0, queue.Size())
}

func TestWorkerGeneratesAndBroadcasts(t *testing.T) {
	queue := memq.NewQueue[Job](memq.DefaultConfig())
	client := &stubClient{done: make(chan struct{})}
	sink := &captureBroadcaster{}
	service, err := New(queue, client, sink, Config{WorkerCount: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, service.Start(context.Background()))
	defer service.Shutdown()

	require.NoError(t, service.Apply(context.Background(), approvedItem(t)))

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not complete")
	}
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "asset.generated", sink.messages[0].Type)
}

func TestWorkerRetriesFailedJob(t *testing.T) {
	config := memq.DefaultConfig()
	config.RetryDelay = 5 * time.Millisecond
	queue := memq.NewQueue[Job](config)
	client := &stubClient{failures: 2, done: make(chan struct{})}
	service, err := New(queue, client, nil, Config{WorkerCount: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, service.Start(context.Background()))
	defer service.Shutdown()

	require.NoError(t, service.Apply(context.Background(), approvedItem(t)))

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried to completion")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 3, client.calls)
}
