package decider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/approval/memory"
	"github.com/wrldbldr/stagegate/service/broadcast"
	memq "github.com/wrldbldr/stagegate/service/messaging/memory"
)

type captureBroadcaster struct {
	mu       sync.Mutex
	messages []*broadcast.Message
	audience []broadcast.Audience
}

func (c *captureBroadcaster) Broadcast(_ context.Context, _ string, audience broadcast.Audience, msg *broadcast.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.audience = append(c.audience, audience)
	return nil
}

func (c *captureBroadcaster) byType(msgType string) []*broadcast.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*broadcast.Message
	for _, msg := range c.messages {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func enqueueItem(t *testing.T, store approval.Store, kind approval.Kind, payload any) *approval.Item {
	t.Helper()
	item, err := approval.NewItem("w1", kind, approval.UrgencyNormal, payload)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), item))
	return item
}

func TestDecideResolvesAndApplies(t *testing.T) {
	store := memory.New()
	sink := &captureBroadcaster{}
	service, err := New(store, sink)
	require.NoError(t, err)

	var applied []*approval.Item
	service.Register(approval.KindSceneTransition, ApplierFunc(func(_ context.Context, item *approval.Item) error {
		applied = append(applied, item)
		return nil
	}))

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})
	outcome, err := service.Decide(context.Background(), item.ID, &approval.Decision{
		Kind:      approval.DecisionAccept,
		DecidedBy: "dm-1",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, approval.StatusApproved, outcome.Item.Status)
	require.Len(t, applied, 1)
	assert.Equal(t, item.ID, applied[0].ID)

	notices := sink.byType("approval.resolved")
	require.Len(t, notices, 1)
	assert.Equal(t, broadcast.ScopeDmOnly, sink.audience[0].Scope)
}

func TestDecideUnknownItem(t *testing.T) {
	service, err := New(memory.New(), &captureBroadcaster{})
	require.NoError(t, err)

	_, err = service.Decide(context.Background(), "missing", &approval.Decision{Kind: approval.DecisionAccept})
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestDecideRejectsIncompatibleDecision(t *testing.T) {
	store := memory.New()
	service, err := New(store, &captureBroadcaster{})
	require.NoError(t, err)

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})
	_, err = service.Decide(context.Background(), item.ID, &approval.Decision{
		Kind:             approval.DecisionAcceptWithModification,
		ModifiedDialogue: "nope",
	})
	assert.ErrorIs(t, err, approval.ErrIncompatibleDecision)

	// The item must still be pending after the rejection.
	got, err := store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	store := memory.New()
	service, err := New(store, &captureBroadcaster{})
	require.NoError(t, err)

	var applied int
	var applyMu sync.Mutex
	service.Register(approval.KindSceneTransition, ApplierFunc(func(context.Context, *approval.Item) error {
		applyMu.Lock()
		applied++
		applyMu.Unlock()
		return nil
	}))

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})

	const racers = 16
	var wg sync.WaitGroup
	var wins, losses int
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := service.Decide(context.Background(), item.ID, &approval.Decision{
				Kind:      approval.DecisionAccept,
				DecidedBy: fmt.Sprintf("dm-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, approval.ErrAlreadyResolved) {
				losses++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, losses)
	assert.Equal(t, 1, applied)
}

func TestDecideRecordsDialogueDiff(t *testing.T) {
	store := memory.New()
	service, err := New(store, &captureBroadcaster{})
	require.NoError(t, err)

	item := enqueueItem(t, store, approval.KindNpcResponse, map[string]any{
		"proposedDialogue": "The hoard lies beneath the mill.",
	})
	outcome, err := service.Decide(context.Background(), item.ID, &approval.Decision{
		Kind:             approval.DecisionAcceptWithModification,
		DecidedBy:        "dm-1",
		ModifiedDialogue: "Rumors, nothing more.",
	})
	require.NoError(t, err)
	assert.Contains(t, outcome.DialogueDiff, "-The hoard lies beneath the mill.")
	assert.Contains(t, outcome.DialogueDiff, "+Rumors, nothing more.")
}

func TestApplicationFailureKeepsItemResolved(t *testing.T) {
	store := memory.New()
	sink := &captureBroadcaster{}
	service, err := New(store, sink)
	require.NoError(t, err)

	boom := errors.New("scene graph unavailable")
	service.Register(approval.KindSceneTransition, ApplierFunc(func(context.Context, *approval.Item) error {
		return boom
	}))

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})
	outcome, err := service.Decide(context.Background(), item.ID, &approval.Decision{
		Kind:      approval.DecisionAccept,
		DecidedBy: "dm-1",
	})

	var appErr *approval.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, outcome.Applied)

	// The decision stands; a retry must not find a pending item.
	got, err := store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)

	_, err = service.Decide(context.Background(), item.ID, &approval.Decision{Kind: approval.DecisionAccept})
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)

	require.Len(t, sink.byType("approval.applicationFailed"), 1)
}

func TestAutoApproveAndExpire(t *testing.T) {
	store := memory.New()
	service, err := New(store, &captureBroadcaster{})
	require.NoError(t, err)

	first := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "a"})
	outcome, err := service.AutoApprove(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusAutoApproved, outcome.Item.Status)
	assert.Equal(t, "supervisor", outcome.Item.Decision.DecidedBy)

	second, err := approval.NewItem("w1", approval.KindSceneTransition, approval.UrgencyNormal, &approval.SceneTransitionData{SceneID: "b"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), second))
	outcome, err = service.Expire(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusTimedOut, outcome.Item.Status)
}

func TestDecidePublishesEvents(t *testing.T) {
	store := memory.New()
	queue := memq.NewQueue[approval.Event](memq.DefaultConfig())
	service, err := New(store, &captureBroadcaster{}, WithEventQueue(queue))
	require.NoError(t, err)

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})
	_, err = service.Decide(context.Background(), item.ID, &approval.Decision{Kind: approval.DecisionAccept, DecidedBy: "dm-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	event := msg.T()
	assert.Equal(t, approval.TopicItemResolved, event.Topic)
	assert.Equal(t, item.ID, event.Item.ID)
	require.NoError(t, msg.Ack())
}

func TestExpirePublishesExpiredTopic(t *testing.T) {
	store := memory.New()
	queue := memq.NewQueue[approval.Event](memq.DefaultConfig())
	service, err := New(store, &captureBroadcaster{}, WithEventQueue(queue))
	require.NoError(t, err)

	item := enqueueItem(t, store, approval.KindSceneTransition, &approval.SceneTransitionData{SceneID: "scene-2"})
	_, err = service.Expire(context.Background(), item.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	event := msg.T()
	assert.Equal(t, approval.TopicItemExpired, event.Topic)
	assert.Equal(t, approval.StatusTimedOut, event.Item.Status)
	require.NoError(t, msg.Ack())
}
