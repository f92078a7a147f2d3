package stagegate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/conversation"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/staging"
	"github.com/wrldbldr/stagegate/service/staging/schedule"
)

type stubPort struct {
	reply string
}

func (s *stubPort) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: s.reply}, nil
}

type fakeConn struct {
	id   string
	role broadcast.Role

	mu       sync.Mutex
	received []*broadcast.Message
}

func (f *fakeConn) ID() string           { return f.id }
func (f *fakeConn) Role() broadcast.Role { return f.role }
func (f *fakeConn) Send(_ context.Context, msg *broadcast.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newEngine(t *testing.T) *Service {
	t.Helper()
	book, err := schedule.NewBook(schedule.RegionRules{
		RegionID: "tavern",
		Rules:    []string{"innkeeper[cheerful](6-22)"},
	})
	require.NoError(t, err)

	service, err := New(
		WithLLM(&stubPort{reply: "Aye, welcome in."}),
		WithScheduleRules(book),
	)
	require.NoError(t, err)
	return service
}

func TestStagingAutoApprovesWithoutDm(t *testing.T) {
	service := newEngine(t)
	ctx := context.Background()

	result, err := service.Runtime().Stage(ctx, &staging.Request{
		WorldID:  "w1",
		RegionID: "tavern",
		GameTime: staging.GameTime{Hour: 12},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Staged)
	assert.False(t, result.Pending)
	assert.Equal(t, approval.DecisionAutoApproved, result.Staged.Source)
}

func TestDialogueApprovalRoundTrip(t *testing.T) {
	service := newEngine(t)
	ctx := context.Background()
	rt := service.Runtime()

	// Stage before the DM connects so the proposal auto-approves and the
	// NPC is present for the conversation.
	_, err := rt.Stage(ctx, &staging.Request{WorldID: "w1", RegionID: "tavern", GameTime: staging.GameTime{Hour: 12}})
	require.NoError(t, err)

	dm := &fakeConn{id: "dm-conn", role: broadcast.RoleDM}
	player := &fakeConn{id: "player-conn", role: broadcast.RolePlayer}
	service.Broadcast().Register("w1", dm)
	service.Broadcast().Register("w1", player)

	turn, err := rt.Converse(ctx, &conversation.StartRequest{
		WorldID:  "w1",
		RegionID: "tavern",
		PcID:     "pc-1",
		NpcID:    "innkeeper",
		Message:  "Evening.",
	})
	require.NoError(t, err)

	items, err := rt.Queue(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, approval.KindNpcResponse, items[0].Kind)

	outcome, err := rt.Decide(ctx, turn.ItemID, &approval.Decision{
		Kind:      approval.DecisionAccept,
		DecidedBy: "dm-1",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	session, err := service.Conversation().Session(ctx, turn.Session.ID)
	require.NoError(t, err)
	require.Len(t, session.Turns, 2)
	assert.Equal(t, "Aye, welcome in.", session.Turns[1].Text)

	// The dialogue goes to everyone, the resolution notice to the DM only.
	assert.Eventually(t, func() bool { return player.count() >= 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return dm.count() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestStagingQueuesWhenDmConnected(t *testing.T) {
	service := newEngine(t)
	ctx := context.Background()

	service.Broadcast().Register("w1", &fakeConn{id: "dm-conn", role: broadcast.RoleDM})

	result, err := service.Runtime().Stage(ctx, &staging.Request{
		WorldID:  "w1",
		RegionID: "tavern",
		GameTime: staging.GameTime{Hour: 12},
	})
	require.NoError(t, err)
	assert.True(t, result.Pending)
}

func TestLifecycleAnnouncesCreatedItems(t *testing.T) {
	service := newEngine(t)
	ctx := context.Background()

	service.Broadcast().Register("w1", &fakeConn{id: "dm-conn", role: broadcast.RoleDM})

	result, err := service.Runtime().Stage(ctx, &staging.Request{
		WorldID:  "w1",
		RegionID: "tavern",
		GameTime: staging.GameTime{Hour: 12},
	})
	require.NoError(t, err)
	require.True(t, result.Pending)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := service.Events().Consume(cctx)
	require.NoError(t, err)
	event := msg.T()
	assert.Equal(t, approval.TopicItemCreated, event.Topic)
	assert.Equal(t, result.ItemID, event.Item.ID)
	require.NoError(t, msg.Ack())
}

func TestConfigValidation(t *testing.T) {
	config := DefaultConfig()
	config.Store.Driver = "sqlite"
	assert.Error(t, config.Validate())

	config.Store.Path = ":memory:"
	assert.NoError(t, config.Validate())

	config.Store.Driver = "postgres"
	assert.Error(t, config.Validate())
}

func TestSqliteBackedEngine(t *testing.T) {
	config := DefaultConfig()
	config.Store.Driver = "sqlite"
	config.Store.Path = ":memory:"

	service, err := New(WithConfig(config), WithLLM(&stubPort{reply: "..."}))
	require.NoError(t, err)
	defer func() { _ = service.Runtime().Shutdown(context.Background()) }()

	result, err := service.Runtime().Stage(context.Background(), &staging.Request{
		WorldID:  "w1",
		RegionID: "cellar",
		GameTime: staging.GameTime{Hour: 3},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Staged)
	assert.Empty(t, result.Staged.Npcs)
}
