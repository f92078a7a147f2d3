package staging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrldbldr/stagegate/runtime/decider"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/approval/memory"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/staging/schedule"
)

type stubPresence struct{ connected bool }

func (s *stubPresence) DmConnected(string) bool { return s.connected }

type stubPort struct {
	response *llm.Response
	err      error
}

func (s *stubPort) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	return s.response, s.err
}

func newTestResolver(t *testing.T, presence DmPresence, options ...Option) (*Resolver, approval.Store) {
	t.Helper()
	store := memory.New()
	dispatcher := broadcast.New(time.Second, nil)
	decide, err := decider.New(store, dispatcher)
	require.NoError(t, err)

	book, err := schedule.NewBook(schedule.RegionRules{
		RegionID: "tavern",
		Rules:    []string{"innkeeper[cheerful](6-22)", "bard[moody](18-2)"},
	})
	require.NoError(t, err)

	resolver, err := New(store, decide, presence, book, Config{}, options...)
	require.NoError(t, err)
	decide.Register(approval.KindStagingProposal, resolver)
	return resolver, store
}

func TestStageQueuesProposalWhenDmConnected(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: true})
	ctx := context.Background()

	result, err := resolver.Stage(ctx, &Request{
		WorldID:  "w1",
		RegionID: "tavern",
		GameTime: GameTime{Hour: 12},
		Pc:       WaitingPc{PcID: "pc-1"},
	})
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.NotEmpty(t, result.ItemID)
	assert.Nil(t, result.Staged)

	pending, err := store.ListPending(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.KindStagingProposal, pending[0].Kind)
	assert.Equal(t, CorrelationKey("tavern"), pending[0].CorrelationKey)
}

func TestStageSecondArrivalSharesPendingProposal(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: true})
	ctx := context.Background()

	first, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	second, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)

	assert.True(t, second.Pending)
	assert.Equal(t, first.ItemID, second.ItemID)

	pending, err := store.ListPending(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStageAutoApprovesWithoutDm(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: false})
	ctx := context.Background()

	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	assert.False(t, result.Pending)
	require.NotNil(t, result.Staged)
	require.Len(t, result.Staged.Npcs, 1)
	assert.Equal(t, "innkeeper", result.Staged.Npcs[0].CharacterID)
	assert.Equal(t, "cheerful", result.Staged.Npcs[0].Mood)
	assert.Equal(t, approval.DecisionAutoApproved, result.Staged.Source)

	item, err := store.Get(ctx, result.ItemID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusAutoApproved, item.Status)

	// Second arrival hits the cache without a new proposal.
	again, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 13}})
	require.NoError(t, err)
	assert.False(t, again.Pending)
	assert.Same(t, result.Staged, again.Staged)

	pending, err := store.ListPending(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStageRespectsScheduleHours(t *testing.T) {
	resolver, _ := newTestResolver(t, &stubPresence{connected: false})
	ctx := context.Background()

	// The bard rule wraps midnight (18-2); at hour 23 both NPCs match.
	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 23}})
	require.NoError(t, err)
	require.NotNil(t, result.Staged)
	var ids []string
	for _, npc := range result.Staged.Npcs {
		ids = append(ids, npc.CharacterID)
	}
	assert.ElementsMatch(t, []string{"bard"}, ids)
}

func TestStageMergesLLMSuggestions(t *testing.T) {
	port := &stubPort{response: &llm.Response{
		Content: `Here you go: [{"characterId":"stranger","mood":"wary","reasoning":"passing through"}]`,
	}}
	resolver, store := newTestResolver(t, &stubPresence{connected: true}, WithLLM(port))
	ctx := context.Background()

	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	require.True(t, result.Pending)

	item, err := store.Get(ctx, result.ItemID)
	require.NoError(t, err)
	var payload ProposalData
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	require.Len(t, payload.Suggested, 1)
	assert.Equal(t, "stranger", payload.Suggested[0].CharacterID)
	assert.True(t, payload.Suggested[0].Present)
}

func TestStageDegradesWhenLLMUnavailable(t *testing.T) {
	port := &stubPort{err: llm.ErrUnavailable}
	resolver, _ := newTestResolver(t, &stubPresence{connected: false}, WithLLM(port))

	result, err := resolver.Stage(context.Background(), &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	require.NotNil(t, result.Staged)
	assert.Len(t, result.Staged.Npcs, 1)
}

func TestApplyCuratedDecision(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: true})
	ctx := context.Background()

	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	require.True(t, result.Pending)

	item, err := store.Resolve(ctx, result.ItemID, &approval.Decision{
		Kind:      approval.DecisionAccept,
		DecidedBy: "dm-1",
		ApprovedNpcs: []approval.ApprovedNpc{
			{CharacterID: "innkeeper", Present: true, Mood: "grumpy"},
			{CharacterID: "ghost", Present: true, HiddenFromPlayers: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, resolver.Apply(ctx, item))

	staging, ok := resolver.Current("tavern")
	require.True(t, ok)
	require.Len(t, staging.Npcs, 2)
	assert.Equal(t, "grumpy", staging.Npcs[0].Mood)
	assert.True(t, staging.Npcs[1].HiddenFromPlayers)
	assert.True(t, resolver.NpcPresent("tavern", "innkeeper"))
	assert.False(t, resolver.NpcPresent("tavern", "absent"))
}

func TestApplyTimedOutFallsBackToRules(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: true})
	ctx := context.Background()

	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)

	item, err := store.Resolve(ctx, result.ItemID, &approval.Decision{
		Kind:      approval.DecisionTimedOut,
		DecidedBy: "supervisor",
	})
	require.NoError(t, err)
	require.NoError(t, resolver.Apply(ctx, item))

	staging, ok := resolver.Current("tavern")
	require.True(t, ok)
	require.Len(t, staging.Npcs, 1)
	assert.Equal(t, "innkeeper", staging.Npcs[0].CharacterID)
	assert.Equal(t, approval.DecisionTimedOut, staging.Source)
}

func TestInvalidateForcesRestage(t *testing.T) {
	resolver, store := newTestResolver(t, &stubPresence{connected: false})
	ctx := context.Background()

	_, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	resolver.Invalidate("tavern")

	result, err := resolver.Stage(ctx, &Request{WorldID: "w1", RegionID: "tavern", GameTime: GameTime{Hour: 12}})
	require.NoError(t, err)
	require.NotNil(t, result.Staged)

	pending, err := store.ListPending(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
