package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wrldbldr/stagegate/service/approval"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, ModeAsk, p.Mode)
	assert.True(t, p.ApprovesOnTimeout(approval.KindStagingProposal))
	assert.True(t, p.ApprovesWithoutDm(approval.KindStagingProposal))
	assert.False(t, p.ApprovesOnTimeout(approval.KindNpcResponse))
	assert.False(t, p.ApprovesWithoutDm(approval.KindNpcResponse))
}

func TestNilPolicyQueuesEverything(t *testing.T) {
	var p *Policy
	assert.True(t, p.IsAllowed(approval.KindNpcResponse))
	assert.False(t, p.ApprovesOnTimeout(approval.KindStagingProposal))
	assert.False(t, p.ApprovesWithoutDm(approval.KindStagingProposal))
	assert.Nil(t, p.Clone())
}

func TestIsAllowed(t *testing.T) {
	testCases := []struct {
		description string
		policy      Policy
		kind        approval.Kind
		expect      bool
	}{
		{"empty lists allow all", Policy{}, approval.KindToolUsage, true},
		{"block list wins", Policy{BlockList: []string{"toolUsage"}}, approval.KindToolUsage, false},
		{"block is case-insensitive", Policy{BlockList: []string{"TOOLUSAGE"}}, approval.KindToolUsage, false},
		{"allow list restricts", Policy{AllowList: []string{"npcResponse"}}, approval.KindToolUsage, false},
		{"allow list admits listed", Policy{AllowList: []string{"npcResponse"}}, approval.KindNpcResponse, true},
		{
			"block beats allow",
			Policy{AllowList: []string{"npcResponse"}, BlockList: []string{"npcResponse"}},
			approval.KindNpcResponse, false,
		},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expect, tc.policy.IsAllowed(tc.kind), tc.description)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := Default()
	clone := original.Clone()
	clone.Mode = ModeDeny
	clone.TimeoutApprove[0] = "npcResponse"

	assert.Equal(t, ModeAsk, original.Mode)
	assert.True(t, original.ApprovesOnTimeout(approval.KindStagingProposal))
}

func TestContextRoundTrip(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	p := Default()
	ctx := WithPolicy(context.Background(), p)
	assert.Same(t, p, FromContext(ctx))
}
