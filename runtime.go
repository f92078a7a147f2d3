package stagegate

import (
	"context"

	"github.com/wrldbldr/stagegate/runtime/decider"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/conversation"
	"github.com/wrldbldr/stagegate/service/staging"
)

// Runtime is the operational surface hosts drive: queue inspection, DM
// decisions, staging, conversations and lifecycle.
type Runtime struct {
	service *Service
}

// Start launches the background loops (timeout supervisor, asset workers).
func (r *Runtime) Start(ctx context.Context) error {
	go func() {
		_ = r.service.supervisor.Start(ctx)
	}()
	if r.service.generator != nil {
		if err := r.service.generator.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the background loops and closes the store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.service.supervisor.Shutdown()
	if r.service.generator != nil {
		r.service.generator.Shutdown()
	}
	if r.service.closeStore != nil {
		return r.service.closeStore()
	}
	return nil
}

// Queue returns the pending approval items of a world, most urgent first.
func (r *Runtime) Queue(ctx context.Context, worldID string) ([]*approval.Item, error) {
	return r.service.store.ListPending(ctx, worldID)
}

// Item returns a single approval item.
func (r *Runtime) Item(ctx context.Context, id string) (*approval.Item, error) {
	return r.service.store.Get(ctx, id)
}

// Decide resolves a pending item with the DM's decision.
func (r *Runtime) Decide(ctx context.Context, itemID string, decision *approval.Decision) (*decider.Outcome, error) {
	return r.service.decider.Decide(ctx, itemID, decision)
}

// Stage resolves the NPC set for a region arrival.
func (r *Runtime) Stage(ctx context.Context, request *staging.Request) (*staging.Result, error) {
	return r.service.resolver.Stage(ctx, request)
}

// Converse starts or resumes a PC-NPC conversation with an opening message.
func (r *Runtime) Converse(ctx context.Context, request *conversation.StartRequest) (*conversation.TurnResult, error) {
	return r.service.orchestrator.Start(ctx, request)
}

// Continue submits another player message to an existing session.
func (r *Runtime) Continue(ctx context.Context, sessionID, message string) (*conversation.TurnResult, error) {
	return r.service.orchestrator.Continue(ctx, sessionID, message)
}

// EndConversation terminates a session; safe to call repeatedly.
func (r *Runtime) EndConversation(ctx context.Context, sessionID string) {
	r.service.orchestrator.End(ctx, sessionID)
}
