// Package stagegate provides an approval-gated workflow engine for
// DM-moderated multiplayer worlds.
//
// Every consequential AI-driven action - NPC dialogue, tool usage, scene
// transitions, region staging, asset generation - is queued as an approval
// item that the Dungeon Master accepts, modifies, takes over or rejects
// before it reaches players. A timeout supervisor guarantees that nothing
// stays pending forever, and per-world policies decide whether expired items
// auto-approve or time out.
//
// The engine is designed to be embedded in host applications. End-users
// typically interact with it via the high-level Service facade exposed by
// the root package:
//
//	srv, _ := stagegate.New()
//	rt := srv.Runtime()
//	_ = rt.Start(ctx)
//	items, _ := rt.Queue(ctx, worldID)
//	out, _ := rt.Decide(ctx, items[0].ID, &approval.Decision{Kind: approval.DecisionAccept, DecidedBy: dmID})
//
// The individual sub-packages document their own contracts.
package stagegate
