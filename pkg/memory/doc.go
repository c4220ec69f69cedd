// Package memory indexes an agent's workspace notes and session transcripts
// into a hybrid vector+keyword store and answers ranked queries against it.
//
// Invariants:
//   - Chunk ids are deterministic over (source, path, lines, content hash, model),
//     so repeated syncs upsert instead of duplicating rows.
//   - The live store is either consistent with the last successful sync or
//     untouched by a failed one; full rebuilds go through a shadow store and
//     an atomic swap.
//   - Missing embedding credentials degrade the engine to keyword-only search,
//     they never fail construction.
//
// Usage:
//
//	reg := memory.NewRegistry(logger)
//	mgr, _ := reg.Get(ctx, memory.ManagerKey{AgentID: "main", Workspace: "/workspace"}, settings)
//	_ = mgr.Sync(ctx, memory.SyncOptions{Reason: "startup"})
//	results, _ := mgr.Search(ctx, "deploy checklist", nil)
//	_ = results
package memory
