// Package node implements the consensus driver of the placement center on top of
// go.etcd.io/raft/v3.
//
// A single goroutine owns the consensus engine. It selects on
//
//   - the ticker (logical clock, expiry of abandoned waiters),
//   - the queue of the propose/apply pipeline (see package apply),
//   - the Ready channel of the engine.
//
// Every Ready batch is handled in a fixed order: soft state into the membership cache,
// snapshot into the storage, entries and hard state into the storage, messages to the
// network (never blocking), committed entries into the state machine (strictly in commit
// order), optional snapshot, Advance.
//
// A proposal completes only after its entry was committed and applied. Waiters whose
// caller already gave up are dropped on the next tick after the commit timeout.
//
// The driver talks to its collaborators through small interfaces: Sender (network),
// Applier (state machine) and MemberStore (member addresses next to the state).
package node
