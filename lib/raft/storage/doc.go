// Package storage implements the durable log and snapshot store of the placement center.
//
// RaftMachineStorage persists everything the consensus engine needs to resume after
// a crash in the 'raft' partition of a db.IEngine:
//
//	/raft/first_index          first stored log index (8 bytes big endian)
//	/raft/last_index           last stored log index
//	/raft/hard_state           term, vote and commit
//	/raft/conf_state           voters and learners
//	/raft/entry/{idx}          one log entry per index (zero padded)
//	/raft/uncommit_index/{idx} appended but not yet committed indexes
//	/raft/applied_index        last index applied to the state machine
//	/raft/snapshot             last snapshot (metadata and data)
//
// Snapshots contain a full dump of the 'cluster' partition.
//
// Invariants:
//   - Entries between first and last index are stored contiguously.
//   - Appending before the first index (compacted) or after last+1 (gap) panics.
//   - Write errors are returned, read errors are logged and degrade to the default
//     derived from the last snapshot.
//
// The type implements raft.Storage of go.etcd.io/raft/v3 and is safe for concurrent use.
package storage
