// Package dstore implements the replicated part of the placement center storage.
//
// It consists of two sides of the propose/apply pipeline:
//
//   - The write side: NewDistributedStore (store.IStore for the kv namespace) and
//     Registry (nodes of managed clusters). Writes are validated, encoded as
//     internal.Command, wrapped into an apply.StorageData envelope and proposed.
//     They return once the command was committed and applied on this node.
//     Reads are served from the local store without going through consensus.
//
//   - The apply side: DataRouter, the state machine called by the consensus driver
//     for every committed command, strictly in commit order. It decodes the command and
//     calls the matching local store (see lstore). Decode failures are reported as
//     ErrDecode, distinct from storage errors.
//
// Error Mapping:
//
//	Pipeline errors are translated into *store.Error before they leave the package:
//	a commit timeout becomes RetCCommitTimeout (outcome unknown), a stopped pipeline
//	RetCUnreachable, every other error keeps its code or becomes RetCInternalError.
package dstore
