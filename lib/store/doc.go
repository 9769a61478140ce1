// Package store defines the key-value interface of the placement center and the
// error type shared by every layer between the storage engine and the RPC wire.
//
// Key Components:
//
//   - IStore Interface: Set, Get, Delete and Exists on string keys. Set is an
//     upsert. Implementations return *Error values so callers can branch on the
//     RetCode instead of matching on messages.
//
//   - Error System: A RetCode plus a message. The code travels unchanged in the
//     Code field of RPC responses and is restored into an *Error by the client.
//
//   - Keys: The storage key layout of the kv namespace, the node registry and
//     the member addresses, all living in the same engine under distinct prefixes.
//
// Implementations:
//
//   - Local Store (lstore): Reads and writes the engine directly. Used by the
//     data router when applying committed entries and for local reads.
//
//   - Distributed Store (dstore): Writes are proposed through the consensus
//     pipeline and return once they are applied. Reads are served locally.
package store
