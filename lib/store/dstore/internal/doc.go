// Package internal provides the payload codec of the commands replicated by dstore.
//
// A Command is the value of an apply.StorageData envelope, the envelope carries the
// command type. Commands are serialized into a compact binary format:
//
//   - 4 bytes: Key length (uint32, big endian)
//   - N bytes: Key data
//   - M bytes: Value data (optional)
//
// The format ends up in the consensus log, so changes must stay backwards compatible.
package internal
