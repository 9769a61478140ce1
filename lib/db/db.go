package db

import "errors"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplPebble Implementation = "pebble"
)

// Partition is a named, independently scanned subdivision of the engine
// (a column family).
type Partition string

const (
	// PartitionRaft holds the consensus log, hard state, conf state and snapshots
	PartitionRaft Partition = "raft"
	// PartitionCluster holds cluster metadata, config and the kv namespace
	PartitionCluster Partition = "cluster"
)

// Partitions returns all partitions known to the engine
func Partitions() []Partition {
	return []Partition{PartitionRaft, PartitionCluster}
}

// ErrClosed is returned by all operations after Close was called
var ErrClosed = errors.New("db: engine is closed")

type DatabaseInfo struct {
	SizeBytes  uint64         `json:"size_bytes"`
	DbType     Implementation `json:"db_type"`
	Partitions []Partition    `json:"partitions"`
	Metadata   interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// IEngine defines the embedded ordered key-value engine used by the placement center.
// Keys live in partitions and are ordered byte-wise inside a partition.
// Implementations must be safe for concurrent use.
type IEngine interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates the value for key in partition p. The write is durable on return.
	Set(p Partition, key string, value []byte) (err error)

	// Delete removes key from partition p. Deleting a missing key is not an error.
	Delete(p Partition, key string) (err error)

	// NewBatch returns a batch that applies all its writes atomically on Commit.
	NewBatch() (batch IBatch)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// The returned slice is owned by the caller.
	Get(p Partition, key string) (value []byte, loaded bool, err error)

	// Has checks whether a key exists in partition p.
	Has(p Partition, key string) (loaded bool, err error)

	// Scan calls fn for every key in partition p that starts with prefix, in key order.
	// Iteration stops early when fn returns false.
	// Key and value are only valid for the duration of the callback.
	Scan(p Partition, prefix string, fn func(key string, value []byte) bool) (err error)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}

// IBatch collects writes that are applied atomically
type IBatch interface {
	// Set adds a write of key to the batch
	Set(p Partition, key string, value []byte)
	// Delete adds a deletion of key to the batch
	Delete(p Partition, key string)
	// DeletePrefix adds the deletion of every key in p starting with prefix
	DeletePrefix(p Partition, prefix string)
	// Commit applies the batch durably. A batch can only be committed once.
	Commit() (err error)
	// Close releases the batch without applying it (no-op after Commit)
	Close()
}
