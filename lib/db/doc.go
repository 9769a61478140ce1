// Package db provides the interface of the embedded ordered key-value engine
// the placement center stores its state in.
//
// The package focuses on:
//   - A unified interface for partitioned key-value operations
//   - Atomic batches spanning several partitions
//   - Ordered prefix scans used for snapshots and listings
//
// Key Components:
//
//   - IEngine Interface: The core interface that all engine implementations must satisfy.
//     It provides methods for basic operations (Set, Get, Has, Delete), prefix scans
//     and batch creation.
//
//   - Partitions: Keys are grouped in named partitions ("column families"). The raft
//     partition holds the consensus log and its markers, the cluster partition holds
//     cluster metadata, configuration and the kv namespace. Scans never cross partitions.
//
//   - IBatch: Collects writes and deletions (including prefix deletions) that are
//     applied atomically and durably on Commit. The consensus log relies on this to
//     append entries and move its markers in one step.
//
// Related Packages:
//
// The engines/pebble package (github.com/ValentinKolb/placement/lib/db/engines/pebble)
// implements IEngine on top of the Pebble LSM. The testing package contains the shared
// conformance suite every engine has to pass.
package db
