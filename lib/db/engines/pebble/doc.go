// Package pebble implements the db.IEngine interface on top of the Pebble LSM
// engine (github.com/cockroachdb/pebble).
//
// Partitions are mapped onto one Pebble keyspace by prefixing every key with the
// partition name followed by a zero byte. Since the zero byte sorts before every
// printable character, each partition occupies a contiguous key range and prefix
// scans can be bounded with plain iterator bounds.
//
// All single writes and batch commits use pebble.Sync so that the consensus log
// is durable before the engine acknowledges it.
package pebble
