// Package cmd implements the command-line interface of the placement center.
// It provides a hierarchical command structure with operations for running a
// member and interacting with the cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a member of the placement center
//   - kv: Key-value operations (set, get, del, exists) and a benchmark
//   - cluster: Membership changes, leader transfer, status and the node registry
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See placement -help for a list of all commands.
package cmd
