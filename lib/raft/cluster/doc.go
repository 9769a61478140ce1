// Package cluster holds the in-memory membership metadata of a placement center node:
// the local node, the known leader, the local role and all peers.
//
// The cache is built from the static configuration at startup and only mutated
// through its methods by the consensus driver. Request handlers use IsLeader and
// LeaderAddr to decide whether a write has to be forwarded.
package cluster
