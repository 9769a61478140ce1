// Package network delivers the outgoing consensus messages of a placement center node.
//
// Every peer gets a bounded queue and a worker goroutine that sends the queued
// messages in order through the rpc client pool. Vote messages go to the Vote
// endpoint, snapshots to InstallSnapshot and everything else to AppendEntries.
// Failed or dropped deliveries are reported back to the consensus engine, which
// then throttles replication to the peer.
package network
