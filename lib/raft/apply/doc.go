// Package apply implements the propose/apply pipeline of the placement center.
//
// Every state changing operation (command proposal, consensus message from a peer,
// membership change, leadership transfer) is wrapped into a RaftMessage and sent over
// one bounded queue to the consensus driver (see package node), which is its only reader.
// Each message carries a one-shot completion channel.
//
// Callers block until the driver completes their message or the commit timeout
// elapses. A *CommitTimeoutError means the outcome is unknown: the entry may still
// be committed and applied after the caller gave up.
//
// Commands are encoded as StorageData envelopes {id, type, create time, value}. The id correlates
// the committed log entry with the waiting proposer.
package apply
