package apply

import (
	"github.com/google/uuid"
	pb "go.etcd.io/raft/v3/raftpb"
)

// RaftMessage is a message for the consensus driver.
// The set of variants is closed: ProposeMessage, StepMessage, ConfChangeMessage and TransferLeaderMessage.
type RaftMessage interface {
	// Complete delivers the result to the sender. Only the first call has an effect
	// and it never blocks, even if nobody is waiting anymore.
	Complete(err error)
	isRaftMessage()
}

// completion is a one-shot result channel (buffered, capacity 1)
type completion struct {
	done chan error
}

func newCompletion() completion {
	return completion{done: make(chan error, 1)}
}

func (c completion) Complete(err error) {
	select {
	case c.done <- err:
	default:
	}
}

func (completion) isRaftMessage() {}

// ProposeMessage proposes a command. It completes once the entry is committed and applied.
type ProposeMessage struct {
	completion
	ID   uuid.UUID
	Data []byte // serialized StorageData
}

// StepMessage delivers a consensus message received from a peer. It completes once stepped.
type StepMessage struct {
	completion
	Msg pb.Message
}

// ConfChangeMessage proposes a membership change. It completes once the change is applied.
type ConfChangeMessage struct {
	completion
	Change pb.ConfChange
}

// TransferLeaderMessage asks the leader to hand over leadership. It completes once the transfer was started.
type TransferLeaderMessage struct {
	completion
	Transferee uint64
}

// NewProposeMessage creates a proposal of data
func NewProposeMessage(data StorageData) *ProposeMessage {
	return &ProposeMessage{completion: newCompletion(), ID: data.ID, Data: data.Serialize()}
}

// NewStepMessage creates a step message
func NewStepMessage(msg pb.Message) *StepMessage {
	return &StepMessage{completion: newCompletion(), Msg: msg}
}

// NewConfChangeMessage creates a conf change message
func NewConfChangeMessage(cc pb.ConfChange) *ConfChangeMessage {
	return &ConfChangeMessage{completion: newCompletion(), Change: cc}
}

// NewTransferLeaderMessage creates a leadership transfer message
func NewTransferLeaderMessage(transferee uint64) *TransferLeaderMessage {
	return &TransferLeaderMessage{completion: newCompletion(), Transferee: transferee}
}
