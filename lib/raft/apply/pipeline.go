package apply

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	pb "go.etcd.io/raft/v3/raftpb"
)

var log = logger.GetLogger("apply")

const (
	// DefaultQueueSize is the depth of the queue to the consensus driver
	DefaultQueueSize = 1000
	// DefaultCommitTimeout bounds the wait of a caller for its message to complete
	DefaultCommitTimeout = 30 * time.Second
)

// ErrStopped is returned once the pipeline was stopped
var ErrStopped = errors.New("apply: pipeline stopped")

// CommitTimeoutError is returned when a message did not complete in time.
// The outcome of the operation is unknown, it may still be committed later.
type CommitTimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *CommitTimeoutError) Error() string {
	return fmt.Sprintf("apply: %s did not complete within %s (outcome unknown)", e.Action, e.Timeout)
}

// RaftMachineApply is the single entry point for every state changing operation.
// Messages are sent over a bounded queue to the consensus driver, which is the only reader.
// A full queue blocks the sender.
type RaftMachineApply struct {
	queue   chan RaftMessage
	timeout time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRaftMachineApply creates a pipeline. Non positive arguments select the defaults.
func NewRaftMachineApply(queueSize int, timeout time.Duration) *RaftMachineApply {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	return &RaftMachineApply{
		queue:   make(chan RaftMessage, queueSize),
		timeout: timeout,
		stopped: make(chan struct{}),
	}
}

// Queue returns the receiving end of the queue (read by the consensus driver)
func (a *RaftMachineApply) Queue() <-chan RaftMessage {
	return a.queue
}

// Stopped is closed once Stop was called
func (a *RaftMachineApply) Stopped() <-chan struct{} {
	return a.stopped
}

// Timeout returns the commit timeout
func (a *RaftMachineApply) Timeout() time.Duration {
	return a.timeout
}

// Stop makes every pending and future call return ErrStopped
func (a *RaftMachineApply) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopped)
	})
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// ProposeCommand proposes data and blocks until it is committed and applied,
// or the commit timeout elapsed. action names the operation in errors and metrics.
func (a *RaftMachineApply) ProposeCommand(data StorageData, action string) error {
	if data.ID == uuid.Nil {
		data.ID = uuid.New()
	}
	msg := NewProposeMessage(data)
	return a.send(msg, msg.completion, action)
}

// Step delivers a consensus message from a peer to the driver
func (a *RaftMachineApply) Step(m pb.Message) error {
	msg := NewStepMessage(m)
	return a.send(msg, msg.completion, "step "+m.Type.String())
}

// ProposeConfChange proposes a membership change and blocks until it is applied.
// A zero cc.ID is replaced by a random one, it correlates the change with this call.
func (a *RaftMachineApply) ProposeConfChange(cc pb.ConfChange) error {
	if cc.ID == 0 {
		cc.ID = RandomID()
	}
	msg := NewConfChangeMessage(cc)
	return a.send(msg, msg.completion, "conf change "+cc.Type.String())
}

// TransferLeader asks the driver to hand leadership to transferee
func (a *RaftMachineApply) TransferLeader(transferee uint64) error {
	msg := NewTransferLeaderMessage(transferee)
	return a.send(msg, msg.completion, "transfer leader")
}

// send enqueues msg and waits for its completion. The whole call is bounded by the commit timeout.
// A timeout only abandons the wait, the driver may still process the message.
func (a *RaftMachineApply) send(msg RaftMessage, c completion, action string) error {
	start := time.Now()
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case a.queue <- msg:
	case <-a.stopped:
		return ErrStopped
	case <-timer.C:
		return a.timedOut(action)
	}

	select {
	case err := <-c.done:
		metrics.GetOrCreateHistogram(`placement_pipeline_duration_seconds`).UpdateDuration(start)
		if err != nil {
			metrics.GetOrCreateCounter(`placement_pipeline_failures_total`).Inc()
		}
		return err
	case <-a.stopped:
		return ErrStopped
	case <-timer.C:
		return a.timedOut(action)
	}
}

func (a *RaftMachineApply) timedOut(action string) error {
	metrics.GetOrCreateCounter(`placement_pipeline_timeouts_total`).Inc()
	log.Warningf("%s did not complete within %s", action, a.timeout)
	return &CommitTimeoutError{Action: action, Timeout: a.timeout}
}

// RandomID returns a random non zero id
func RandomID() uint64 {
	for {
		id := uuid.New()
		v := uint64(0)
		for _, b := range id[:8] {
			v = v<<8 | uint64(b)
		}
		if v != 0 {
			return v
		}
	}
}
