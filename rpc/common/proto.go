package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/placement/lib/store"
)

// --------------------------------------------------------------------------
// Services
// --------------------------------------------------------------------------

// ServiceID selects the service a request frame is dispatched to
type ServiceID = uint64

const (
	ServiceKV      ServiceID = 1 // client facing kv service
	ServiceRaft    ServiceID = 2 // peer to peer consensus traffic
	ServiceCluster ServiceID = 3 // node registry and cluster administration
)

// ServiceName returns a printable name of a service id
func ServiceName(id ServiceID) string {
	switch id {
	case ServiceKV:
		return "kv"
	case ServiceRaft:
		return "raft"
	case ServiceCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key   string `json:"key,omitempty"`   // Used for: Set, Get, Exists, Delete, cluster requests
	Value []byte `json:"value,omitempty"` // Used for: Set (request), Get (response), raft payloads

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Get, Exists responses
	Code uint64 `json:"code,omitempty"` // store.RetCode of the error, 0 on success
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Request flags, see MarkForwarded
}

// metaForwarded marks a request a follower already forwarded to the leader
const metaForwarded = "forwarded"

// MarkForwarded returns a copy of m that is marked as forwarded.
// A node receiving a forwarded request never forwards it again.
func (m *Message) MarkForwarded() *Message {
	fwd := *m
	fwd.Meta = []byte(metaForwarded)
	return &fwd
}

// Forwarded reports whether m was forwarded by another node
func (m *Message) Forwarded() bool {
	return string(m.Meta) == metaForwarded
}

// SetError stores err (if any) in the response fields
func (m *Message) SetError(err error) *Message {
	if err != nil {
		m.Code = uint64(store.CodeOf(err))
		m.Err = err.Error()
		var e *store.Error
		if errors.As(err, &e) {
			m.Err = e.Msg
		}
	}
	return m
}

// ResponseError rebuilds the error carried by a response, nil on success
func (m *Message) ResponseError() error {
	if m.Code == 0 && m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	code := store.RetCode(m.Code)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return store.NewError(code, m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions (kv service)
// --------------------------------------------------------------------------

// NewSetRequest creates a new Set request
func NewSetRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVSet,
		Key:     key,
		Value:   value,
	}
}

// NewSetResponse creates a new Set response
func NewSetResponse(err error) *Message {
	return (&Message{MsgType: MsgTKVSet}).SetError(err)
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response
func NewDeleteResponse(err error) *Message {
	return (&Message{MsgType: MsgTKVDelete}).SetError(err)
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Ok:      ok,
		Value:   value,
	}
	return msg.SetError(err)
}

// NewExistsRequest creates a new Exists request
func NewExistsRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVExists,
		Key:     key,
	}
}

// NewExistsResponse creates a new Exists response
func NewExistsResponse(ok bool, err error) *Message {
	return (&Message{MsgType: MsgTKVExists, Ok: ok}).SetError(err)
}

// --------------------------------------------------------------------------
// Message Factory Functions (raft service)
// --------------------------------------------------------------------------

// NewRaftRequest creates a raft request carrying an encoded raftpb message or conf change
func NewRaftRequest(t MessageType, payload []byte) *Message {
	return &Message{
		MsgType: t,
		Value:   payload,
	}
}

// NewRaftResponse creates the (empty) response to a raft request
func NewRaftResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t}).SetError(err)
}

// NewTransferLeaderRequest asks the leader to hand over leadership to transferee
func NewTransferLeaderRequest(transferee uint64) *Message {
	return &Message{
		MsgType: MsgTRaftTransferLeader,
		Key:     strconv.FormatUint(transferee, 10),
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions (cluster service)
// --------------------------------------------------------------------------

// NewRegisterNodeRequest creates a RegisterNode request, node is the json encoded node
func NewRegisterNodeRequest(node []byte) *Message {
	return &Message{
		MsgType: MsgTClusterRegisterNode,
		Value:   node,
	}
}

// NewUnregisterNodeRequest creates an UnregisterNode request
func NewUnregisterNodeRequest(clusterName string, nodeID uint64) *Message {
	return &Message{
		MsgType: MsgTClusterUnregisterNode,
		Key:     clusterName,
		Value:   []byte(strconv.FormatUint(nodeID, 10)),
	}
}

// NewListNodesRequest lists the nodes of a cluster (all nodes for an empty name)
func NewListNodesRequest(clusterName string) *Message {
	return &Message{
		MsgType: MsgTClusterListNodes,
		Key:     clusterName,
	}
}

// NewStatusRequest asks a node for its consensus status
func NewStatusRequest() *Message {
	return &Message{MsgType: MsgTClusterStatus}
}

// NewClusterResponse creates the (empty) response to a register or unregister request
func NewClusterResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t}).SetError(err)
}

// NewValueResponse creates a response of type t carrying value (json lists, status)
func NewValueResponse(t MessageType, value []byte, err error) *Message {
	return (&Message{MsgType: t, Value: value}).SetError(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err error) *Message {
	return (&Message{MsgType: MsgTError}).SetError(err)
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:               "unknown",
	MsgTSuccess:               "success",
	MsgTError:                 "error",
	MsgTKVSet:                 "set",
	MsgTKVDelete:              "delete",
	MsgTKVGet:                 "get",
	MsgTKVExists:              "exists",
	MsgTRaftVote:              "vote",
	MsgTRaftAppend:            "append_entries",
	MsgTRaftSnapshot:          "install_snapshot",
	MsgTRaftMessage:           "raft_message",
	MsgTRaftConfChange:        "conf_change",
	MsgTRaftTransferLeader:    "transfer_leader",
	MsgTClusterRegisterNode:   "register_node",
	MsgTClusterUnregisterNode: "unregister_node",
	MsgTClusterListNodes:      "list_nodes",
	MsgTClusterStatus:         "status",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for msgType, name := range messageTypeNames {
		if name == s {
			*t = msgType
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// kv service

	MsgTKVSet    // Set a key-value pair
	MsgTKVDelete // Delete a key-value pair
	MsgTKVGet    // Get a value by key
	MsgTKVExists // Check if a key exists

	// raft service

	MsgTRaftVote           // (Pre)Vote request or response
	MsgTRaftAppend         // AppendEntries, heartbeats and everything else
	MsgTRaftSnapshot       // InstallSnapshot
	MsgTRaftMessage        // Any raft message, routed by its own type
	MsgTRaftConfChange     // Propose a membership change
	MsgTRaftTransferLeader // Hand over leadership

	// cluster service

	MsgTClusterRegisterNode   // Register a node of a managed cluster
	MsgTClusterUnregisterNode // Remove a registered node
	MsgTClusterListNodes      // List registered nodes
	MsgTClusterStatus         // Consensus status of the serving node
)
