// Package server implements a member of the placement center.
//
// An RPCServer wires the storage engine, the replicated log store, the
// propose/apply pipeline, the consensus driver and the peer connection pool
// together and serves three services over a server transport:
//
//   - kv (common.ServiceKV): Set and Delete are validated and proposed on the
//     leader. Followers forward them to the leader. Get and Exists are served
//     from the local state machine, or by the leader if StrictReads is set.
//
//   - raft (common.ServiceRaft): Vote, AppendEntries, InstallSnapshot and
//     SendRaftMessage decode a raftpb.Message and step it into the local engine.
//     SendRaftConfChange and TransferLeader are executed by the leader.
//
//   - cluster (common.ServiceCluster): the replicated registry of nodes of
//     managed clusters (RegisterNode, UnregisterNode, ListNodes) and the
//     consensus Status of the serving node.
//
// Every service is an IRPCServerAdapter. Errors are carried in the response
// (code and message) so clients can rebuild the *store.Error.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  NodeID:         1,
//	  ClusterMembers: map[uint64]string{1: "10.0.0.1:8080", 2: "10.0.0.2:8080", 3: "10.0.0.3:8080"},
//	  DataDir:        "/var/lib/placement",
//	  ...
//	}
//
//	s, err := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer(), tcp.NewTCPClientTransport)
//	if err != nil {
//	  log.Fatalf("Setup error: %v", err)
//	}
//	defer s.Close()
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// A request is forwarded at most once. A forwarded request reaching a node that
// is not the leader fails with RetCNoLeader, the client retries it.
package server
