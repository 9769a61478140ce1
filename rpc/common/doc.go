// Package common holds the types shared by the clients and servers of the placement center.
//
//   - Message: the request and response envelope of every service. Errors travel as a
//     store.RetCode plus message and are rebuilt with ResponseError.
//   - MessageType and the service ids (kv, raft, cluster).
//   - ServerConfig and ClientConfig: explicit configuration, no globals. ServerConfig
//     converts itself into the consensus driver config and the peer client config.
//   - Logging: a logrus backed implementation of dragonboat's logger facade used by
//     every package, plus the logger handed to the consensus engine.
package common
