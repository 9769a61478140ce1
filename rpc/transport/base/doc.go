// Package base is the framed, multiplexed transport shared by the tcp and unix transports.
//
// Every message travels in a frame:
//
//	serviceID (8 bytes) | requestID (8 bytes) | length (4 bytes) | payload
//
// The client writes requests of many goroutines onto the same connection and matches
// responses by request id, so the server may answer out of order. The server processes
// the requests of one connection with a bounded number of workers.
//
// A broken connection fails all of its waiting requests and is redialed on the next
// request. Healthy reports whether any connection is currently open, which lets the
// connection pool of package client drop dead transports.
//
// Protocol specific parts (dialing, listening, socket options) are injected through
// IClientConnector and IServerConnector.
package base
