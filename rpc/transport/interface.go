package transport

import (
	"errors"

	"github.com/ValentinKolb/placement/rpc/common"
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("transport: closed")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the id of the addressed service and a request and returns a response
type ServerHandleFunc func(serviceID uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the server side of the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler is called for every received request
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves requests until Close is called
	Listen(config common.ServerConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to a service of the server and returns the response
	Send(serviceID uint64, req []byte) (resp []byte, err error)
	// Healthy reports whether the transport can still be used
	Healthy() bool
	// Close closes the transport connection
	Close() error
}
