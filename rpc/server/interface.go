package server

import (
	"github.com/ValentinKolb/placement/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// An adapter serves one service and translates requests into calls of the local node.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response.
	// Errors are never returned directly, they are set in the response (see common.Message.SetError).
	Handle(req *common.Message) (resp *common.Message)
}
