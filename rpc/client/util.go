package client

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/serializer"
	"github.com/ValentinKolb/placement/rpc/transport"
	"github.com/ValentinKolb/placement/rpc/transport/http"
	"github.com/ValentinKolb/placement/rpc/transport/tcp"
	"github.com/ValentinKolb/placement/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc/client")
)

// TransportFactory creates a new, unconnected client transport
type TransportFactory func() transport.IRPCClientTransport

// NewTransportFactory returns the factory of the transport with the given name (tcp, unix or http)
func NewTransportFactory(name string) (TransportFactory, error) {
	switch name {
	case "tcp", "":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	case "http":
		return http.NewHttpClientTransport, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
}

// ConnectError is returned when no connection to Addr could be established
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// invokeRPCRequest sends one request over t and decodes the response.
// The returned errors are *store.Error values:
// transport failures are RetCUnreachable, malformed responses RetCDecode,
// and errors reported by the server keep their code.
func invokeRPCRequest(service uint64, req *common.Message, t transport.IRPCClientTransport, s serializer.IRPCSerializer) (*common.Message, error) {
	reqBytes, err := s.Serialize(*req)
	if err != nil {
		return nil, store.Errorf(store.RetCInternalError, "failed to serialize %s request: %v", req.MsgType, err)
	}

	respBytes, err := t.Send(service, reqBytes)
	if err != nil {
		return nil, store.Errorf(store.RetCUnreachable, "%s request failed: %v", req.MsgType, err)
	}

	resp := &common.Message{}
	if err := s.Deserialize(respBytes, resp); err != nil {
		return nil, store.Errorf(store.RetCDecode, "failed to decode %s response: %v", req.MsgType, err)
	}

	if err := resp.ResponseError(); err != nil {
		return nil, err
	}

	if resp.MsgType != req.MsgType {
		return nil, store.Errorf(store.RetCDecode, "unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}

// retryable reports whether a failed call may succeed when repeated (possibly on another member)
func retryable(err error) bool {
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	switch store.CodeOf(err) {
	case store.RetCValidation, store.RetCDecode, store.RetCUnsupportedOperation, store.RetCInvalidOperation:
		return false
	default:
		return true
	}
}
