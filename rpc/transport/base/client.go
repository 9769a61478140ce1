package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// session is one established net connection. Once closed it is never reused.
type session struct {
	conn     net.Conn
	requests *xsync.MapOf[uint64, chan responseResult]
	writeMu  sync.Mutex
	closed   atomic.Bool
}

// clientConnection is a slot for one connection to an endpoint.
// A broken session is replaced by a new one on the next request.
type clientConnection struct {
	endpoint string
	parent   *clientTransport
	mu       sync.Mutex
	current  *session
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.closeConnections()
	t.config = config
	t.stopping.Store(false)

	connectionsPerEP := 1
	if config.Transport.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.Transport.ConnectionsPerEndpoint
	}

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	var lastErr error
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint: endpoint,
				parent:   t,
			}

			// Establish the initial connection
			if _, err := clientConn.session(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				lastErr = err
				continue
			}
			connections = append(connections, clientConn)
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	if len(connections) == 0 {
		return fmt.Errorf("failed to connect to any endpoint: %w", lastErr)
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Debugf("Connected %d out of %d connections to %d endpoints using %s transport",
		len(connections), len(config.Transport.Endpoints)*connectionsPerEP, len(config.Transport.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(serviceID uint64, req []byte) ([]byte, error) {
	maxAttempts := t.config.Transport.RetryCount
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if t.stopping.Load() {
			return nil, transport.ErrClosed
		}

		conn := t.getNextConnection()
		if conn == nil {
			return nil, fmt.Errorf("no active connections available")
		}

		s, err := conn.session()
		if err == nil {
			var data []byte
			if data, err = t.roundTrip(s, serviceID, req); err == nil {
				return data, nil
			}
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", i+1, maxAttempts, conn.endpoint, err)

		if i < maxAttempts-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxAttempts, lastErr)
}

func (t *clientTransport) Healthy() bool {
	if t.stopping.Load() {
		return false
	}

	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	for _, conn := range t.connections {
		if conn.alive() {
			return true
		}
	}
	return false
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// roundTrip writes one request frame and waits for the matching response
func (t *clientTransport) roundTrip(s *session, serviceID uint64, req []byte) ([]byte, error) {
	requestID := atomic.AddUint64(&t.nextRequestID, 1)

	respCh := make(chan responseResult, 1)
	s.requests.Store(requestID, respCh)
	defer s.requests.Delete(requestID)

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	s.writeMu.Lock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := writeFrame(s.conn, serviceID, requestID, req)
	s.writeMu.Unlock()

	if err != nil {
		s.close(err)
		return nil, err
	}

	// a closed session fails all waiting requests, so there is no need to watch it here
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-timeoutCh:
		return nil, fmt.Errorf("request timed out after %s", timeout)
	}
}

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	switch len(t.connections) {
	case 0:
		return nil
	case 1:
		return t.connections[0]
	default:
		index := atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
		return t.connections[index]
	}
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, conn := range t.connections {
		conn.mu.Lock()
		if conn.current != nil {
			conn.current.close(transport.ErrClosed)
		}
		conn.mu.Unlock()
	}
	t.connections = nil
}

// session returns the live session of the slot, dialing a new one if needed
func (c *clientConnection) session() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.current.closed.Load() {
		return c.current, nil
	}
	if c.parent.stopping.Load() {
		return nil, transport.ErrClosed
	}

	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	s := &session{
		conn:     conn,
		requests: xsync.NewMapOf[uint64, chan responseResult](),
	}
	c.current = s
	go s.readResponses(c.endpoint)
	return s, nil
}

// alive reports whether the slot has an open session
func (c *clientConnection) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.closed.Load()
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (s *session) readResponses(endpoint string) {
	for {
		serviceID, requestID, data, err := readFrame(s.conn, nil)
		if err != nil {
			if !s.closed.Load() {
				Logger.Debugf("Connection to %s lost: %v", endpoint, err)
			}
			s.close(fmt.Errorf("error reading response: %w", err))
			return
		}

		respCh, found := s.requests.LoadAndDelete(requestID)
		if !found {
			// the request timed out in the meantime
			Logger.Warningf("Received response for unknown request ID %d with service ID %d", requestID, serviceID)
			continue
		}
		respCh <- responseResult{data: data}
	}
}

// close closes the connection and fails every waiting request with err
func (s *session) close(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
	s.requests.Range(func(id uint64, ch chan responseResult) bool {
		select {
		case ch <- responseResult{err: err}:
		default:
		}
		return true
	})
}
