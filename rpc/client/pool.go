package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/serializer"
	"github.com/ValentinKolb/placement/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
)

// ClientPool keeps connections to the members of the cluster.
// Connections are pooled per (service, address) pair and bounded by MaxConnections.
// All methods are safe for concurrent use.
type ClientPool struct {
	config     common.ClientConfig
	factory    TransportFactory
	serializer serializer.IRPCSerializer
	pools      *xsync.MapOf[string, *addrPool]
	registry   metrics.Registry
	closed     atomic.Bool
}

// addrPool holds the connections to one address for one service
type addrPool struct {
	service uint64
	addr    string
	idle    chan transport.IRPCClientTransport
	slots   chan struct{} // counting semaphore for open connections
}

// NewClientPool creates an empty pool. Connections are created lazily with factory.
func NewClientPool(config common.ClientConfig, factory TransportFactory, s serializer.IRPCSerializer) *ClientPool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = common.DefaultMaxConnections
	}
	if config.TimeoutSecond <= 0 {
		config.TimeoutSecond = common.DefaultTimeoutSecond
	}
	return &ClientPool{
		config:     config,
		factory:    factory,
		serializer: s,
		pools:      xsync.NewMapOf[string, *addrPool](),
		registry:   metrics.NewRegistry(),
	}
}

// Registry returns the metrics of the pool (call timers, failure and retry counters)
func (p *ClientPool) Registry() metrics.Registry {
	return p.registry
}

// Call sends req to the service at addr in a single attempt
func (p *ClientPool) Call(service uint64, iface string, addr string, req *common.Message) (*common.Message, error) {
	start := time.Now()
	defer metrics.GetOrRegisterTimer(fmt.Sprintf("rpc.call.%s.%s", common.ServiceName(service), iface), p.registry).UpdateSince(start)

	t, pool, err := p.checkout(service, addr)
	if err != nil {
		metrics.GetOrRegisterCounter("rpc.connect.failures", p.registry).Inc(1)
		return nil, err
	}

	resp, err := invokeRPCRequest(service, req, t, p.serializer)
	pool.checkin(t, p.closed.Load())

	if err != nil {
		metrics.GetOrRegisterCounter("rpc.call.failures", p.registry).Inc(1)
		return nil, err
	}
	return resp, nil
}

// RetryCall sends req to the service, trying addrs in turn starting with the first one.
// After the n-th failed attempt (counting from 0) it sleeps (n+1) * RetryBackoffMillis and tries the next address.
// Errors caused by the request itself (e.g. validation) are not retried.
func (p *ClientPool) RetryCall(service uint64, iface string, addrs []string, req *common.Message) (*common.Message, error) {
	if len(addrs) == 0 {
		return nil, store.Errorf(store.RetCUnreachable, "%s.%s: no addresses", common.ServiceName(service), iface)
	}

	backoff := time.Duration(p.config.RetryBackoffMillis) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= p.config.RetryCount; attempt++ {
		addr := addrs[attempt%len(addrs)]

		resp, err := p.Call(service, iface, addr, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		Logger.Warningf("call %s.%s to %s failed (attempt %d/%d): %v",
			common.ServiceName(service), iface, addr, attempt+1, p.config.RetryCount+1, err)

		if !retryable(err) || p.closed.Load() {
			return nil, err
		}
		if attempt < p.config.RetryCount {
			metrics.GetOrRegisterCounter("rpc.call.retries", p.registry).Inc(1)
			time.Sleep(time.Duration(attempt+1) * backoff)
		}
	}
	return nil, lastErr
}

// Close closes all idle connections. Connections in use are closed when they are returned.
func (p *ClientPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pools.Range(func(_ string, pool *addrPool) bool {
		pool.drain()
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (p *ClientPool) addrPool(service uint64, addr string) *addrPool {
	key := fmt.Sprintf("%d|%s", service, addr)
	pool, _ := p.pools.LoadOrCompute(key, func() *addrPool {
		return &addrPool{
			service: service,
			addr:    addr,
			idle:    make(chan transport.IRPCClientTransport, p.config.MaxConnections),
			slots:   make(chan struct{}, p.config.MaxConnections),
		}
	})
	return pool
}

// checkout returns a healthy connection, reusing an idle one when possible.
// It blocks while MaxConnections connections are in use, at most for the client timeout.
func (p *ClientPool) checkout(service uint64, addr string) (transport.IRPCClientTransport, *addrPool, error) {
	if p.closed.Load() {
		return nil, nil, store.NewError(store.RetCUnreachable, "client pool is closed")
	}

	pool := p.addrPool(service, addr)

	timer := time.NewTimer(time.Duration(p.config.TimeoutSecond) * time.Second)
	defer timer.Stop()

	select {
	case pool.slots <- struct{}{}:
	case <-timer.C:
		return nil, nil, store.Errorf(store.RetCUnreachable, "no free connection to %s within %d sec", addr, p.config.TimeoutSecond)
	}

	if t := pool.takeIdle(); t != nil {
		return t, pool, nil
	}

	t := p.factory()
	cfg := p.config
	cfg.Transport.Endpoints = []string{addr}
	if err := t.Connect(cfg); err != nil {
		_ = t.Close()
		<-pool.slots
		return nil, nil, &ConnectError{Addr: addr, Err: err}
	}
	return t, pool, nil
}

// checkin returns a connection to the idle list (or closes it) and frees its slot
func (pool *addrPool) checkin(t transport.IRPCClientTransport, closed bool) {
	defer func() { <-pool.slots }()

	if closed || !t.Healthy() {
		_ = t.Close()
		return
	}
	select {
	case pool.idle <- t:
	default:
		_ = t.Close()
	}
}

// takeIdle returns a healthy idle connection or nil. Broken ones are closed on the way.
func (pool *addrPool) takeIdle() transport.IRPCClientTransport {
	for {
		select {
		case t := <-pool.idle:
			if t.Healthy() {
				return t
			}
			Logger.Debugf("dropping broken connection to %s", pool.addr)
			_ = t.Close()
		default:
			return nil
		}
	}
}

// drain closes all idle connections
func (pool *addrPool) drain() {
	for {
		select {
		case t := <-pool.idle:
			_ = t.Close()
		default:
			return
		}
	}
}
