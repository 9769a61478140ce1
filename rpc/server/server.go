package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/db/engines/pebble"
	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"github.com/ValentinKolb/placement/lib/raft/network"
	"github.com/ValentinKolb/placement/lib/raft/node"
	"github.com/ValentinKolb/placement/lib/raft/storage"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/dstore"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"github.com/ValentinKolb/placement/rpc/client"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/serializer"
	"github.com/ValentinKolb/placement/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// RPCServer is one member of the placement center. It owns the storage engine,
// the consensus driver and the connections to the other members, and serves the
// kv, raft and cluster services over the server transport.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapters   *xsync.MapOf[uint64, IRPCServerAdapter]

	engine   db.IEngine
	pipeline *apply.RaftMachineApply
	metadata *cluster.Metadata
	node     *node.Node
	network  *network.Network
	pool     *client.ClientPool

	metricsServer *http.Server
	closeOnce     sync.Once
}

// NewRPCServer creates a member of the placement center.
// clientTransport creates the connections to the other members.
//
// Usage:
//
//	s, err := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//		tcp.NewTCPClientTransport,
//	)
//	if err != nil {
//		panic(err)
//	}
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	serverTransport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	clientTransport client.TransportFactory,
) (*RPCServer, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine, err := openEngine(config)
	if err != nil {
		return nil, err
	}

	s := &RPCServer{
		config:     config,
		transport:  serverTransport,
		serializer: serializer,
		adapters:   xsync.NewMapOf[uint64, IRPCServerAdapter](),
		engine:     engine,
		pipeline:   apply.NewRaftMachineApply(0, time.Duration(config.CommitTimeoutSecond)*time.Second),
		pool:       client.NewClientPool(config.ToClientConfig(), clientTransport, serializer),
	}

	// the advertised address of the local node is its entry in the member list
	localAddr := config.ClusterMembers[config.NodeID]
	if localAddr == "" {
		localAddr = config.Transport.Endpoint
	}
	s.metadata = cluster.NewMetadata(cluster.PeerNode{NodeID: config.NodeID, Addr: localAddr}, config.ClusterMembers)
	s.network = network.New(config.NodeID, s.pool, s.metadata, 0)

	kv := lstore.NewLocalStore(engine)
	nodes := lstore.NewNodeStorage(engine)

	nodeConfig := config.ToNodeConfig()
	nodeConfig.Logger = common.NewRaftLogger(config.LogLevel)

	s.node, err = node.New(
		nodeConfig,
		storage.New(engine),
		s.pipeline,
		s.metadata,
		dstore.NewDataRouter(kv, nodes),
		lstore.NewMemberStorage(engine),
		s.network,
	)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to create consensus driver: %w", err)
	}
	s.network.SetReporter(s.node)

	// CREATE SERVICES

	fwd := &leaderForwarder{metadata: s.metadata, pool: s.pool}
	s.adapters.Store(common.ServiceKV, NewIStoreServerAdapter(dstore.NewDistributedStore(s.pipeline, kv), fwd, config.StrictReads))
	s.adapters.Store(common.ServiceRaft, NewRaftServerAdapter(s.pipeline, fwd))
	s.adapters.Store(common.ServiceCluster, NewClusterServerAdapter(dstore.NewRegistry(s.pipeline, nodes), s.node, fwd))

	s.transport.RegisterHandler(s.Handler())

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return s, nil
}

// Start starts the consensus driver without serving requests over the transport
func (s *RPCServer) Start() error {
	if err := s.node.Start(); err != nil {
		return fmt.Errorf("failed to start node %d: %w", s.config.NodeID, err)
	}
	Logger.Infof("node %d started", s.config.NodeID)
	return nil
}

// Serve starts the consensus driver, the metrics endpoint and the transport layer.
// It blocks until the server is closed.
func (s *RPCServer) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	if s.config.MetricsEndpoint != "" {
		s.serveMetrics()
	}
	return s.transport.Listen(s.config)
}

// Handler returns the function that serves one serialized request of a service
func (s *RPCServer) Handler() transport.ServerHandleFunc {
	return func(serviceID uint64, req []byte) []byte {
		start := time.Now()
		service := common.ServiceName(serviceID)

		var respMsg *common.Message
		if adapter, ok := s.adapters.Load(serviceID); !ok {
			respMsg = common.NewErrorResponse(store.Errorf(store.RetCUnsupportedOperation, "unknown service %d", serviceID))
		} else {
			var msg common.Message
			if err := s.serializer.Deserialize(req, &msg); err != nil {
				respMsg = common.NewErrorResponse(store.Errorf(store.RetCDecode, "failed to deserialize request: %v", err))
			} else {
				respMsg = adapter.Handle(&msg)
			}
		}

		metrics.GetOrCreateCounter(`placement_rpc_requests_total{service="` + service + `"}`).Inc()
		metrics.GetOrCreateHistogram(`placement_rpc_duration_seconds{service="` + service + `"}`).UpdateDuration(start)
		if respMsg.Code != 0 {
			metrics.GetOrCreateCounter(`placement_rpc_errors_total{service="` + service + `"}`).Inc()
		}

		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(
				store.Errorf(store.RetCInternalError, "failed to serialize response: %v", err)))
		}
		return val
	}
}

// Status returns the consensus status of the local node
func (s *RPCServer) Status() node.Status {
	return s.node.Status()
}

// Pool returns the connections to the other members
func (s *RPCServer) Pool() *client.ClientPool {
	return s.pool
}

// Close stops the transport, the consensus driver and closes the storage engine
func (s *RPCServer) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.metricsServer.Shutdown(ctx)
			cancel()
		}

		s.node.Stop()
		_ = s.pool.Close()
		s.network.Stop()

		if err := s.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close engine: %w", err))
		}
		Logger.Infof("node %d closed", s.config.NodeID)
	})
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// openEngine opens the storage engine of the node, in memory if no data dir is configured
func openEngine(config common.ServerConfig) (db.IEngine, error) {
	if config.DataDir == "" {
		Logger.Warningf("no data dir configured, node %d keeps its state in memory", config.NodeID)
		return pebble.NewInMemoryPebbleDB()
	}
	dir := filepath.Join(config.DataDir, fmt.Sprintf("node-%d", config.NodeID))
	engine, err := pebble.NewPebbleDB(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", dir, err)
	}
	return engine, nil
}

// serveMetrics exposes the metrics of the node in the prometheus text format
func (s *RPCServer) serveMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metricsServer = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}

	go func() {
		Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}
