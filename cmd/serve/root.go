package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/placement/cmd/util"
	"github.com/ValentinKolb/placement/lib/util"
	"github.com/ValentinKolb/placement/rpc/client"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/serializer"
	"github.com/ValentinKolb/placement/rpc/server"
	"github.com/ValentinKolb/placement/rpc/transport"
	"github.com/ValentinKolb/placement/rpc/transport/http"
	"github.com/ValentinKolb/placement/rpc/transport/tcp"
	"github.com/ValentinKolb/placement/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a placement center node",
		Long:    `Start a placement center node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is PLACEMENT_<flag> (e.g. PLACEMENT_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("NodeID is the unique identifier of this node (e.g. '1' or 'node-1'). Names that are not numeric are hashed"))

	key = "cluster-name"
	ServeCmd.PersistentFlags().String(key, "placement", cmdUtil.WrapString("Name of the placement center cluster"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ClusterMembers is a comma-separated list of the initial members in the format 'node-1=10.0.0.1:8080,node-2=10.0.0.2:8080,...'. The address is the rpc endpoint of the member"))

	key = "join"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Start without bootstrapping a cluster and wait to be added with 'cluster add-member'"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two members. \nThe election timeout (10 x RTT) and the heartbeat interval (1 x RTT) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Uint64(key, 10000, cmdUtil.WrapString("SnapshotEntries defines how often the state machine is snapshotted automatically, in terms of applied log entries. 0 disables automatic snapshots (not recommended)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory of the storage engine. An empty value keeps all state in memory"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, common.DefaultTimeoutSecond, cmdUtil.WrapString("Timeout in seconds of requests to other members"))

	key = "commit-timeout"
	ServeCmd.PersistentFlags().Int64(key, common.DefaultCommitTimeoutSec, cmdUtil.WrapString("Time in seconds a proposal may take to be committed and applied"))

	key = "max-connections"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxConnections, cmdUtil.WrapString("Maximum number of open connections per member and service"))

	key = "retries"
	ServeCmd.PersistentFlags().Int(key, common.DefaultRetryCount, cmdUtil.WrapString("How many times a forwarded request is retried"))

	key = "retry-backoff-ms"
	ServeCmd.PersistentFlags().Int64(key, common.DefaultRetryBackoffMillis, cmdUtil.WrapString("Base of the linear backoff between retries in milliseconds"))

	key = "strict-reads"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Forward Get and Exists to the leader instead of serving them locally"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the node will listen (e.g. localhost:8080, /tmp/placement.sock, ...)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the prometheus metrics endpoint (e.g. :9090). Disabled if empty"))

	key = "metrics-log-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Interval at which the connection pool metrics are logged (e.g. 1m). Disabled if 0"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.ClusterName = viper.GetString("cluster-name")
	serveCmdConfig.Join = viper.GetBool("join")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.CommitTimeoutSecond = viper.GetInt64("commit-timeout")
	serveCmdConfig.MaxConnections = viper.GetInt("max-connections")
	serveCmdConfig.RetryCount = viper.GetInt("retries")
	serveCmdConfig.RetryBackoffMillis = viper.GetInt64("retry-backoff-ms")
	serveCmdConfig.StrictReads = viper.GetBool("strict-reads")
	serveCmdConfig.Transport.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse node id
	id := viper.GetString("node-id")
	if id == "" {
		return fmt.Errorf("node id is required")
	}
	serveCmdConfig.NodeID = util.NodeID(id)

	// parse cluster members
	serveCmdConfig.ClusterMembers = make(map[uint64]string)
	if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
		for _, member := range strings.Split(clusterMembers, ",") {
			name, addr, ok := strings.Cut(strings.TrimSpace(member), "=")
			if !ok || name == "" || addr == "" {
				return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
			}
			serveCmdConfig.ClusterMembers[util.NodeID(name)] = addr
		}
	} else if !serveCmdConfig.Join {
		// a single node cluster
		serveCmdConfig.ClusterMembers[serveCmdConfig.NodeID] = serveCmdConfig.Transport.Endpoint
	}

	return serveCmdConfig.Validate()
}

// run starts the placement center node
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	s, err := serializer.ByName(viper.GetString("serializer"))
	if err != nil {
		return err
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
	clientTransport, err := client.NewTransportFactory(viper.GetString("transport"))
	if err != nil {
		return err
	}

	serv, err := server.NewRPCServer(*serveCmdConfig, t, s, clientTransport)
	if err != nil {
		return err
	}

	if interval := viper.GetDuration("metrics-log-interval"); interval > 0 {
		go metrics.Log(serv.Pool().Registry(), interval, common.NewMetricsLogger())
	}

	// close the node on SIGINT / SIGTERM, Serve returns once the transport is closed
	sigs := make(chan os.Signal, 1)
	closed := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer close(closed)
		sig := <-sigs
		server.Logger.Infof("received %s, shutting down", sig)
		if err := serv.Close(); err != nil {
			server.Logger.Errorf("shutdown failed: %v", err)
		}
	}()

	if err := serv.Serve(); err != nil {
		_ = serv.Close()
		return err
	}
	<-closed
	return nil
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(cmdUtil.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
