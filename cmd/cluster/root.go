package cluster

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/placement/cmd/util"
	"github.com/ValentinKolb/placement/lib/raft/node"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	libUtil "github.com/ValentinKolb/placement/lib/util"
	"github.com/ValentinKolb/placement/rpc/client"
	"github.com/spf13/cobra"
	"go.etcd.io/raft/v3/raftpb"
)

var (
	pool *client.ClientPool

	// ClusterCommands represents the cluster command group
	ClusterCommands = &cobra.Command{
		Use:               "cluster",
		Short:             "Manage the members of the placement center and the registered nodes",
		PersistentPreRunE: setupClusterClient,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if pool != nil {
				_ = pool.Close()
			}
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status [addr...]",
		Short: "Print the consensus status of members (all endpoints if no address is given)",
		RunE:  runStatus,
	}

	addMemberCmd = &cobra.Command{
		Use:   "add-member [id] [addr]",
		Short: "Add a member to the placement center",
		Long:  "Add a member to the placement center. The new node must be started with --join and the same id. Names that are not numeric are hashed to an id.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := raftpb.ConfChange{
				Type:    raftpb.ConfChangeAddNode,
				NodeID:  libUtil.NodeID(args[0]),
				Context: []byte(args[1]),
			}
			if err := pool.SendRaftConfChange(util.GetEndpoints(), cc); err != nil {
				return err
			}
			fmt.Printf("member %d (%s) added\n", cc.NodeID, args[1])
			return nil
		},
	}

	removeMemberCmd = &cobra.Command{
		Use:   "remove-member [id]",
		Short: "Remove a member from the placement center",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := raftpb.ConfChange{
				Type:   raftpb.ConfChangeRemoveNode,
				NodeID: libUtil.NodeID(args[0]),
			}
			if err := pool.SendRaftConfChange(util.GetEndpoints(), cc); err != nil {
				return err
			}
			fmt.Printf("member %d removed\n", cc.NodeID)
			return nil
		},
	}

	transferLeaderCmd = &cobra.Command{
		Use:   "transfer-leader [id]",
		Short: "Hand the leadership over to another member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := libUtil.NodeID(args[0])
			if err := pool.TransferLeader(util.GetEndpoints(), id); err != nil {
				return err
			}
			fmt.Printf("leadership transfer to %d started\n", id)
			return nil
		},
	}

	registerCmd = &cobra.Command{
		Use:   "register [cluster-name] [node-id]",
		Short: "Register (or update) a node of a managed cluster",
		Args:  cobra.ExactArgs(2),
		RunE:  runRegister,
	}

	unregisterCmd = &cobra.Command{
		Use:   "unregister [cluster-name] [node-id]",
		Short: "Remove a registered node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid node id %q: %w", args[1], err)
			}
			if err := pool.UnregisterNode(util.GetEndpoints(), args[0], id); err != nil {
				return err
			}
			fmt.Println("unregistered successfully")
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list [cluster-name]",
		Short: "List the registered nodes (of all clusters if no name is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			nodes, err := pool.ListNodes(util.GetEndpoints(), name)
			if err != nil {
				return err
			}
			return util.PrintJSON(nodes)
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the cluster command
	util.SetupRPCClientFlags(ClusterCommands)

	// Add subcommands
	ClusterCommands.AddCommand(statusCmd)
	ClusterCommands.AddCommand(addMemberCmd)
	ClusterCommands.AddCommand(removeMemberCmd)
	ClusterCommands.AddCommand(transferLeaderCmd)
	ClusterCommands.AddCommand(registerCmd)
	ClusterCommands.AddCommand(unregisterCmd)
	ClusterCommands.AddCommand(listCmd)

	// Add flags specific to register
	registerCmd.Flags().String("type", "", util.WrapString("Type of the managed cluster (e.g. broker)"))
	registerCmd.Flags().String("ip", "", util.WrapString("Public address of the node"))
	registerCmd.Flags().String("inner-addr", "", util.WrapString("Address the node uses for traffic inside its cluster"))
	registerCmd.Flags().String("extend", "", util.WrapString("Free-form extension data of the node"))
}

// setupClusterClient initializes the connection pool
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	pool, err = util.NewClientPool()
	return err
}

func runStatus(_ *cobra.Command, args []string) error {
	addrs := args
	if len(addrs) == 0 {
		addrs = util.GetEndpoints()
	}

	statuses := make(map[string]node.Status, len(addrs))
	for _, addr := range addrs {
		status, err := pool.Status(addr)
		if err != nil {
			return fmt.Errorf("status of %s: %w", addr, err)
		}
		statuses[addr] = status
	}
	return util.PrintJSON(statuses)
}

func runRegister(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", args[1], err)
	}

	n := lstore.BrokerNode{
		ClusterName: args[0],
		NodeID:      id,
	}
	if n.ClusterType, err = cmd.Flags().GetString("type"); err != nil {
		return err
	}
	if n.NodeIP, err = cmd.Flags().GetString("ip"); err != nil {
		return err
	}
	if n.NodeInnerAddr, err = cmd.Flags().GetString("inner-addr"); err != nil {
		return err
	}
	if n.Extend, err = cmd.Flags().GetString("extend"); err != nil {
		return err
	}

	if err := pool.RegisterNode(util.GetEndpoints(), n); err != nil {
		return err
	}
	fmt.Println("registered successfully")
	return nil
}
