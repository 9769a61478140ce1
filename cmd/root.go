package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/placement/cmd/cluster"
	"github.com/ValentinKolb/placement/cmd/kv"
	"github.com/ValentinKolb/placement/cmd/serve"
	"github.com/ValentinKolb/placement/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "placement",
		Short: "raft replicated placement center",
		Long: fmt.Sprintf(`placement (v%s)

The placement center keeps the metadata of a broker cluster (registered
nodes and shared key-value data) in a RAFT replicated store.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of placement",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("placement v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
