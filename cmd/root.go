package cmd

import (
	"fmt"
	"github.com/ValentinKolb/rTable/cmd/journal"
	"github.com/ValentinKolb/rTable/cmd/kv"
	"github.com/ValentinKolb/rTable/cmd/serve"
	"github.com/ValentinKolb/rTable/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rtable",
		Short: "replicated transactional key-value journal",
		Long: fmt.Sprintf(`rTable (v%s)

A transactional key-value journal written in Go. Every shard hosts one
journal that is either local to a node or replicated with RAFT.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rTable",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rTable v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(journal.JournalCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
