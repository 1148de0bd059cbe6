package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/distmc/quiesce/config"
	"github.com/distmc/quiesce/reachability"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quiesce",
	Short: "quiesce runs distributed graph explorations.",
	Long: `quiesce runs distributed graph explorations on nodes that ` +
		`detect on their own when the whole cluster has nothing left to do. ` +
		`It can simulate a cluster in one process or run one node of a TCP ` +
		`cluster.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		graph.Start = graph.Start[:0]
		for _, x := range startStates {
			graph.Start = append(graph.Start, uint64(x))
		}
	},
}

var (
	envFiles    []string
	graph       reachability.ModularGraph
	startStates []uint
	batch       int
)

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil,
		"Read settings from these .env files instead of "+config.DefaultEnvFile)
	rootCmd.PersistentFlags().Uint64Var(&graph.Modulus, "modulus", 100000,
		"Number of states of the explored graph")
	rootCmd.PersistentFlags().Uint64Var(&graph.Multiplier, "multiplier", 31,
		"Multiplier of the successor function")
	rootCmd.PersistentFlags().IntVar(&graph.Fanout, "fanout", 3,
		"Number of successors of each state")
	rootCmd.PersistentFlags().UintSliceVar(&startStates, "start", nil,
		"Initial states, 0 if none")
	rootCmd.PersistentFlags().IntVar(&batch, "batch", reachability.DefaultBatchSize,
		"Number of states expanded per step")
}

func loadConfig() config.Config {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		fail(err)
	}

	return cfg
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	atexit.Exit(1)
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
