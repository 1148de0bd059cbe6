package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/distmc/quiesce/fabric/tcpfabric"
	"github.com/distmc/quiesce/reachability"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run one node of a TCP cluster.",
	Long: "`node` connects to the peers listed in QUIESCE_PEERS as rank " +
		"QUIESCE_RANK and explores its share of the graph. Every node of " +
		"the cluster must be started with the same graph flags.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNode(cmd)
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)

	nodeCmd.Flags().Int("rank", -1, "Rank of this node, overrides QUIESCE_RANK")
	nodeCmd.Flags().StringSlice("peers", nil,
		"Addresses of all ranks, overrides QUIESCE_PEERS")
}

// errInterrupted is returned when the node is stopped by a signal.
var errInterrupted = errors.New("interrupted")

func runNode(cmd *cobra.Command) error {
	cfg := loadConfig()

	if rank, _ := cmd.Flags().GetInt("rank"); rank >= 0 {
		cfg.Rank = rank
	}

	if peers, _ := cmd.Flags().GetStringSlice("peers"); len(peers) > 0 {
		cfg.Peers = peers
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[%d] ", cfg.Rank), log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fc := cfg.FabricConfig()
	fc.Logger = logger

	f, err := tcpfabric.Connect(ctx, fc)
	if err != nil {
		return err
	}

	net := cfg.TransportBuilder(f).
		WithLogger(logger).
		Build(fmt.Sprintf("Node[%d].Network", cfg.Rank))
	if err := net.Init(); err != nil {
		f.Close()
		return err
	}

	e := reachability.MakeBuilder().
		WithGraph(graph).
		WithBatchSize(batch).
		WithLogger(logger).
		Build(fmt.Sprintf("Node[%d].Explorer", cfg.Rank))
	d := cfg.DetectorBuilder(net, e).Build(fmt.Sprintf("Node[%d].Detector", cfg.Rank))
	e.Attach(d)

	obs := newObservers(monitorSettings{
		recordPath:  cfg.RecordPath,
		monitor:     cfg.MonitorPort > 0,
		port:        cfg.MonitorPort,
		openBrowser: cfg.OpenBrowser,
	}, nil)
	obs.attach(d)
	obs.register("explorer", e)
	obs.set("Rank", cfg.Rank)
	obs.set("Peers", cfg.Peers)
	obs.set("Graph", fmt.Sprintf("%+v", graph))
	obs.progress("explore", 0)

	step := progressOf(e, obs)

	for {
		if ctx.Err() != nil {
			_ = net.Abort(1)
			return errInterrupted
		}

		done, err := step.Step()
		if err != nil {
			_ = net.Abort(2)
			return err
		}

		if done {
			break
		}
	}

	obs.stats(d)
	obs.set("Reachable", e.Total())

	if err := net.Close(); err != nil {
		return err
	}

	if err := obs.close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rank %d: %d local states, %d reachable states\n",
		cfg.Rank, e.Visited(), e.Total())

	return nil
}
