package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/distmc/quiesce/reachability"
	"github.com/distmc/quiesce/simulation"
	"github.com/distmc/quiesce/termination"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Explore a graph on a simulated cluster.",
	Long: "`simulate --nodes N` runs N nodes in this process on a discrete " +
		"event engine and checks the count against a local exploration.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSimulation(cmd)
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("nodes", 4, "Number of simulated nodes")
	simulateCmd.Flags().Int64("seed", 1, "Seed of the packet delays")
	simulateCmd.Flags().Duration("latency", 200*time.Microsecond,
		"Virtual latency of a packet")
	simulateCmd.Flags().String("record", "", "Record the run into this SQLite file")
	simulateCmd.Flags().Bool("monitor", false, "Serve the monitoring page")
	simulateCmd.Flags().Bool("open-browser", false, "Open the monitoring page")
	simulateCmd.Flags().Bool("verify", true,
		"Compare the result with a single process exploration")
}

func runSimulation(cmd *cobra.Command) error {
	cfg := loadConfig()

	nodes, _ := cmd.Flags().GetInt("nodes")
	seed, _ := cmd.Flags().GetInt64("seed")
	latency, _ := cmd.Flags().GetDuration("latency")
	recordPath, _ := cmd.Flags().GetString("record")
	monitor, _ := cmd.Flags().GetBool("monitor")
	openBrowser, _ := cmd.Flags().GetBool("open-browser")
	verify, _ := cmd.Flags().GetBool("verify")

	if recordPath == "" {
		recordPath = cfg.RecordPath
	}

	if nodes < 1 {
		return fmt.Errorf("invalid number of nodes %d", nodes)
	}

	part, err := cfg.PartitionerFor(nodes)
	if err != nil {
		return err
	}

	c := simulation.MakeBuilder().
		WithSize(nodes).
		WithSeed(seed).
		WithLatency(simulation.VTimeInSec(latency.Seconds())).
		WithJitter(simulation.VTimeInSec(latency.Seconds() / 2)).
		WithTransport(cfg.ConfigureTransport).
		WithDetector(func(b termination.Builder) termination.Builder {
			return cfg.ConfigureDetector(b).WithPartitioner(part)
		}).
		Build()

	obs := newObservers(monitorSettings{
		recordPath:  recordPath,
		monitor:     monitor || cfg.MonitorPort > 0,
		port:        cfg.MonitorPort,
		openBrowser: openBrowser || cfg.OpenBrowser,
	}, c.Clock())

	obs.set("Cluster", c.ID())
	obs.set("Nodes", nodes)
	obs.set("Graph", fmt.Sprintf("%+v", graph))

	want := 0
	if verify {
		want = reachability.CountReachable(graph)
	}

	obs.progress("explore", uint64(want))

	explorers := make([]*reachability.Explorer, nodes)
	detectors := make([]*termination.Detector, nodes)

	start := time.Now()
	err = c.Run(func(n *simulation.Node) simulation.Program {
		e := reachability.MakeBuilder().
			WithGraph(graph).
			WithBatchSize(batch).
			Build(fmt.Sprintf("Node[%d].Explorer", n.Rank()))
		d := n.NewDetector(e)
		e.Attach(d)
		obs.attach(d)
		obs.register(fmt.Sprintf("node%d", n.Rank()), e)

		explorers[n.Rank()] = e
		detectors[n.Rank()] = d

		return progressOf(e, obs)
	})
	if err != nil {
		return err
	}

	for _, d := range detectors {
		obs.stats(d)
	}

	total := explorers[0].Total()
	obs.set("Reachable", total)
	obs.set("Virtual Time", float64(c.Engine().CurrentTime()))

	if err := obs.close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "reachable states: %d\n", total)
	fmt.Fprintf(out, "virtual time: %.6fs, wall time: %v\n",
		float64(c.Engine().CurrentTime()), time.Since(start))

	for rank, e := range explorers {
		s := e.Stats()
		fmt.Fprintf(out, "node %d: %d states, %d expanded, %d sent, %d received, %d rounds aborted\n",
			rank, e.Visited(), s.Expanded, s.Remote, s.Received,
			detectors[rank].Stats().RoundsAborted)
	}

	if verify && total != uint64(want) {
		return fmt.Errorf("cluster counted %d states, local exploration %d", total, want)
	}

	return nil
}

// progressOf steps e and reports newly stored states to the progress bar.
func progressOf(e *reachability.Explorer, obs *observers) simulation.Program {
	last := 0

	return simulation.ProgramFunc(func() (bool, error) {
		done, err := e.Step()

		if v := e.Visited(); v > last {
			obs.advance(uint64(v - last))
			last = v
		}

		return done, err
	})
}
