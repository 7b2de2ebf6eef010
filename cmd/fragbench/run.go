package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/andreyvit/fragbench"
	"github.com/spf13/cobra"
)

type runFlags struct {
	engine      string
	dataDir     string
	walDir      string
	compression string
	noSync      bool
	clean       bool

	strategy    string
	reduction   string
	factor      float64
	step        int
	vertices    int
	initialSize int
	cycles      int64
	minSize     int
	tombstone   int64
	workers     int
	rate        float64
	seed        uint64
	progress    int64
	shutdown    bool
	settle      time.Duration

	format string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seed a store, run the shrinking workload and report fragmentation",
		Long: `Seed a store with equally sized records, then repeatedly pick a random
record and shrink it, either by deleting it and creating a smaller one
(--strategy replace) or by clearing and rewriting it (--strategy reuse).
Storage is measured before and after, and the fragmentation factor is
reported. Flags override values from --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd, g, rf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.engine, "engine", "bolt", "Store engine: bolt, sqlite or mem")
	f.StringVar(&rf.dataDir, "data-dir", "", "Storage location to benchmark and measure")
	f.StringVar(&rf.walDir, "wal-dir", "", "Write-ahead log directory (bolt)")
	f.StringVar(&rf.compression, "compression", "none", "Value compression: none, gzip, snappy, zstd or lz4")
	f.BoolVar(&rf.noSync, "no-sync", false, "Skip fsync on commit")
	f.BoolVar(&rf.clean, "clean", true, "Remove existing data before the run")

	f.StringVar(&rf.strategy, "strategy", "replace", "Mutation strategy: replace or reuse")
	f.StringVar(&rf.reduction, "reduction", "multiplicative", "Size reduction: multiplicative or subtractive")
	f.Float64Var(&rf.factor, "factor", fragbench.DefaultReductionFactor, "Multiplicative reduction factor")
	f.IntVar(&rf.step, "step", 1, "Subtractive reduction step")
	f.IntVar(&rf.vertices, "vertices", fragbench.DefaultVertexCount, "Number of records")
	f.IntVar(&rf.initialSize, "initial-size", fragbench.DefaultInitialSize, "Initial payload size in bytes")
	f.Int64Var(&rf.cycles, "cycles", fragbench.DefaultCycles, "Number of workload cycles")
	f.IntVar(&rf.minSize, "min-size", fragbench.DefaultMinSize, "Records must exceed this size to be picked")
	f.Int64Var(&rf.tombstone, "tombstone-bytes", fragbench.DefaultTombstoneBytes, "Assumed residue per deleted record")
	f.IntVar(&rf.workers, "workers", 1, "Concurrent workers, each owning a shard of the records")
	f.Float64Var(&rf.rate, "rate", 0, "Maximum cycles per second (0 = unlimited)")
	f.Uint64Var(&rf.seed, "seed", 0, "Random seed (0 = random)")
	f.Int64Var(&rf.progress, "progress-every", fragbench.DefaultProgressEvery, "Measure storage every N cycles (-1 = never)")
	f.BoolVar(&rf.shutdown, "shutdown", true, "Close the store before the final measurement")
	f.DurationVar(&rf.settle, "settle", 5*time.Second, "Delay between closing the store and measuring")

	f.StringVar(&rf.format, "format", "text", "Report format: text or json")
	return cmd
}

func (rf *runFlags) apply(cmd *cobra.Command, cfg *fragbench.Config) {
	f := cmd.Flags()
	if f.Changed("engine") {
		cfg.Engine = fragbench.Engine(rf.engine)
	}
	if f.Changed("data-dir") {
		cfg.DataDir = rf.dataDir
	}
	if f.Changed("wal-dir") {
		cfg.WALDir = rf.walDir
	}
	if f.Changed("compression") {
		cfg.Store.Compression = fragbench.Compression(rf.compression)
	}
	if f.Changed("no-sync") {
		cfg.Store.NoSync = rf.noSync
	}
	if f.Changed("clean") {
		cfg.Clean = rf.clean
	}

	w := &cfg.Workload
	if f.Changed("strategy") {
		w.Strategy = fragbench.Strategy(rf.strategy)
	}
	if f.Changed("reduction") {
		w.Reduction.Kind = fragbench.ReductionKind(rf.reduction)
		if w.Reduction.Kind == fragbench.ReduceSubtractive && !f.Changed("step") && w.Reduction.Step == 0 {
			w.Reduction.Step = rf.step
		}
	}
	if f.Changed("factor") {
		w.Reduction.Factor = rf.factor
	}
	if f.Changed("step") {
		w.Reduction.Step = rf.step
	}
	if f.Changed("vertices") {
		w.VertexCount = rf.vertices
	}
	if f.Changed("initial-size") {
		w.InitialSize = rf.initialSize
	}
	if f.Changed("cycles") {
		w.Cycles = rf.cycles
	}
	if f.Changed("min-size") {
		w.MinSize = rf.minSize
	}
	if f.Changed("tombstone-bytes") {
		w.TombstoneBytes = rf.tombstone
	}
	if f.Changed("workers") {
		w.Workers = rf.workers
	}
	if f.Changed("rate") {
		w.MaxCyclesPerSecond = rf.rate
	}
	if f.Changed("seed") {
		w.RandSeed = rf.seed
	}
	if f.Changed("progress-every") {
		w.ProgressEvery = rf.progress
	}
	if f.Changed("shutdown") {
		w.ShutdownBeforeMeasure = rf.shutdown
	}
	if f.Changed("settle") {
		w.SettleDelay = rf.settle
	}
}

func runBenchmark(cmd *cobra.Command, g *globalFlags, rf *runFlags) error {
	ctx := cmd.Context()
	logger, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	rf.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Prepare(); err != nil {
		return err
	}

	latch := fragbench.NewOnlineLatch(cfg.Node, cfg.Name, logger)
	store, err := cfg.OpenStore(latch, logger, g.verbose)
	if err != nil {
		return err
	}
	defer store.Close()

	if !latch.Wait(ctx, cfg.OnlineTimeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("database %s did not come online within %v", cfg.Name, cfg.OnlineTimeout)
	}

	b, err := fragbench.New(store, cfg.Prober(store), cfg.Options(logger, g.verbose))
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	report, err := b.Run(ctx)
	if err != nil {
		var re *fragbench.RunError
		if errors.As(err, &re) {
			st := b.Stats()
			logger.Error("run aborted", "phase", re.Phase, "completed", re.Completed, "planned", re.Planned,
				"seeded", st.Seeded, "deleted", st.Deleted, "failures", st.Failures)
		}
		return err
	}
	return writeOutput(cmd.OutOrStdout(), rf.format, report.WriteText, report.WriteJSON)
}
