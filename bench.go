package fragbench

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Phases of a benchmark run, as reported by RunError and Progress.
const (
	PhaseSeed     = "seed"
	PhaseBaseline = "baseline"
	PhaseWorkload = "workload"
	PhaseShutdown = "shutdown"
	PhaseFinal    = "final"
)

const (
	DefaultVertexCount            = 5000
	DefaultInitialSize            = 419431 // ceil(0.4 MiB)
	DefaultCycles                 = 50000
	DefaultTypeTag                = "ContentImpl"
	DefaultMinSize                = 1
	DefaultReductionFactor        = 0.5
	DefaultProgressEvery          = 5000
	DefaultSeedProgressEvery      = 1000
	DefaultMaxConsecutiveFailures = 5
)

type Options struct {
	Strategy  Strategy
	Reduction Reduction

	VertexCount int
	InitialSize int
	Cycles      int64

	// MinSize is the size a record must still exceed (after subtracting
	// the reduction step) to be picked. Zero means DefaultMinSize.
	MinSize int

	TypeTag        string
	TombstoneBytes int64
	PickAttempts   int

	// MaxConsecutiveFailures aborts the run after that many failed cycles
	// in a row. Negative disables the limit.
	MaxConsecutiveFailures int

	// ProgressEvery takes a progress snapshot every that many cycles.
	// Negative disables progress snapshots.
	ProgressEvery     int64
	SeedProgressEvery int

	// MaxCyclesPerSecond limits the workload rate; zero means unlimited.
	MaxCyclesPerSecond float64

	// Workers > 1 splits the population into that many shards, each
	// driven by its own goroutine.
	Workers int

	// RandSeed seeds the record picker; zero picks a random seed.
	RandSeed uint64

	// ShutdownBeforeMeasure closes the store before the final snapshot
	// and then waits SettleDelay.
	ShutdownBeforeMeasure bool
	SettleDelay           time.Duration

	OnProgress func(Progress)

	Logger  *slog.Logger
	Verbose bool
}

func (opt *Options) setDefaults() {
	if opt.Strategy == "" {
		opt.Strategy = StrategyReplace
	}
	if opt.Reduction.Kind == "" {
		opt.Reduction = Multiplicative(DefaultReductionFactor)
	}
	if opt.VertexCount == 0 {
		opt.VertexCount = DefaultVertexCount
	}
	if opt.InitialSize == 0 {
		opt.InitialSize = DefaultInitialSize
	}
	if opt.Cycles == 0 {
		opt.Cycles = DefaultCycles
	}
	if opt.MinSize == 0 {
		opt.MinSize = DefaultMinSize
	}
	if opt.TypeTag == "" {
		opt.TypeTag = DefaultTypeTag
	}
	if opt.TombstoneBytes == 0 {
		opt.TombstoneBytes = DefaultTombstoneBytes
	}
	if opt.PickAttempts == 0 {
		opt.PickAttempts = DefaultPickAttempts
	}
	if opt.MaxConsecutiveFailures == 0 {
		opt.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opt.ProgressEvery == 0 {
		opt.ProgressEvery = DefaultProgressEvery
	}
	if opt.SeedProgressEvery == 0 {
		opt.SeedProgressEvery = DefaultSeedProgressEvery
	}
	if opt.Workers < 1 {
		opt.Workers = 1
	}
	if opt.RandSeed == 0 {
		opt.RandSeed = rand.Uint64()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
}

func (opt *Options) validate() error {
	if err := opt.Strategy.Validate(); err != nil {
		return err
	}
	if err := opt.Reduction.Validate(); err != nil {
		return err
	}
	if opt.VertexCount < 0 {
		return fmt.Errorf("vertex count must be positive, got %d", opt.VertexCount)
	}
	if opt.InitialSize < 1 {
		return fmt.Errorf("initial size must be positive, got %d", opt.InitialSize)
	}
	if opt.Cycles < 0 {
		return fmt.Errorf("cycle count must not be negative, got %d", opt.Cycles)
	}
	if opt.MinSize < 0 {
		return fmt.Errorf("min size must not be negative, got %d", opt.MinSize)
	}
	if opt.Workers > opt.VertexCount {
		return fmt.Errorf("%d workers for %d records", opt.Workers, opt.VertexCount)
	}
	return nil
}

// Progress describes a point in a running benchmark.
type Progress struct {
	Phase    string
	Done     int64
	Planned  int64
	Snapshot *SizeSnapshot
}

// Benchmark seeds a store, shrinks its records and measures how the
// storage footprint changes.
type Benchmark struct {
	store  Store
	prober Prober
	opt    Options
	logger *slog.Logger
	runID  uuid.UUID

	pop     *ShardedPopulation
	stats   Stats
	deleted *roaring64.Bitmap
	done    atomic.Int64

	progressLock sync.Mutex
}

func New(store Store, prober Prober, opt Options) (*Benchmark, error) {
	opt.setDefaults()
	if err := opt.validate(); err != nil {
		return nil, err
	}
	pop := NewShardedPopulation(opt.Workers, opt.VertexCount)
	pop.SetPickAttempts(opt.PickAttempts)
	runID := uuid.New()
	return &Benchmark{
		store:   store,
		prober:  prober,
		opt:     opt,
		logger:  opt.Logger.With("run", runID.String()),
		runID:   runID,
		pop:     pop,
		deleted: roaring64.New(),
	}, nil
}

func (b *Benchmark) RunID() uuid.UUID {
	return b.runID
}

// Population returns the current population, merged across shards.
func (b *Benchmark) Population() *Population {
	return b.pop.Merge()
}

func (b *Benchmark) Stats() Stats {
	return b.stats
}

// DeletedIDs returns the ids removed by the replace strategy.
func (b *Benchmark) DeletedIDs() *roaring64.Bitmap {
	return b.deleted
}

// Run performs the whole benchmark. On failure it returns a *RunError and
// no report.
func (b *Benchmark) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	if err := b.Seed(ctx); err != nil {
		return nil, err
	}

	b.logger.LogAttrs(ctx, slog.LevelInfo, "size will be reduced by "+b.opt.Reduction.String(), slog.String("strategy", string(b.opt.Strategy)))

	initial, err := b.prober.Snapshot(ctx)
	if err != nil {
		return nil, &RunError{Phase: PhaseBaseline, Err: err}
	}
	b.logSnapshot(ctx, "before", initial)

	if err := b.Work(ctx); err != nil {
		return nil, err
	}

	if b.opt.ShutdownBeforeMeasure {
		if err := b.store.Close(); err != nil {
			return nil, &RunError{Phase: PhaseShutdown, Completed: b.stats.Cycles, Planned: b.opt.Cycles, Err: err}
		}
		if b.opt.SettleDelay > 0 {
			t := time.NewTimer(b.opt.SettleDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, &RunError{Phase: PhaseShutdown, Completed: b.stats.Cycles, Planned: b.opt.Cycles, Err: ctx.Err()}
			}
		}
	}

	final, err := b.prober.Snapshot(ctx)
	if err != nil {
		return nil, &RunError{Phase: PhaseFinal, Completed: b.stats.Cycles, Planned: b.opt.Cycles, Err: err}
	}
	b.logSnapshot(ctx, "final result", final)

	r := NewReport(initial, final, b.stats.Deleted, b.opt.TombstoneBytes)
	r.RunID = b.runID
	r.Strategy = b.opt.Strategy
	r.Reduction = b.opt.Reduction
	r.Stats = b.stats
	r.Duration = time.Since(start)
	return r, nil
}

// Seed creates VertexCount records of InitialSize, one transaction each.
func (b *Benchmark) Seed(ctx context.Context) error {
	n := b.opt.VertexCount
	size := b.opt.InitialSize
	b.logger.LogAttrs(ctx, slog.LevelInfo, "creating records", slog.Int("count", n), slog.String("size", humanize.IBytes(uint64(size))))

	payload := newPayloadSource(b.rng(0), size, b.logger).Text(size)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return &RunError{Phase: PhaseSeed, Completed: b.stats.Seeded, Planned: int64(n), Err: err}
		}
		var id RecordID
		err := InTxn(ctx, b.store, func(txn Txn) error {
			var err error
			id, err = txn.AddRecord(b.opt.TypeTag, payload)
			return err
		})
		if err != nil {
			return &RunError{Phase: PhaseSeed, Completed: b.stats.Seeded, Planned: int64(n), Err: err}
		}
		b.pop.Seed(id, size)
		b.stats.Seeded++

		if i%b.opt.SeedProgressEvery == 0 {
			b.logger.LogAttrs(ctx, slog.LevelInfo, "created records", slog.Int("count", i))
			b.progress(Progress{Phase: PhaseSeed, Done: int64(i), Planned: int64(n)})
		}
	}
	b.pop.Rebalance()
	return nil
}

// Work runs the configured number of cycles over the seeded population.
func (b *Benchmark) Work(ctx context.Context) error {
	var limiter *rate.Limiter
	if b.opt.MaxCyclesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.opt.MaxCyclesPerSecond), 1)
	}
	b.logger.LogAttrs(ctx, slog.LevelInfo, "starting workload",
		slog.String("strategy", string(b.opt.Strategy)),
		slog.String("cycles", humanize.Comma(b.opt.Cycles)),
		slog.Int("workers", b.opt.Workers))

	shards := b.pop.ShardCount()
	workloads := make([]*Workload, shards)
	for i := range workloads {
		rng := b.rng(uint64(i) + 1)
		workloads[i] = newWorkload(b.store, b.pop.Shard(i), rng, newPayloadSource(rng, b.opt.InitialSize, b.logger), workloadOptions{
			Strategy:    b.opt.Strategy,
			Reduction:   b.opt.Reduction,
			MinSize:     b.opt.MinSize,
			TypeTag:     b.opt.TypeTag,
			MaxFailures: b.opt.MaxConsecutiveFailures,
			Limiter:     limiter,
			Logger:      b.logger.With("worker", i),
			Verbose:     b.opt.Verbose,
		})
	}

	var err error
	if shards == 1 {
		err = workloads[0].Run(ctx, b.opt.Cycles, func() error {
			return b.cycleDone(ctx)
		})
	} else {
		g, gctx := errgroup.WithContext(ctx)
		split := splitCycles(b.opt.Cycles, b.pop.Sizes())
		for i, w := range workloads {
			n := split[i]
			g.Go(func() error {
				return w.Run(gctx, n, func() error {
					return b.cycleDone(gctx)
				})
			})
		}
		err = g.Wait()
	}

	for _, w := range workloads {
		b.stats.add(w.Stats())
		b.deleted.Or(w.Deleted())
	}
	if err != nil {
		return &RunError{Phase: PhaseWorkload, Completed: b.stats.Cycles, Planned: b.opt.Cycles, Err: err}
	}
	b.logger.LogAttrs(ctx, slog.LevelInfo, "workload finished",
		slog.Int64("cycles", b.stats.Cycles),
		slog.Int64("deleted", b.stats.Deleted),
		slog.Int64("failures", b.stats.Failures))
	return nil
}

func (b *Benchmark) cycleDone(ctx context.Context) error {
	done := b.done.Add(1)
	if b.opt.ProgressEvery < 0 || (done-1)%b.opt.ProgressEvery != 0 {
		return nil
	}
	p := Progress{Phase: PhaseWorkload, Done: done, Planned: b.opt.Cycles}
	snap, err := b.prober.Snapshot(ctx)
	if err != nil {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "progress snapshot failed", slog.Any("err", err))
	} else {
		p.Snapshot = &snap
		b.logSnapshot(ctx, "progress", snap)
	}
	b.progress(p)
	return nil
}

func (b *Benchmark) progress(p Progress) {
	if b.opt.OnProgress == nil {
		return
	}
	b.progressLock.Lock()
	defer b.progressLock.Unlock()
	b.opt.OnProgress(p)
}

func (b *Benchmark) rng(stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(b.opt.RandSeed, stream))
}

func (b *Benchmark) logSnapshot(ctx context.Context, msg string, s SizeSnapshot) {
	b.logger.LogAttrs(ctx, slog.LevelInfo, msg,
		slog.String("wal", humanize.IBytes(uint64(max(s.Log, 0)))),
		slog.String("primary", humanize.IBytes(uint64(max(s.Primary, 0)))),
		slog.String("secondary", humanize.IBytes(uint64(max(s.Secondary, 0)))),
		slog.String("other", humanize.IBytes(uint64(max(s.Other, 0)))),
		slog.String("total", HumanSize(s.Total())))
}
