package fragbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/time/rate"
)

// Stats counts what a workload did.
type Stats struct {
	Seeded       int64 `json:"seeded"`
	Attempted    int64 `json:"attempted"`
	Cycles       int64 `json:"cycles"`
	Deleted      int64 `json:"deleted"`
	Failures     int64 `json:"failures"`
	BytesWritten int64 `json:"bytes_written"`
}

func (s *Stats) add(o Stats) {
	s.Seeded += o.Seeded
	s.Attempted += o.Attempted
	s.Cycles += o.Cycles
	s.Deleted += o.Deleted
	s.Failures += o.Failures
	s.BytesWritten += o.BytesWritten
}

// Workload shrinks records of one population, one transaction per cycle.
// It is driven by a single goroutine.
type Workload struct {
	store       Store
	pop         *Population
	rng         *rand.Rand
	payloads    *payloadSource
	strategy    Strategy
	reduction   Reduction
	minSize     int
	typeTag     string
	maxFailures int
	limiter     *rate.Limiter
	logger      *slog.Logger
	verbose     bool

	deleted     *roaring64.Bitmap
	stats       Stats
	consecutive int
}

type workloadOptions struct {
	Strategy    Strategy
	Reduction   Reduction
	MinSize     int
	TypeTag     string
	MaxFailures int
	Limiter     *rate.Limiter
	Logger      *slog.Logger
	Verbose     bool
}

func newWorkload(store Store, pop *Population, rng *rand.Rand, payloads *payloadSource, opt workloadOptions) *Workload {
	return &Workload{
		store:       store,
		pop:         pop,
		rng:         rng,
		payloads:    payloads,
		strategy:    opt.Strategy,
		reduction:   opt.Reduction,
		minSize:     opt.MinSize,
		typeTag:     opt.TypeTag,
		maxFailures: opt.MaxFailures,
		limiter:     opt.Limiter,
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		deleted:     roaring64.New(),
	}
}

func (w *Workload) Stats() Stats {
	return w.stats
}

// Deleted returns the ids deleted by committed cycles.
func (w *Workload) Deleted() *roaring64.Bitmap {
	return w.deleted
}

// Cycle shrinks one random record. A *CommitError means the cycle was
// abandoned and neither the store nor the population changed; any other
// error is fatal.
func (w *Workload) Cycle(ctx context.Context) error {
	e, err := w.pop.PickRandom(w.rng, w.minSize, w.reduction.PickStep())
	if err != nil {
		return err
	}
	size := w.reduction.Reduce(e.Size)
	payload := w.payloads.Text(size)
	w.stats.Attempted++

	switch w.strategy {
	case StrategyReuse:
		err = InTxn(ctx, w.store, func(txn Txn) error {
			if err := txn.ClearProperties(e.ID); err != nil {
				return err
			}
			return txn.SetPayload(e.ID, payload)
		})
		if err != nil {
			return w.annotate(err, e.ID)
		}
		err = w.pop.Update(e.ID, size)

	default:
		var newID RecordID
		err = InTxn(ctx, w.store, func(txn Txn) error {
			if err := txn.DeleteRecord(e.ID); err != nil {
				return err
			}
			var err error
			newID, err = txn.AddRecord(w.typeTag, payload)
			return err
		})
		if err != nil {
			return w.annotate(err, e.ID)
		}
		w.stats.Deleted++
		w.deleted.Add(uint64(e.ID))
		err = w.pop.Replace(e.ID, newID, size)
	}
	if err != nil {
		return err
	}

	w.stats.Cycles++
	w.stats.BytesWritten += int64(size)
	if w.verbose {
		w.logger.LogAttrs(ctx, slog.LevelDebug, "cycle", slog.Uint64("id", uint64(e.ID)), slog.Int("from", e.Size), slog.Int("to", size))
	}
	return nil
}

func (w *Workload) annotate(err error, id RecordID) error {
	var ce *CommitError
	if errors.As(err, &ce) && ce.ID == 0 {
		ce.ID = id
	}
	return err
}

// Run executes n cycles, stopping early only on a fatal error or when ctx
// is done. Cancellation is checked between cycles. onCycle, if set, is
// called after every committed cycle.
func (w *Workload) Run(ctx context.Context, n int64, onCycle func() error) error {
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := w.Cycle(ctx)
		var ce *CommitError
		if errors.As(err, &ce) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.stats.Failures++
			w.consecutive++
			w.logger.LogAttrs(ctx, slog.LevelWarn, "cycle failed", slog.Int("consecutive", w.consecutive), slog.Any("err", err))
			if w.maxFailures > 0 && w.consecutive >= w.maxFailures {
				return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, w.consecutive, err)
			}
			continue
		} else if err != nil {
			return err
		}
		w.consecutive = 0

		if onCycle != nil {
			if err := onCycle(); err != nil {
				return err
			}
		}
	}
	return nil
}
