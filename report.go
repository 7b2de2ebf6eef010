package fragbench

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// DefaultTombstoneBytes is the assumed residue of a deleted record.
const DefaultTombstoneBytes = 11

// Report is the outcome of a benchmark run.
type Report struct {
	RunID    uuid.UUID `json:"run_id"`
	Strategy Strategy  `json:"strategy"`

	Reduction Reduction `json:"reduction"`

	Initial SizeSnapshot `json:"initial"`
	Final   SizeSnapshot `json:"final"`

	InitialTotal int64 `json:"initial_total"`
	FinalTotal   int64 `json:"final_total"`

	// Delta is FinalTotal − InitialTotal.
	Delta int64 `json:"delta"`

	DeletedRecords int64 `json:"deleted_records"`
	TombstoneBytes int64 `json:"tombstone_bytes"`

	// ExpectedOverhead is DeletedRecords × TombstoneBytes.
	ExpectedOverhead int64 `json:"expected_overhead"`

	// EffectiveSize is FinalTotal − ExpectedOverhead.
	EffectiveSize int64 `json:"effective_size"`

	// Factor is EffectiveSize / InitialTotal, or 0 when InitialTotal is 0.
	Factor float64 `json:"factor"`

	Stats    Stats         `json:"stats"`
	Duration time.Duration `json:"duration"`
}

// NewReport computes the fragmentation metrics for two snapshots. It has
// no side effects.
func NewReport(initial, final SizeSnapshot, deleted, tombstoneBytes int64) *Report {
	r := &Report{
		Initial:        initial,
		Final:          final,
		InitialTotal:   initial.Total(),
		FinalTotal:     final.Total(),
		DeletedRecords: deleted,
		TombstoneBytes: tombstoneBytes,
	}
	r.Delta = r.FinalTotal - r.InitialTotal
	r.ExpectedOverhead = deleted * tombstoneBytes
	r.EffectiveSize = r.FinalTotal - r.ExpectedOverhead
	if r.InitialTotal != 0 {
		r.Factor = float64(r.EffectiveSize) / float64(r.InitialTotal)
	}
	return r
}

// Breakdown is one category's before/after bytes.
type Breakdown struct {
	Category Category
	Initial  int64
	Final    int64
}

func (r *Report) Breakdown() []Breakdown {
	result := make([]Breakdown, 0, len(categoryNames))
	for c := CategoryPrimary; c <= CategoryOther; c++ {
		result = append(result, Breakdown{c, r.Initial.Get(c), r.Final.Get(c)})
	}
	return result
}

func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	if r.RunID != uuid.Nil {
		ew.printf("Run %s\n", r.RunID)
	}
	if r.Strategy != "" {
		ew.printf("Strategy: %s, size reduced by %s\n", r.Strategy, r.Reduction)
	}
	ew.printf("Before: %s\n", r.Initial)
	ew.printf("After:  %s\n", r.Final)
	for _, b := range r.Breakdown() {
		ew.printf("  %-9s %10d -> %10d\n", b.Category, b.Initial, b.Final)
	}
	ew.printf("DB increased by %s factor: %1.2f\n", HumanSize(r.Delta), r.Factor)
	ew.printf("Expected tombstone size: %s\n", HumanSize(r.ExpectedOverhead))
	return ew.err
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
