package fragbench

import (
	"fmt"
	"math"
	"strconv"
)

type ReductionKind string

const (
	// ReduceMultiplicative shrinks to ceil(size × Factor).
	ReduceMultiplicative ReductionKind = "multiplicative"

	// ReduceSubtractive shrinks to max(1, size − Step).
	ReduceSubtractive ReductionKind = "subtractive"
)

// Reduction is the policy deciding how much smaller a rewritten payload is.
// The result is never below 1.
type Reduction struct {
	Kind   ReductionKind `yaml:"kind" json:"kind"`
	Factor float64       `yaml:"factor,omitempty" json:"factor,omitempty"`
	Step   int           `yaml:"step,omitempty" json:"step,omitempty"`
}

func Multiplicative(factor float64) Reduction {
	return Reduction{Kind: ReduceMultiplicative, Factor: factor}
}

func Subtractive(step int) Reduction {
	return Reduction{Kind: ReduceSubtractive, Step: step}
}

func (r Reduction) Reduce(size int) int {
	var n int
	switch r.Kind {
	case ReduceSubtractive:
		n = size - r.Step
	default:
		n = int(math.Ceil(float64(size) * r.Factor))
	}
	return max(1, n)
}

// PickStep is the step used in the shrinkability predicate
// size − step > minSize.
func (r Reduction) PickStep() int {
	if r.Kind == ReduceSubtractive {
		return r.Step
	}
	return 0
}

func (r Reduction) Validate() error {
	switch r.Kind {
	case ReduceMultiplicative:
		if !(r.Factor > 0 && r.Factor < 1) {
			return fmt.Errorf("multiplicative reduction factor must be in (0, 1), got %v", r.Factor)
		}
	case ReduceSubtractive:
		if r.Step < 0 {
			return fmt.Errorf("subtractive reduction step must be >= 0, got %d", r.Step)
		}
	default:
		return fmt.Errorf("unknown reduction %q (expected multiplicative or subtractive)", string(r.Kind))
	}
	return nil
}

func (r Reduction) String() string {
	switch r.Kind {
	case ReduceMultiplicative:
		return "multiplying with " + strconv.FormatFloat(r.Factor, 'f', 6, 64)
	case ReduceSubtractive:
		return "subtracting " + strconv.Itoa(r.Step)
	default:
		return string(r.Kind)
	}
}

// Strategy is how a workload cycle shrinks a record.
type Strategy string

const (
	// StrategyReplace deletes the record and creates a smaller one,
	// leaving a tombstone behind.
	StrategyReplace Strategy = "replace"

	// StrategyReuse clears the record's properties and writes the smaller
	// payload into the same record.
	StrategyReuse Strategy = "reuse"
)

func (s Strategy) Validate() error {
	switch s {
	case StrategyReplace, StrategyReuse:
		return nil
	default:
		return fmt.Errorf("unknown strategy %q (expected replace or reuse)", string(s))
	}
}
