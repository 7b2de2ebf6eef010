package fragbench

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// ErrNoShrinkableRecord means the population has no record that can
	// still be shrunk. Usually the reduction is too aggressive for the
	// configured vertex and cycle counts.
	ErrNoShrinkableRecord = errors.New("no shrinkable record")

	// ErrTooManyFailures means the workload could not make progress because
	// too many cycles in a row failed to commit.
	ErrTooManyFailures = errors.New("too many consecutive failed cycles")
)

// CommitError (a store commit failure) reports that a cycle's transaction
// did not commit. Op names the step that failed.
type CommitError struct {
	Op  string
	ID  RecordID
	Err error
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("txn %s #%d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("txn %s: %v", e.Op, e.Err)
}

// ProbeError reports that the storage location could not be measured.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

// RunError is returned when a benchmark run stops before producing a report.
// It records how far the run got.
type RunError struct {
	Phase     string
	Completed int64
	Planned   int64
	Err       error
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Error() string {
	var buf strings.Builder
	buf.WriteString("fragbench: ")
	buf.WriteString(e.Phase)
	fmt.Fprintf(&buf, " stopped after %d of %d", e.Completed, e.Planned)
	if e.Phase == PhaseSeed {
		buf.WriteString(" records")
	} else {
		buf.WriteString(" cycles")
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports a record value that cannot be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(Txn) error, txn Txn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(txn)
}
