package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/terraforms-extractor/pkg/record"
	"github.com/Sternrassler/terraforms-extractor/pkg/source"
)

// OutcomeKind tags the result of one work item.
type OutcomeKind int

const (
	// OutcomeSuccess means the record was fetched, normalized and persisted.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeSkipped means the source has no record for the index. Not retried.
	OutcomeSkipped
	// OutcomeFailed means a transient error; the index goes to the FailureSet.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the definite result of executing one work item.
type Outcome struct {
	Index  int
	Kind   OutcomeKind
	Record record.Record
	Err    error
}

// Succeeded returns a success outcome.
func Succeeded(index int, rec record.Record) Outcome {
	return Outcome{Index: index, Kind: OutcomeSuccess, Record: rec}
}

// Skipped returns a skip outcome.
func Skipped(index int) Outcome {
	return Outcome{Index: index, Kind: OutcomeSkipped}
}

// Failed returns a failure outcome carrying err.
func Failed(index int, err error) Outcome {
	return Outcome{Index: index, Kind: OutcomeFailed, Err: err}
}

// Executor runs one work item. Per-item problems are reported through the
// Outcome; a non-nil error is fatal and aborts the run.
type Executor func(ctx context.Context, index int) (Outcome, error)

// Sink is where the executor writes results through to.
type Sink interface {
	Persist(index int, rec record.Record) error
	MarkSkipped(index int)
}

// NewExecutor returns the fetch, normalize and persist executor. A fetch that
// exceeds timeout is an ordinary per-item failure; timeout <= 0 disables it.
func NewExecutor(src source.Source, sink Sink, timeout time.Duration) Executor {
	return func(ctx context.Context, index int) (Outcome, error) {
		fetchCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var rec record.Record
		bundle, err := src.FetchRaw(fetchCtx, index)
		if err == nil {
			rec, err = record.Normalize(bundle)
		}

		switch {
		case errors.Is(err, source.ErrNoSupplemental):
			sink.MarkSkipped(index)
			return Skipped(index), nil
		case err != nil:
			return Failed(index, err), nil
		}

		if err := sink.Persist(index, rec); err != nil {
			return Outcome{}, err
		}
		return Succeeded(index, rec), nil
	}
}
