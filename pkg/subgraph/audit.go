package subgraph

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/internal/fsutil"
	"github.com/Sternrassler/terraforms-extractor/pkg/export"
	"github.com/Sternrassler/terraforms-extractor/pkg/pipeline"
	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

// Output files written by WriteResults.
const (
	KeyedFile    = "subgraphClasses.json"
	LiteralsFile = "subgraphClasses.txt"
)

// StageSubgraph labels the audit's scheduler and drain metrics.
const StageSubgraph = "subgraph"

// Config paces the audit.
type Config struct {
	BatchSize   int
	Delay       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultConfig returns five queries in flight, 50ms apart.
func DefaultConfig() Config {
	return Config{
		BatchSize:   5,
		Delay:       50 * time.Millisecond,
		MaxAttempts: 10,
		RetryDelay:  50 * time.Millisecond,
	}
}

// Result lists the records the subgraph lacks supplemental data for.
type Result struct {
	Checked int
	Missing []record.Record
	Failed  []uint64
}

// Audit queries the subgraph for every record, paced like an extraction run,
// and returns the ones without supplemental data ordered by id. Failed queries
// go through the retry drain; ids still failing after MaxAttempts are listed
// in Result.Failed.
func Audit(ctx context.Context, records []record.Record, checker Checker, cfg Config) (*Result, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1 (got %d)", cfg.BatchSize)
	}

	logger := log.With().Str("component", "subgraph").Logger()
	records = export.Dedupe(records)
	byID := make(map[int]record.Record, len(records))
	items := make([]int, len(records))
	for i, r := range records {
		items[i] = int(r.ID())
		byID[items[i]] = r
	}

	var mu sync.Mutex
	missing := make(map[uint64]record.Record)

	exec := func(ctx context.Context, item int) (pipeline.Outcome, error) {
		has, err := checker.HasSupplementalData(ctx, uint64(item))
		if err != nil {
			return pipeline.Failed(item, err), nil
		}
		if has {
			return pipeline.Skipped(item), nil
		}
		rec := byID[item]
		mu.Lock()
		missing[rec.ID()] = rec
		mu.Unlock()
		return pipeline.Succeeded(item, rec), nil
	}

	failures := pipeline.NewStageFailureSet(StageSubgraph)
	sched := pipeline.NewScheduler(cfg.BatchSize, cfg.Delay)
	sched.Stage = StageSubgraph
	sched.ItemField = "record_id"
	sched.Logger = logger
	res, err := sched.Run(ctx, items, exec, nil)
	if err != nil {
		return nil, err
	}
	for _, o := range res.Failed {
		failures.Push(o.Index, o.Err)
	}

	drained, err := pipeline.Drain(ctx, failures, exec, pipeline.DrainConfig{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Stage:       StageSubgraph,
		ItemField:   "record_id",
		Logger:      &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("retry drain: %w", err)
	}

	out := &Result{Checked: len(records)}
	for _, r := range missing {
		out.Missing = append(out.Missing, r)
	}
	sort.Slice(out.Missing, func(i, j int) bool { return out.Missing[i].TokenID < out.Missing[j].TokenID })
	for _, pf := range drained.PermanentlyFailed {
		out.Failed = append(out.Failed, uint64(pf.Index))
	}
	sort.Slice(out.Failed, func(i, j int) bool { return out.Failed[i] < out.Failed[j] })

	logger.Info().
		Int("checked", out.Checked).
		Int("missing", len(out.Missing)).
		Int("failed", len(out.Failed)).
		Msg("Subgraph audit finished")

	return out, nil
}

// WriteResults writes the keyed JSON view and the constructor literals of
// missing into dir.
func WriteResults(dir string, missing []record.Record) error {
	keyed, err := export.Keyed(missing, true)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(dir, KeyedFile, keyed); err != nil {
		return fmt.Errorf("write %s: %w", KeyedFile, err)
	}

	var buf bytes.Buffer
	if err := export.WriteLiterals(&buf, missing); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(dir, LiteralsFile, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", LiteralsFile, err)
	}
	return nil
}
