// Package pipeline implements the batched, throttled, resumable extraction
// run: resume from the store, fan out pending indexes in paced batches,
// drain failures, then reconcile the persisted count with the remote total.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/pkg/record"
	"github.com/Sternrassler/terraforms-extractor/pkg/source"
	"github.com/Sternrassler/terraforms-extractor/pkg/store"
)

// Store is the persistence the pipeline needs. *store.Store satisfies it.
type Store interface {
	Sink
	LoadState() (store.State, error)
	Flush() error
	Count() int
	Records() ([]record.Record, error)
	SetRunID(id string)
}

// BatchObserver receives the accumulated record set, deduplicated and ordered
// by id. Errors are logged and do not stop the run.
type BatchObserver func(records []record.Record) error

// Config holds the pipeline configuration.
type Config struct {
	// BatchSize bounds concurrent fetches
	BatchSize int

	// Delay between batches
	Delay time.Duration

	// FetchTimeout per item; 0 disables it
	FetchTimeout time.Duration

	// MaxAttempts per item including the first one; 0 is unbounded
	MaxAttempts int

	// RetryDelay after a failed drain attempt
	RetryDelay time.Duration

	// ObserveEveryBatch calls the observer after each batch, not only at the end
	ObserveEveryBatch bool
}

// DefaultConfig returns the pacing the public node tolerates: five calls in
// flight, one second apart.
func DefaultConfig() Config {
	return Config{
		BatchSize:         5,
		Delay:             time.Second,
		FetchTimeout:      30 * time.Second,
		MaxAttempts:       10,
		RetryDelay:        500 * time.Millisecond,
		ObserveEveryBatch: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1 (got %d)", c.BatchSize)
	}
	if c.Delay < 0 || c.FetchTimeout < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0 (got %d)", c.MaxAttempts)
	}
	return nil
}

// Reconciliation compares the persisted count with the remote total.
type Reconciliation struct {
	Local  int
	Supply int
}

// Mismatch reports whether the counts differ.
func (r Reconciliation) Mismatch() bool {
	return r.Local != r.Supply
}

func (r Reconciliation) String() string {
	return fmt.Sprintf("local=%d supply=%d", r.Local, r.Supply)
}

// Report summarizes a run.
type Report struct {
	RunID             string
	Total             int
	Pending           int
	Succeeded         int
	Skipped           int
	Recovered         int
	PermanentlyFailed []PermanentFailure
	Reconciliation    Reconciliation
	Duration          time.Duration
}

// Err returns an error wrapping ErrPermanentlyFailed when items were given up.
func (r *Report) Err() error {
	if len(r.PermanentlyFailed) == 0 {
		return nil
	}
	return fmt.Errorf("%d items: %w", len(r.PermanentlyFailed), ErrPermanentlyFailed)
}

// Pipeline wires a source to a store.
type Pipeline struct {
	src      source.Source
	store    Store
	config   Config
	observer BatchObserver
	logger   zerolog.Logger
}

// New creates a pipeline. observer may be nil.
func New(src source.Source, st Store, cfg Config, observer BatchObserver) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		src:      src,
		store:    st,
		config:   cfg,
		observer: observer,
		logger:   log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Run performs one extraction run. The returned error is fatal (source
// unreachable, persistence failure, cancellation); per-item failures end up
// in the report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	logger := p.logger.With().Str("run_id", report.RunID).Logger()
	p.store.SetRunID(report.RunID)

	state, err := p.store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}

	total, err := p.src.TotalCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read remote total: %w", err)
	}
	report.Total = total

	pending := store.Pending(state, total, p.src.IndexBase())
	report.Pending = len(pending)

	logger.Info().
		Int("persisted", state.Count).
		Int("skipped", state.Skipped).
		Int("total", total).
		Int("pending", len(pending)).
		Bool("manifest", state.ManifestFound).
		Msg("Resuming extraction")

	acc, err := p.newAccumulator()
	if err != nil {
		return nil, err
	}

	exec := NewExecutor(p.src, p.store, p.config.FetchTimeout)
	failures := NewFailureSet()
	sched := NewScheduler(p.config.BatchSize, p.config.Delay)
	sched.Logger = logger

	res, err := sched.Run(ctx, pending, exec, func(b Batch) error {
		for _, o := range b.Outcomes {
			switch o.Kind {
			case OutcomeSuccess:
				acc.add(o.Record)
			case OutcomeFailed:
				failures.Push(o.Index, o.Err)
			}
		}
		if err := p.store.Flush(); err != nil {
			return err
		}
		if p.config.ObserveEveryBatch {
			p.observe(acc, logger)
		}
		return nil
	})
	report.Succeeded = len(res.Succeeded)
	report.Skipped = len(res.Skipped)
	if err != nil {
		p.flushOnAbort(logger)
		return report, fmt.Errorf("scheduler: %w", err)
	}

	if failures.Len() > 0 {
		logger.Info().Int("failed", failures.Len()).Msg("Draining failed items")
	}
	drained, err := Drain(ctx, failures, exec, DrainConfig{
		MaxAttempts: p.config.MaxAttempts,
		RetryDelay:  p.config.RetryDelay,
		Logger:      &logger,
		OnOutcome: func(o Outcome) error {
			if o.Kind == OutcomeSuccess {
				acc.add(o.Record)
			}
			return p.store.Flush()
		},
	})
	report.Recovered = len(drained.Recovered)
	report.Skipped += len(drained.Skipped)
	report.PermanentlyFailed = drained.PermanentlyFailed
	if err != nil {
		p.flushOnAbort(logger)
		return report, fmt.Errorf("retry drain: %w", err)
	}

	if err := p.store.Flush(); err != nil {
		return report, err
	}
	p.observe(acc, logger)

	supply, err := p.src.TotalCount(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not re-read remote total, reconciling against initial value")
		supply = total
	}
	report.Reconciliation = Reconcile(p.store.Count(), supply)
	reconciliationMismatch.Set(float64(supply - p.store.Count()))
	if report.Reconciliation.Mismatch() {
		logger.Warn().
			Int("local", report.Reconciliation.Local).
			Int("supply", report.Reconciliation.Supply).
			Msgf("Persisted count differs from remote total: %s", report.Reconciliation)
	}

	report.Duration = time.Since(start)
	logger.Info().
		Int("succeeded", report.Succeeded).
		Int("recovered", report.Recovered).
		Int("skipped", report.Skipped).
		Int("permanently_failed", len(report.PermanentlyFailed)).
		Dur("duration", report.Duration).
		Msg("Extraction finished")

	return report, nil
}

// Reconcile builds the end-of-run comparison.
func Reconcile(local, supply int) Reconciliation {
	return Reconciliation{Local: local, Supply: supply}
}

func (p *Pipeline) flushOnAbort(logger zerolog.Logger) {
	if err := p.store.Flush(); err != nil {
		logger.Error().Err(err).Msg("Failed to flush manifest after abort")
	}
}

func (p *Pipeline) observe(acc *accumulator, logger zerolog.Logger) {
	if p.observer == nil {
		return
	}
	if err := p.observer(acc.sorted()); err != nil {
		logger.Warn().Err(err).Msg("Batch observer failed")
	}
}

// accumulator holds the run's record set keyed by id. It is only touched
// from the scheduler goroutine after a batch has settled.
type accumulator struct {
	records map[uint64]record.Record
}

func (p *Pipeline) newAccumulator() (*accumulator, error) {
	acc := &accumulator{records: make(map[uint64]record.Record)}
	if p.observer == nil {
		return acc, nil
	}
	prior, err := p.store.Records()
	if err != nil {
		return nil, fmt.Errorf("load persisted records: %w", err)
	}
	for _, r := range prior {
		acc.add(r)
	}
	return acc, nil
}

func (a *accumulator) add(r record.Record) {
	a.records[r.ID()] = r.Body()
}

func (a *accumulator) sorted() []record.Record {
	out := make([]record.Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}
