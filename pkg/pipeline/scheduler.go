package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Chunk partitions items into consecutive groups of size; the last group may
// be shorter. Item i lands in chunk i/size.
func Chunk(items []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	chunks := make([][]int, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Batch is the settled result of one chunk.
type Batch struct {
	Number   int
	Items    []int
	Outcomes []Outcome
	Duration time.Duration
}

// Result aggregates the outcomes of a scheduler run.
type Result struct {
	Batches   int
	Succeeded []Outcome
	Skipped   []int
	Failed    []Outcome
}

func (r *Result) add(o Outcome) {
	switch o.Kind {
	case OutcomeSuccess:
		r.Succeeded = append(r.Succeeded, o)
	case OutcomeSkipped:
		r.Skipped = append(r.Skipped, o.Index)
	case OutcomeFailed:
		r.Failed = append(r.Failed, o)
	}
}

// Scheduler drives work items through fixed-size batches. Batches run
// strictly one after another; items inside a batch run concurrently, so at
// most BatchSize executions are in flight.
type Scheduler struct {
	BatchSize int
	Delay     time.Duration

	// Stage labels metrics; empty means StageExtract
	Stage string
	// ItemField is the log field items are reported under ("index" when empty)
	ItemField string

	Logger zerolog.Logger
}

// NewScheduler creates a scheduler. A batch size below 1 is treated as 1.
func NewScheduler(batchSize int, delay time.Duration) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &Scheduler{
		BatchSize: batchSize,
		Delay:     delay,
		Logger:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Run executes exec for every item. onBatch, when set, sees each settled
// batch before the inter-batch delay; an error from it aborts the run, as
// does a fatal error from exec or ctx cancellation between batches.
func (s *Scheduler) Run(ctx context.Context, items []int, exec Executor, onBatch func(Batch) error) (Result, error) {
	var res Result
	chunks := Chunk(items, s.BatchSize)
	stage := stageOrDefault(s.Stage)
	field := itemFieldOrDefault(s.ItemField)

	for n, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch %d not started: %w", n, err)
		}

		start := time.Now()
		outcomes := make([]Outcome, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(chunk))
		for i, index := range chunk {
			i, index := i, index
			g.Go(func() error {
				o, err := exec(gctx, index)
				if err != nil {
					return fmt.Errorf("index %d: %w", index, err)
				}
				outcomes[i] = o
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}

		batch := Batch{Number: n, Items: chunk, Outcomes: outcomes, Duration: time.Since(start)}
		failed := 0
		for _, o := range outcomes {
			res.add(o)
			itemsTotal.WithLabelValues(stage, o.Kind.String()).Inc()
			if o.Kind == OutcomeFailed {
				failed++
				s.Logger.Warn().Err(o.Err).Int(field, o.Index).Int("batch", n).Msg("Item failed")
			}
		}
		res.Batches++
		batchDuration.WithLabelValues(stage).Observe(batch.Duration.Seconds())

		s.Logger.Info().
			Int("batch", n+1).
			Int("batches", len(chunks)).
			Int("batch_size", len(chunk)).
			Int("failed", failed).
			Dur("duration", batch.Duration).
			Msg("Batch settled")

		if onBatch != nil {
			if err := onBatch(batch); err != nil {
				return res, err
			}
		}

		if n == len(chunks)-1 || s.Delay == 0 {
			continue
		}
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, fmt.Errorf("batch %d not started: %w", n+1, ctx.Err())
		case <-timer.C:
		}
	}

	return res, nil
}
