package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPermanentlyFailed marks items the drain gave up on.
var ErrPermanentlyFailed = errors.New("permanently failed")

// DrainConfig bounds the retry drain.
type DrainConfig struct {
	// MaxAttempts per item, counting the attempt that put it into the set.
	// Zero retries until success.
	MaxAttempts int

	// RetryDelay is waited after a failed retry.
	RetryDelay time.Duration

	// OnOutcome sees every success or skip; an error from it aborts the drain.
	OnOutcome func(Outcome) error

	// Stage labels metrics; empty means StageExtract
	Stage string
	// ItemField is the log field items are reported under ("index" when empty)
	ItemField string

	Logger *zerolog.Logger
}

// PermanentFailure is an item that reached the attempt limit.
type PermanentFailure struct {
	Index    int
	Attempts int
	Err      error
}

func (p PermanentFailure) Error() string {
	return fmt.Sprintf("index %d after %d attempts: %v", p.Index, p.Attempts, p.Err)
}

func (p PermanentFailure) Unwrap() []error {
	return []error{ErrPermanentlyFailed, p.Err}
}

// DrainResult summarizes a drain.
type DrainResult struct {
	Recovered         []Outcome
	Skipped           []int
	PermanentlyFailed []PermanentFailure
	Attempts          int
}

// Drain retries failed items one at a time, most recent failure first,
// until the set is empty. A failed retry puts the item back on top.
func Drain(ctx context.Context, failures *FailureSet, exec Executor, cfg DrainConfig) (DrainResult, error) {
	logger := log.With().Str("component", "drain").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	stage := stageOrDefault(cfg.Stage)
	field := itemFieldOrDefault(cfg.ItemField)

	var res DrainResult
	for {
		index, ok := failures.Pop()
		if !ok {
			return res, nil
		}

		attempts := failures.Attempts(index)
		if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
			pf := PermanentFailure{Index: index, Attempts: attempts, Err: failures.LastError(index)}
			res.PermanentlyFailed = append(res.PermanentlyFailed, pf)
			permanentlyFailedTotal.WithLabelValues(stage).Inc()
			logger.Error().Err(pf.Err).Int(field, index).Int("attempt", attempts).Msg("Item permanently failed")
			continue
		}

		if err := ctx.Err(); err != nil {
			failures.requeue(index)
			return res, fmt.Errorf("drain interrupted: %w", err)
		}

		res.Attempts++
		retryAttemptsTotal.WithLabelValues(stage).Inc()
		o, err := exec(ctx, index)
		if err != nil {
			return res, fmt.Errorf("index %d: %w", index, err)
		}
		itemsTotal.WithLabelValues(stage, o.Kind.String()).Inc()

		switch o.Kind {
		case OutcomeSuccess:
			res.Recovered = append(res.Recovered, o)
			logger.Info().Int(field, index).Int("attempt", attempts+1).Msg("Recovered item")
		case OutcomeSkipped:
			res.Skipped = append(res.Skipped, index)
			logger.Info().Int(field, index).Msg("Item has no record, skipping")
		default:
			failures.Push(index, o.Err)
			logger.Warn().Err(o.Err).Int(field, index).Int("attempt", attempts+1).Msg("Retry failed")
			if cfg.RetryDelay > 0 {
				timer := time.NewTimer(cfg.RetryDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			continue
		}

		if cfg.OnOutcome != nil {
			if err := cfg.OnOutcome(o); err != nil {
				return res, err
			}
		}
	}
}
