package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		items []int
		size  int
		want  [][]int
	}{
		{"uneven", []int{0, 1, 2, 3, 4, 5, 6}, 3, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}},
		{"exact", []int{0, 1, 2, 3}, 2, [][]int{{0, 1}, {2, 3}}},
		{"larger than items", []int{5, 6}, 10, [][]int{{5, 6}}},
		{"size zero treated as one", []int{1, 2}, 0, [][]int{{1}, {2}}},
		{"empty", nil, 3, [][]int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Chunk(tt.items, tt.size))
		})
	}
}

func TestChunk_Membership(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i + 100
	}
	for n, chunk := range Chunk(items, 4) {
		for _, item := range chunk {
			pos := item - 100
			require.Equal(t, n, pos/4, "item at position %d", pos)
		}
	}
}

// trackingExec succeeds after sleeping and records concurrency.
type trackingExec struct {
	sleep    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []int
}

func (e *trackingExec) run(ctx context.Context, index int) (Outcome, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.sleep)

	e.mu.Lock()
	e.seen = append(e.seen, index)
	e.mu.Unlock()
	return Skipped(index), nil
}

func TestScheduler_BoundedSequentialBatches(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6}
	exec := &trackingExec{sleep: 10 * time.Millisecond}
	s := NewScheduler(3, 0)

	var batches [][]int
	res, err := s.Run(context.Background(), items, exec.run, func(b Batch) error {
		require.Zero(t, exec.inFlight.Load(), "batch %d reported while items in flight", b.Number)
		batches = append(batches, b.Items)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, batches)
	require.Equal(t, 3, res.Batches)
	require.Len(t, res.Skipped, 7)
	require.LessOrEqual(t, exec.peak.Load(), int32(3))
	require.ElementsMatch(t, items, exec.seen)
}

func TestScheduler_OutcomesMerged(t *testing.T) {
	exec := func(_ context.Context, index int) (Outcome, error) {
		switch index % 3 {
		case 0:
			return Succeeded(index, testRecord(uint64(index))), nil
		case 1:
			return Skipped(index), nil
		default:
			return Failed(index, errors.New("boom")), nil
		}
	}

	res, err := NewScheduler(4, 0).Run(context.Background(), []int{0, 1, 2, 3, 4, 5}, exec, nil)
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 2)
	require.ElementsMatch(t, []int{1, 4}, res.Skipped)
	require.Len(t, res.Failed, 2)
}

func TestScheduler_DelayBetweenBatchesOnly(t *testing.T) {
	exec := func(_ context.Context, index int) (Outcome, error) { return Skipped(index), nil }
	s := NewScheduler(2, 40*time.Millisecond)

	start := time.Now()
	_, err := s.Run(context.Background(), []int{0, 1, 2, 3, 4}, exec, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	single := NewScheduler(5, time.Second)
	start = time.Now()
	_, err = single.Run(context.Background(), []int{0, 1}, exec, nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond, "no delay after the last batch")
}

func TestScheduler_FatalErrorAborts(t *testing.T) {
	fatal := errors.New("disk full")
	exec := func(_ context.Context, index int) (Outcome, error) {
		if index == 4 {
			return Outcome{}, fatal
		}
		return Skipped(index), nil
	}

	var batches int
	res, err := NewScheduler(3, 0).Run(context.Background(), []int{0, 1, 2, 3, 4, 5, 6}, exec, func(Batch) error {
		batches++
		return nil
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, batches)
	require.Equal(t, 1, res.Batches)
}

func TestScheduler_CancelStopsBeforeNextBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	exec := func(_ context.Context, index int) (Outcome, error) {
		calls.Add(1)
		return Skipped(index), nil
	}

	_, err := NewScheduler(2, 0).Run(ctx, []int{0, 1, 2, 3}, exec, func(Batch) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(2), calls.Load())
}

func TestScheduler_OnBatchErrorAborts(t *testing.T) {
	exec := func(_ context.Context, index int) (Outcome, error) { return Skipped(index), nil }
	flushErr := errors.New("flush failed")

	_, err := NewScheduler(1, 0).Run(context.Background(), []int{0, 1}, exec, func(Batch) error {
		return flushErr
	})
	require.ErrorIs(t, err, flushErr)
}
