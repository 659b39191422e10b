package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

func testRecord(id uint64) record.Record {
	return record.Record{TokenID: id, ZoneColors: []string{}, CharacterSet: []string{}}
}

func TestFailureSet_LIFO(t *testing.T) {
	f := NewFailureSet()
	errA := errors.New("a")

	f.Push(1, errA)
	f.Push(2, errA)
	f.Push(3, errA)
	require.Equal(t, 3, f.Len())

	for _, want := range []int{3, 2, 1} {
		got, ok := f.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := f.Pop()
	require.False(t, ok)
}

func TestFailureSet_PushExistingMovesToTop(t *testing.T) {
	f := NewFailureSet()
	errB := errors.New("b")

	f.Push(1, nil)
	f.Push(2, nil)
	f.Push(1, errB)

	require.Equal(t, []int{2, 1}, f.Items())
	require.Equal(t, 2, f.Attempts(1))
	require.Equal(t, errB, f.LastError(1))
}

// scriptedExec fails each index a given number of times, then succeeds.
type scriptedExec struct {
	failures map[int]int
	skip     map[int]bool
	calls    map[int]int
	order    []int
}

func (s *scriptedExec) run(_ context.Context, index int) (Outcome, error) {
	s.calls[index]++
	s.order = append(s.order, index)
	if s.skip[index] {
		return Skipped(index), nil
	}
	if n := s.failures[index]; n != 0 {
		if n > 0 {
			s.failures[index] = n - 1
		}
		return Failed(index, errors.New("transient")), nil
	}
	return Succeeded(index, testRecord(uint64(index))), nil
}

func newScripted() *scriptedExec {
	return &scriptedExec{failures: map[int]int{}, skip: map[int]bool{}, calls: map[int]int{}}
}

func TestDrain_RecoversMostRecentFirst(t *testing.T) {
	exec := newScripted()
	exec.failures[5] = 1

	f := NewFailureSet()
	f.Push(1, errors.New("x"))
	f.Push(5, errors.New("x"))

	var seen []int
	res, err := Drain(context.Background(), f, exec.run, DrainConfig{
		MaxAttempts: 10,
		OnOutcome: func(o Outcome) error {
			seen = append(seen, o.Index)
			return nil
		},
	})
	require.NoError(t, err)

	require.Equal(t, []int{5, 5, 1}, exec.order)
	require.Equal(t, []int{5, 1}, seen)
	require.Len(t, res.Recovered, 2)
	require.Empty(t, res.PermanentlyFailed)
	require.Equal(t, 3, res.Attempts)
	require.Zero(t, f.Len())
}

func TestDrain_SkipCountsAsDone(t *testing.T) {
	exec := newScripted()
	exec.skip[2] = true

	f := NewFailureSet()
	f.Push(2, errors.New("x"))

	res, err := Drain(context.Background(), f, exec.run, DrainConfig{MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, []int{2}, res.Skipped)
	require.Empty(t, res.Recovered)
	require.Zero(t, f.Len())
}

func TestDrain_PermanentFailureBounded(t *testing.T) {
	exec := newScripted()
	exec.failures[3] = -1

	f := NewFailureSet()
	f.Push(3, errors.New("first"))
	f.Push(4, errors.New("first"))

	res, err := Drain(context.Background(), f, exec.run, DrainConfig{MaxAttempts: 3})
	require.NoError(t, err)

	require.Equal(t, 2, exec.calls[3], "two retries after the initial failure")
	require.Len(t, res.PermanentlyFailed, 1)
	pf := res.PermanentlyFailed[0]
	require.Equal(t, 3, pf.Index)
	require.Equal(t, 3, pf.Attempts)
	require.ErrorIs(t, pf, ErrPermanentlyFailed)
	require.Len(t, res.Recovered, 1)
}

func TestDrain_MaxAttemptsOneGivesUpImmediately(t *testing.T) {
	exec := newScripted()
	f := NewFailureSet()
	f.Push(9, errors.New("x"))

	res, err := Drain(context.Background(), f, exec.run, DrainConfig{MaxAttempts: 1})
	require.NoError(t, err)
	require.Zero(t, exec.calls[9])
	require.Len(t, res.PermanentlyFailed, 1)
}

func TestDrain_CancelledKeepsItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFailureSet()
	f.Push(1, errors.New("x"))

	_, err := Drain(ctx, f, newScripted().run, DrainConfig{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.Len())
	require.Equal(t, 1, f.Attempts(1))
}

func TestDrain_FatalError(t *testing.T) {
	fatal := errors.New("persist")
	f := NewFailureSet()
	f.Push(1, errors.New("x"))

	_, err := Drain(context.Background(), f, func(context.Context, int) (Outcome, error) {
		return Outcome{}, fatal
	}, DrainConfig{})
	require.ErrorIs(t, err, fatal)
}
