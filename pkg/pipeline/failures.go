package pipeline

import "sync"

// FailureSet is a LIFO stack of failed work items with per-item attempt
// counts. An index is on the stack at most once.
type FailureSet struct {
	stage    string
	mu       sync.Mutex
	stack    []int
	attempts map[int]int
	lastErr  map[int]error
}

// NewFailureSet returns an empty set for the extraction stage.
func NewFailureSet() *FailureSet {
	return NewStageFailureSet(StageExtract)
}

// NewStageFailureSet returns an empty set whose size is reported under stage.
func NewStageFailureSet(stage string) *FailureSet {
	return &FailureSet{
		stage:    stageOrDefault(stage),
		attempts: make(map[int]int),
		lastErr:  make(map[int]error),
	}
}

// Push records a failed attempt for index and puts it on top of the stack.
func (f *FailureSet) Push(index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[index]++
	f.lastErr[index] = err
	queued := false
	for i, v := range f.stack {
		if v == index {
			f.stack = append(f.stack[:i], f.stack[i+1:]...)
			queued = true
			break
		}
	}
	f.stack = append(f.stack, index)
	if !queued {
		failureSetSize.WithLabelValues(f.stage).Inc()
	}
}

// Pop removes and returns the most recently failed index.
func (f *FailureSet) Pop() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.stack) == 0 {
		return 0, false
	}
	index := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	failureSetSize.WithLabelValues(f.stage).Dec()
	return index, true
}

// requeue puts index back without counting an attempt.
func (f *FailureSet) requeue(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stack = append(f.stack, index)
	failureSetSize.WithLabelValues(f.stage).Inc()
}

// Attempts returns the number of failed attempts recorded for index.
func (f *FailureSet) Attempts(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[index]
}

// LastError returns the error of the most recent failed attempt for index.
func (f *FailureSet) LastError(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr[index]
}

// Len returns the number of items waiting.
func (f *FailureSet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stack)
}

// Items returns the waiting items, most recent last.
func (f *FailureSet) Items() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stack...)
}
