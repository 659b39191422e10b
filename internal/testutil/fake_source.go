package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/terraforms-extractor/pkg/source"
)

// ErrInjected is the error FakeSource returns for scripted failures.
var ErrInjected = errors.New("injected fetch failure")

// FakeSource is an in-memory source.Source with scripted failures and absent
// entries. Record ids are index+IDOffset.
type FakeSource struct {
	IDOffset uint64
	Base     int
	Delay    time.Duration

	mu          sync.Mutex
	total       int
	failures    map[int]int
	absent      map[int]bool
	calls       map[int]int
	totalErr    error
	inFlight    int
	maxInFlight int
}

// NewFakeSource returns a source with total entries.
func NewFakeSource(total int) *FakeSource {
	return &FakeSource{
		IDOffset: 1000,
		total:    total,
		failures: make(map[int]int),
		absent:   make(map[int]bool),
		calls:    make(map[int]int),
	}
}

// FailTimes makes the next n fetches of index fail. n < 0 fails forever.
func (f *FakeSource) FailTimes(index, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[index] = n
}

// Absent marks index as having no supplemental data.
func (f *FakeSource) Absent(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.absent[index] = true
}

// SetTotal changes the remote total.
func (f *FakeSource) SetTotal(total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
}

// FailTotal makes TotalCount return err.
func (f *FakeSource) FailTotal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalErr = err
}

// Calls returns the number of FetchRaw calls for index.
func (f *FakeSource) Calls(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

// TotalCalls returns the number of FetchRaw calls overall.
func (f *FakeSource) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// MaxInFlight returns the highest number of concurrent FetchRaw calls seen.
func (f *FakeSource) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// IndexBase implements source.Source.
func (f *FakeSource) IndexBase() int {
	return f.Base
}

// TotalCount implements source.Source.
func (f *FakeSource) TotalCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totalErr != nil {
		return 0, f.totalErr
	}
	return f.total, nil
}

// FetchRaw implements source.Source.
func (f *FakeSource) FetchRaw(ctx context.Context, index int) (*source.RawBundle, error) {
	f.mu.Lock()
	f.calls[index]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	remaining := f.failures[index]
	if remaining > 0 {
		f.failures[index] = remaining - 1
	}
	absent := f.absent[index]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if remaining != 0 {
		return nil, fmt.Errorf("index %d: %w", index, ErrInjected)
	}
	if absent {
		return nil, fmt.Errorf("index %d: %w", index, source.ErrNoSupplemental)
	}

	id := uint64(index) + f.IDOffset
	return &source.RawBundle{
		Index:        index,
		RecordID:     id,
		MetadataJSON: []byte(fmt.Sprintf(`{"attributes":[{"trait_type":"Biome","value":%d},{"trait_type":"Mode","value":"Terrain"}]}`, index%90)),
		HTML:         fmt.Sprintf("<html><script>SEED=%d;</script></html>", index),
		SVG:          "<svg/>",
		Seed:         fmt.Sprint(index),
		Supplemental: &source.Supplemental{
			Level:        fmt.Sprint(index%7 + 1),
			ZoneName:     "Zone",
			ZoneColors:   []string{"#111"},
			CharacterSet: []string{"x"},
		},
	}, nil
}
