package subgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

// fakeChecker reports supplemental data for ids in has. ids in flaky fail
// that many times before answering; ids in broken always fail.
type fakeChecker struct {
	mu     sync.Mutex
	has    map[uint64]bool
	flaky  map[uint64]int
	broken map[uint64]bool
	calls  map[uint64]int
}

func (f *fakeChecker) HasSupplementalData(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[uint64]int{}
	}
	f.calls[id]++
	if f.broken[id] {
		return false, errors.New("indexer unavailable")
	}
	if f.flaky[id] > 0 {
		f.flaky[id]--
		return false, errors.New("timeout")
	}
	return f.has[id], nil
}

func testRecords(ids ...uint64) []record.Record {
	out := make([]record.Record, len(ids))
	for i, id := range ids {
		out[i] = record.Record{
			TokenID:      id,
			ZoneName:     "Alpine",
			ZoneColors:   []string{"#fff"},
			CharacterSet: []string{"a"},
		}
	}
	return out
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Delay = 0
	cfg.RetryDelay = 0
	cfg.MaxAttempts = 3
	return cfg
}

func TestAudit_CollectsMissingInIDOrder(t *testing.T) {
	checker := &fakeChecker{has: map[uint64]bool{2: true, 4: true}}

	res, err := Audit(context.Background(), testRecords(7, 1, 2, 5, 4, 3, 6), checker, fastConfig())
	require.NoError(t, err)

	require.Equal(t, 7, res.Checked)
	require.Empty(t, res.Failed)
	var ids []uint64
	for _, r := range res.Missing {
		ids = append(ids, r.ID())
	}
	require.Equal(t, []uint64{1, 3, 5, 6, 7}, ids)
}

func TestAudit_RetriesFailedQueries(t *testing.T) {
	checker := &fakeChecker{
		has:    map[uint64]bool{1: true},
		flaky:  map[uint64]int{2: 2},
		broken: map[uint64]bool{3: true},
	}

	res, err := Audit(context.Background(), testRecords(1, 2, 3), checker, fastConfig())
	require.NoError(t, err)

	require.Len(t, res.Missing, 1)
	require.Equal(t, uint64(2), res.Missing[0].ID())
	require.Equal(t, []uint64{3}, res.Failed)
	require.Equal(t, 3, checker.calls[2])
	require.Equal(t, 3, checker.calls[3])
}

func TestAudit_DuplicateRecordsQueriedOnce(t *testing.T) {
	checker := &fakeChecker{}

	res, err := Audit(context.Background(), testRecords(5, 5, 5), checker, fastConfig())
	require.NoError(t, err)

	require.Equal(t, 1, res.Checked)
	require.Len(t, res.Missing, 1)
	require.Equal(t, 1, checker.calls[5])
}

func TestAudit_RejectsBadConfig(t *testing.T) {
	_, err := Audit(context.Background(), nil, nil, fastConfig())
	require.Error(t, err)

	cfg := fastConfig()
	cfg.BatchSize = 0
	_, err = Audit(context.Background(), nil, &fakeChecker{}, cfg)
	require.Error(t, err)
}

func TestAudit_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Audit(ctx, testRecords(1, 2), &fakeChecker{}, fastConfig())
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteResults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteResults(dir, testRecords(3, 8)))

	keyed, err := os.ReadFile(filepath.Join(dir, KeyedFile))
	require.NoError(t, err)
	require.Contains(t, string(keyed), `"3"`)
	require.Contains(t, string(keyed), `"8"`)

	literals, err := os.ReadFile(filepath.Join(dir, LiteralsFile))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(literals), "Alpine"))
}
