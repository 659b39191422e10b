// Package publish uploads persisted records and their render data to a
// content-addressed object store and writes the resulting address index.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/internal/fsutil"
	"github.com/Sternrassler/terraforms-extractor/pkg/pipeline"
	"github.com/Sternrassler/terraforms-extractor/pkg/record"
	"github.com/Sternrassler/terraforms-extractor/pkg/store"
)

// Output layout relative to Config.Dir.
const (
	TokensByIndexFile     = "tokensByIndex.json"
	RenderDataByIndexFile = "renderDataByIndex.json"
	TokenArraysDir        = "tokenArrays"
	RenderDataArraysDir   = "renderDataArrays"
	RootIndexFile         = "index.json"
)

// StagePublish labels the publisher's scheduler and drain metrics.
const StagePublish = "publish"

// Records is the persisted data the publisher reads. *store.Store satisfies it.
type Records interface {
	IDs() []uint64
	RecordBytes(id uint64) ([]byte, error)
	BlobBytes(id uint64) ([]byte, error)
}

// Config holds the publish configuration.
type Config struct {
	// Dir receives the index files
	Dir string

	BatchSize int
	Delay     time.Duration

	// ChunkSize is the length of each address array
	ChunkSize int

	// MaxAttempts per upload; 0 retries until success
	MaxAttempts int
}

// DefaultConfig returns the publish defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		BatchSize:   50,
		Delay:       50 * time.Millisecond,
		ChunkSize:   1000,
		MaxAttempts: 10,
	}
}

// RootIndex is the top-level document pointing at everything published.
type RootIndex struct {
	TokensByIndex               string   `json:"tokensByIndex"`
	RenderDataByIndex           string   `json:"renderDataByIndex"`
	TokensArraysAsIPFSArray     []string `json:"tokensArraysAsIPFSArray"`
	RenderDataArraysAsIPFSArray []string `json:"renderDataArraysAsIPFSArray"`
}

// Result summarizes a publish run.
type Result struct {
	Root             RootIndex
	RootAddress      string
	Tokens           int
	RenderData       int
	FailedTokens     []uint64
	FailedRenderData []uint64
}

// Publisher pushes a record set to an ObjectStore.
type Publisher struct {
	records Records
	objects ObjectStore
	config  Config
	logger  zerolog.Logger
}

// New creates a publisher.
func New(records Records, objects ObjectStore, cfg Config) (*Publisher, error) {
	if records == nil || objects == nil {
		return nil, fmt.Errorf("records and object store are required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("publish directory is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1 (got %d)", cfg.BatchSize)
	}
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1 (got %d)", cfg.ChunkSize)
	}
	return &Publisher{
		records: records,
		objects: objects,
		config:  cfg,
		logger:  log.With().Str("component", "publish").Logger(),
	}, nil
}

// addressBook collects id to address mappings from concurrent uploads.
type addressBook struct {
	mu    sync.Mutex
	addrs map[uint64]string
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: make(map[uint64]string)}
}

func (b *addressBook) set(id uint64, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}

func (b *addressBook) get(id uint64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.addrs[id]
	return a, ok
}

func (b *addressBook) keyed() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.addrs))
	for id, a := range b.addrs {
		out[strconv.FormatUint(id, 10)] = a
	}
	return out
}

// Run uploads every record and blob, then the address arrays, the by-index
// maps and finally the root index.
func (p *Publisher) Run(ctx context.Context) (*Result, error) {
	ids := p.records.IDs()
	items := make([]int, len(ids))
	for i, id := range ids {
		items[i] = int(id)
	}

	tokens := newAddressBook()
	renders := newAddressBook()
	tokenFailures := pipeline.NewStageFailureSet(StagePublish)
	renderFailures := pipeline.NewStageFailureSet(StagePublish)

	uploadToken := func(ctx context.Context, item int) (pipeline.Outcome, error) {
		id := uint64(item)
		data, err := p.records.RecordBytes(id)
		if err != nil {
			return pipeline.Failed(item, err), nil
		}
		addr, err := p.upload(ctx, "token", data)
		if err != nil {
			return pipeline.Failed(item, err), nil
		}
		tokens.set(id, addr)
		return pipeline.Succeeded(item, record.Record{TokenID: id}), nil
	}

	uploadRender := func(ctx context.Context, item int) (pipeline.Outcome, error) {
		id := uint64(item)
		data, err := p.records.BlobBytes(id)
		if errors.Is(err, store.ErrNotFound) {
			return pipeline.Skipped(item), nil
		}
		if err != nil {
			return pipeline.Failed(item, err), nil
		}
		addr, err := p.upload(ctx, "render", data)
		if err != nil {
			return pipeline.Failed(item, err), nil
		}
		renders.set(id, addr)
		return pipeline.Succeeded(item, record.Record{TokenID: id}), nil
	}

	// render data first, then the token body; each failure set is drained on its own
	exec := func(ctx context.Context, item int) (pipeline.Outcome, error) {
		var errs []error
		if o, _ := uploadRender(ctx, item); o.Kind == pipeline.OutcomeFailed {
			renderFailures.Push(item, o.Err)
			errs = append(errs, fmt.Errorf("render data: %w", o.Err))
		}
		if o, _ := uploadToken(ctx, item); o.Kind == pipeline.OutcomeFailed {
			tokenFailures.Push(item, o.Err)
			errs = append(errs, fmt.Errorf("token: %w", o.Err))
		}
		if len(errs) > 0 {
			return pipeline.Failed(item, errors.Join(errs...)), nil
		}
		return pipeline.Succeeded(item, record.Record{TokenID: uint64(item)}), nil
	}

	sched := pipeline.NewScheduler(p.config.BatchSize, p.config.Delay)
	sched.Stage = StagePublish
	sched.ItemField = "record_id"
	sched.Logger = p.logger
	if _, err := sched.Run(ctx, items, exec, nil); err != nil {
		return nil, err
	}

	drainCfg := pipeline.DrainConfig{
		MaxAttempts: p.config.MaxAttempts,
		RetryDelay:  p.config.Delay,
		Stage:       StagePublish,
		ItemField:   "record_id",
		Logger:      &p.logger,
	}
	tokenDrain, err := pipeline.Drain(ctx, tokenFailures, uploadToken, drainCfg)
	if err != nil {
		return nil, fmt.Errorf("drain token uploads: %w", err)
	}
	renderDrain, err := pipeline.Drain(ctx, renderFailures, uploadRender, drainCfg)
	if err != nil {
		return nil, fmt.Errorf("drain render uploads: %w", err)
	}

	res := &Result{}
	for _, pf := range tokenDrain.PermanentlyFailed {
		res.FailedTokens = append(res.FailedTokens, uint64(pf.Index))
	}
	for _, pf := range renderDrain.PermanentlyFailed {
		res.FailedRenderData = append(res.FailedRenderData, uint64(pf.Index))
	}

	tokenMap := tokens.keyed()
	renderMap := renders.keyed()
	res.Tokens = len(tokenMap)
	res.RenderData = len(renderMap)

	tokensByIndex, err := p.writeJSON(TokensByIndexFile, tokenMap, true)
	if err != nil {
		return nil, err
	}
	renderDataByIndex, err := p.writeJSON(RenderDataByIndexFile, renderMap, true)
	if err != nil {
		return nil, err
	}

	// arrays are ordered by id; a missing render address is left empty so
	// both arrays stay aligned
	var tokenArray, renderArray []string
	for _, id := range ids {
		addr, ok := tokens.get(id)
		if !ok {
			continue
		}
		tokenArray = append(tokenArray, addr)
		r, _ := renders.get(id)
		renderArray = append(renderArray, r)
	}

	tokenChunks := chunkStrings(tokenArray, p.config.ChunkSize)
	renderChunks := chunkStrings(renderArray, p.config.ChunkSize)
	for i := range tokenChunks {
		tokenData, err := p.writeJSON(filepath.Join(TokenArraysDir, strconv.Itoa(i)+".json"), tokenChunks[i], false)
		if err != nil {
			return nil, err
		}
		renderData, err := p.writeJSON(filepath.Join(RenderDataArraysDir, strconv.Itoa(i)+".json"), renderChunks[i], false)
		if err != nil {
			return nil, err
		}

		tokenAddr, err := p.uploadWithRetry(ctx, "array", tokenData)
		if err != nil {
			return nil, fmt.Errorf("upload token array %d: %w", i, err)
		}
		renderAddr, err := p.uploadWithRetry(ctx, "array", renderData)
		if err != nil {
			return nil, fmt.Errorf("upload render data array %d: %w", i, err)
		}
		res.Root.TokensArraysAsIPFSArray = append(res.Root.TokensArraysAsIPFSArray, tokenAddr)
		res.Root.RenderDataArraysAsIPFSArray = append(res.Root.RenderDataArraysAsIPFSArray, renderAddr)
		p.logger.Info().Int("chunk", i).Msg("Uploaded address arrays")
	}

	if res.Root.TokensByIndex, err = p.uploadWithRetry(ctx, "index", tokensByIndex); err != nil {
		return nil, fmt.Errorf("upload %s: %w", TokensByIndexFile, err)
	}
	if res.Root.RenderDataByIndex, err = p.uploadWithRetry(ctx, "index", renderDataByIndex); err != nil {
		return nil, fmt.Errorf("upload %s: %w", RenderDataByIndexFile, err)
	}
	if res.Root.TokensArraysAsIPFSArray == nil {
		res.Root.TokensArraysAsIPFSArray = []string{}
		res.Root.RenderDataArraysAsIPFSArray = []string{}
	}

	rootData, err := p.writeJSON(RootIndexFile, res.Root, true)
	if err != nil {
		return nil, err
	}
	if res.RootAddress, err = p.uploadWithRetry(ctx, "index", rootData); err != nil {
		return nil, fmt.Errorf("upload %s: %w", RootIndexFile, err)
	}

	p.logger.Info().
		Int("tokens", res.Tokens).
		Int("render_data", res.RenderData).
		Int("failed_tokens", len(res.FailedTokens)).
		Int("failed_render_data", len(res.FailedRenderData)).
		Str("root", res.RootAddress).
		Msg("Publish finished")

	return res, nil
}

// upload adds and pins data.
func (p *Publisher) upload(ctx context.Context, kind string, data []byte) (string, error) {
	addr, err := p.objects.Add(ctx, data)
	if err == nil {
		err = p.objects.Pin(ctx, addr)
	}
	if err != nil {
		uploadsTotal.WithLabelValues(kind, "error").Inc()
		return "", err
	}
	uploadsTotal.WithLabelValues(kind, "ok").Inc()
	return addr, nil
}

func (p *Publisher) uploadWithRetry(ctx context.Context, kind string, data []byte) (string, error) {
	for attempt := 1; ; attempt++ {
		addr, err := p.upload(ctx, kind, data)
		if err == nil {
			return addr, nil
		}
		if p.config.MaxAttempts > 0 && attempt >= p.config.MaxAttempts {
			return "", fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		p.logger.Warn().Err(err).Str("kind", kind).Int("attempt", attempt).Msg("Upload failed, retrying")

		timer := time.NewTimer(p.config.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// writeJSON writes v below the publish directory and returns the bytes.
func (p *Publisher) writeJSON(rel string, v any, indent bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rel, err)
	}
	path := filepath.Join(p.config.Dir, rel)
	if err := fsutil.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), data); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}
	return data, nil
}

func chunkStrings(items []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
