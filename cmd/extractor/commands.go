package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/pkg/export"
	"github.com/Sternrassler/terraforms-extractor/pkg/pipeline"
	"github.com/Sternrassler/terraforms-extractor/pkg/publish"
	"github.com/Sternrassler/terraforms-extractor/pkg/record"
	"github.com/Sternrassler/terraforms-extractor/pkg/store"
	"github.com/Sternrassler/terraforms-extractor/pkg/subgraph"
)

func runExtract(ctx context.Context, e *env) int {
	contract, closeContract, err := newContract(ctx, e.cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up source")
		return exitFatal
	}
	defer closeContract()

	st, err := store.Open(e.cfg.Store.Dir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		return exitFatal
	}

	var observer pipeline.BatchObserver
	if e.cfg.Export.Enabled {
		observer = export.New(e.cfg.Export.Dir).Observe
	}

	p, err := pipeline.New(contract, st, e.cfg.PipelineConfig(), observer)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create pipeline")
		return exitFatal
	}

	report, err := p.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Extraction aborted")
		return exitFatal
	}

	fmt.Fprintf(e.stdout, "run %s: %d succeeded, %d recovered, %d skipped, %d failed (%s)\n",
		report.RunID, report.Succeeded, report.Recovered, report.Skipped,
		len(report.PermanentlyFailed), report.Reconciliation)

	if err := report.Err(); err != nil {
		for _, f := range report.PermanentlyFailed {
			log.Error().Int("index", f.Index).Int("attempts", f.Attempts).Err(f.Err).Msg("Item permanently failed")
		}
		return exitFailedItems
	}
	return exitOK
}

// runStatus prints the resume state and the reconciliation against the
// remote total without fetching any record.
func runStatus(ctx context.Context, e *env) int {
	st, err := store.Open(e.cfg.Store.Dir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		return exitFatal
	}
	state, err := st.LoadState()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load state")
		return exitFatal
	}

	contract, closeContract, err := newContract(ctx, e.cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up source")
		return exitFatal
	}
	defer closeContract()

	total, err := contract.TotalCount(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read remote total")
		return exitFatal
	}
	pending := store.Pending(state, total, contract.IndexBase())

	fmt.Fprintf(e.stdout, "store:     %s\n", st.Dir())
	fmt.Fprintf(e.stdout, "persisted: %d\n", state.Count)
	fmt.Fprintf(e.stdout, "skipped:   %d\n", state.Skipped)
	fmt.Fprintf(e.stdout, "adopted:   %d\n", state.Adopted)
	fmt.Fprintf(e.stdout, "total:     %d\n", total)
	fmt.Fprintf(e.stdout, "pending:   %d\n", len(pending))
	fmt.Fprintf(e.stdout, "%s\n", pipeline.Reconcile(state.Count, total))
	return exitOK
}

func runExport(_ context.Context, e *env) int {
	records, err := storedRecords(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read store")
		return exitFatal
	}
	if err := export.New(e.cfg.Export.Dir).Write(records); err != nil {
		log.Error().Err(err).Msg("Export failed")
		return exitFatal
	}
	fmt.Fprintf(e.stdout, "exported %d records to %s\n", len(export.Dedupe(records)), e.cfg.Export.Dir)
	return exitOK
}

func runLiterals(_ context.Context, e *env) int {
	records, err := storedRecords(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read store")
		return exitFatal
	}

	path := e.out
	if path == "" {
		path = filepath.Join(e.cfg.Export.Dir, export.LiteralsFile)
	}
	if err := writeLiterals(path, records); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to write literals")
		return exitFatal
	}
	fmt.Fprintf(e.stdout, "wrote %d literals to %s\n", len(export.Dedupe(records)), path)
	return exitOK
}

func writeLiterals(path string, records []record.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return export.WriteLiterals(f, records)
}

func runPublish(ctx context.Context, e *env) int {
	if err := e.cfg.ValidatePublish(); err != nil {
		log.Error().Err(err).Msg("Invalid publish configuration")
		return exitFatal
	}

	st, err := store.Open(e.cfg.Store.Dir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		return exitFatal
	}
	if _, err := st.LoadState(); err != nil {
		log.Error().Err(err).Msg("Failed to load state")
		return exitFatal
	}

	objects, err := publish.NewMinioStore(e.cfg.MinioConfig())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create object store client")
		return exitFatal
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Error().Err(err).Msg("Object store unavailable")
		return exitFatal
	}

	pub, err := publish.New(st, objects, e.cfg.PublisherConfig())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create publisher")
		return exitFatal
	}

	res, err := pub.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Publish aborted")
		return exitFatal
	}

	fmt.Fprintf(e.stdout, "root index %s: %d tokens, %d render data\n",
		res.RootAddress, res.Tokens, res.RenderData)
	if failed := len(res.FailedTokens) + len(res.FailedRenderData); failed > 0 {
		log.Error().
			Int("tokens", len(res.FailedTokens)).
			Int("render_data", len(res.FailedRenderData)).
			Msg("Some uploads permanently failed")
		return exitFailedItems
	}
	return exitOK
}

// runSubgraph checks every stored record against the subgraph and writes the
// ones it has no supplemental data for.
func runSubgraph(ctx context.Context, e *env) int {
	if err := e.cfg.ValidateSubgraph(); err != nil {
		log.Error().Err(err).Msg("Invalid subgraph configuration")
		return exitFatal
	}

	records, err := storedRecords(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read store")
		return exitFatal
	}

	client, err := subgraph.NewClient(e.cfg.SubgraphClientConfig())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create subgraph client")
		return exitFatal
	}

	res, err := subgraph.Audit(ctx, records, client, e.cfg.SubgraphConfig())
	if err != nil {
		log.Error().Err(err).Msg("Subgraph audit aborted")
		return exitFatal
	}

	dir := e.cfg.Export.Dir
	if err := subgraph.WriteResults(dir, res.Missing); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Failed to write subgraph results")
		return exitFatal
	}

	fmt.Fprintf(e.stdout, "checked %d records: %d missing supplemental data, %d failed (%s)\n",
		res.Checked, len(res.Missing), len(res.Failed), dir)
	if len(res.Failed) > 0 {
		log.Error().Uints64("record_ids", res.Failed).Msg("Some subgraph queries permanently failed")
		return exitFailedItems
	}
	return exitOK
}

// storedRecords loads every record the store knows, including ones a crashed
// run persisted without recording them in the manifest.
func storedRecords(e *env) ([]record.Record, error) {
	st, err := store.Open(e.cfg.Store.Dir)
	if err != nil {
		return nil, err
	}
	if _, err := st.LoadState(); err != nil {
		return nil, err
	}
	records, err := st.Records()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("store is empty")
	}
	return records, nil
}
