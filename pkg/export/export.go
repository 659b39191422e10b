// Package export renders the persisted record set into reporting views.
// Views are presentation only; the store remains the source of truth.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/internal/fsutil"
	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

// View file names.
const (
	CSVFile          = "output.csv"
	JSONFile         = "output.json"
	KeyedFile        = "outputKeyed.json"
	KeyedMinimalFile = "outputKeyedMinimized.json"
	LiteralsFile     = "classes.txt"
)

// Exporter writes the views into one directory.
type Exporter struct {
	dir    string
	logger zerolog.Logger
}

// New creates an exporter writing to dir.
func New(dir string) *Exporter {
	return &Exporter{
		dir:    dir,
		logger: log.With().Str("component", "export").Logger(),
	}
}

// Observe lets the exporter act as a pipeline batch observer.
func (e *Exporter) Observe(records []record.Record) error {
	return e.Write(records)
}

// Write regenerates every view from records. Records are deduplicated by id
// and ordered by id.
func (e *Exporter) Write(records []record.Record) error {
	records = Dedupe(records)

	csvData, err := CSV(records)
	if err != nil {
		return err
	}
	jsonData, err := json.MarshalIndent(bodies(records), "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", JSONFile, err)
	}
	keyed, err := Keyed(records, true)
	if err != nil {
		return err
	}
	minimized, err := Keyed(records, false)
	if err != nil {
		return err
	}

	for _, f := range []struct {
		name string
		data []byte
	}{
		{CSVFile, csvData},
		{JSONFile, jsonData},
		{KeyedFile, keyed},
		{KeyedMinimalFile, minimized},
	} {
		if err := fsutil.WriteFileAtomic(e.dir, f.name, f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	e.logger.Debug().Int("records", len(records)).Str("dir", e.dir).Msg("Views written")
	return nil
}

// Dedupe returns records with one entry per id, ordered by id. A later entry
// replaces an earlier one.
func Dedupe(records []record.Record) []record.Record {
	byID := make(map[uint64]record.Record, len(records))
	for _, r := range records {
		byID[r.ID()] = r
	}
	out := make([]record.Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// CSV renders records with the fixed record.CSVFields columns.
func CSV(records []record.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record.CSVFields); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(r.CSVRow()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Keyed renders records as a JSON object keyed by id.
func Keyed(records []record.Record, indent bool) ([]byte, error) {
	keyed := make(map[string]record.Record, len(records))
	for _, r := range records {
		keyed[strconv.FormatUint(r.ID(), 10)] = r.Body()
	}
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(keyed, "", "  ")
	} else {
		data, err = json.Marshal(keyed)
	}
	if err != nil {
		return nil, fmt.Errorf("encode keyed view: %w", err)
	}
	return data, nil
}

// WriteKeyed reads a JSON array of records from src and writes the keyed view
// to dst.
func WriteKeyed(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	var records []record.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode %s: %w", src, err)
	}
	keyed, err := Keyed(Dedupe(records), true)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Dir(dst), filepath.Base(dst), keyed)
}

// WriteLiterals writes one constructor literal per record:
//
//	new SupplementalDataItem(id, level, x, y, elevation, ssY, ssX, ssZ, "zone", [...], [...], seed),
//
// The structure space arguments are Y, X, Z in that order.
func WriteLiterals(w io.Writer, records []record.Record) error {
	for _, r := range Dedupe(records) {
		_, err := fmt.Fprintf(w, "new SupplementalDataItem(%d, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s),\n",
			r.TokenID,
			r.Level,
			r.XCoordinate,
			r.YCoordinate,
			r.Elevation,
			r.StructureSpaceY,
			r.StructureSpaceX,
			r.StructureSpaceZ,
			strconv.Quote(r.ZoneName),
			stringArray(r.ZoneColors),
			stringArray(r.CharacterSet),
			r.SeedValue,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func stringArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func bodies(records []record.Record) []record.Record {
	out := make([]record.Record, len(records))
	for i, r := range records {
		out[i] = r.Body()
	}
	return out
}
