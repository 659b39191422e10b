package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

func rec(id uint64, zone string) record.Record {
	return record.Record{
		TokenID:         id,
		Level:           "3",
		Biome:           "14",
		Elevation:       "-2",
		ZoneName:        zone,
		XCoordinate:     "5",
		YCoordinate:     "6",
		SeedValue:       "777",
		StructureSpaceX: "1",
		StructureSpaceY: "2",
		StructureSpaceZ: "3",
		Chroma:          "Flow",
		Mode:            "Terrain",
		QuestionMarks:   "",
		ZoneColors:      []string{"#a", "#b"},
		CharacterSet:    []string{"x"},
		Render:          &record.RenderData{TokenID: id, TokenHTML: "<html/>"},
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]record.Record{rec(3, "a"), rec(1, "b"), rec(3, "c")})
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].TokenID)
	require.Equal(t, "c", got[1].ZoneName, "later entry wins")
}

func TestCSV(t *testing.T) {
	data, err := CSV([]record.Record{rec(1, "Alpine, High")})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, strings.Join(record.CSVFields, ","), lines[0])
	require.Equal(t, `1,3,14,-2,"Alpine, High",5,6,777,1,2,3,Flow,Terrain,`, lines[1])
}

func TestExporter_Write(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	require.NoError(t, e.Write([]record.Record{rec(2, "b"), rec(1, "a"), rec(2, "b")}))

	var arr []map[string]any
	data, err := os.ReadFile(filepath.Join(dir, JSONFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Len(t, arr, 2)
	require.EqualValues(t, 1, arr[0]["tokenId"])
	require.NotContains(t, string(data), "tokenHTML")

	var keyed map[string]record.Record
	data, err = os.ReadFile(filepath.Join(dir, KeyedFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &keyed))
	require.Contains(t, keyed, "1")
	require.Contains(t, keyed, "2")

	minimized, err := os.ReadFile(filepath.Join(dir, KeyedMinimalFile))
	require.NoError(t, err)
	require.NotContains(t, string(minimized), "\n")

	_, err = os.Stat(filepath.Join(dir, CSVFile))
	require.NoError(t, err)
}

func TestWriteKeyed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.json")
	data, err := json.Marshal([]record.Record{rec(9, "z"), rec(4, "y")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	dst := filepath.Join(dir, "keyed.json")
	require.NoError(t, WriteKeyed(src, dst))

	var keyed map[string]record.Record
	out, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &keyed))
	require.Equal(t, "z", keyed["9"].ZoneName)
	require.Equal(t, "y", keyed["4"].ZoneName)
}

func TestWriteKeyed_MissingSource(t *testing.T) {
	require.Error(t, WriteKeyed(filepath.Join(t.TempDir(), "nope.json"), "out.json"))
}

func TestWriteLiterals(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLiterals(&buf, []record.Record{rec(7, "Alpine")}))

	want := `new SupplementalDataItem(7, 3, 5, 6, -2, 2, 1, 3, "Alpine", ["#a","#b"], ["x"], 777),` + "\n"
	require.Equal(t, want, buf.String())
}
