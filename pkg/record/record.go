// Package record defines the normalized output unit of the extractor and the
// transform from raw source payloads into it.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Sternrassler/terraforms-extractor/pkg/source"
)

// Record is one normalized collection entry. Render is persisted separately
// from the body and never part of the body JSON.
type Record struct {
	TokenID         uint64   `json:"tokenId"`
	Level           string   `json:"level"`
	Biome           string   `json:"biome"`
	Elevation       string   `json:"elevation"`
	ZoneName        string   `json:"zoneName"`
	XCoordinate     string   `json:"xCoordinate"`
	YCoordinate     string   `json:"yCoordinate"`
	SeedValue       string   `json:"seedValue"`
	StructureSpaceX string   `json:"structureSpaceX"`
	StructureSpaceY string   `json:"structureSpaceY"`
	StructureSpaceZ string   `json:"structureSpaceZ"`
	Chroma          string   `json:"chroma"`
	Mode            string   `json:"mode"`
	QuestionMarks   string   `json:"questionMarks"`
	ZoneColors      []string `json:"zoneColors"`
	CharacterSet    []string `json:"characterSet"`

	Render *RenderData `json:"-"`
}

// RenderData is the large payload of a record (the blob).
type RenderData struct {
	TokenID   uint64 `json:"tokenId"`
	TokenHTML string `json:"tokenHTML"`
	TokenSVG  string `json:"tokenSVG"`
}

// ID returns the stable record identifier.
func (r Record) ID() uint64 {
	return r.TokenID
}

// Body returns a copy of r without render data.
func (r Record) Body() Record {
	r.Render = nil
	return r
}

// CSVFields is the fixed column order of the CSV export.
var CSVFields = []string{
	"tokenId",
	"level",
	"biome",
	"elevation",
	"zoneName",
	"xCoordinate",
	"yCoordinate",
	"seedValue",
	"structureSpaceX",
	"structureSpaceY",
	"structureSpaceZ",
	"chroma",
	"mode",
	"questionMarks",
}

// CSVRow returns the record's values in CSVFields order.
func (r Record) CSVRow() []string {
	return []string{
		strconv.FormatUint(r.TokenID, 10),
		r.Level,
		r.Biome,
		r.Elevation,
		r.ZoneName,
		r.XCoordinate,
		r.YCoordinate,
		r.SeedValue,
		r.StructureSpaceX,
		r.StructureSpaceY,
		r.StructureSpaceZ,
		r.Chroma,
		r.Mode,
		r.QuestionMarks,
	}
}

// Attributes are the labelled traits picked out of the metadata document.
type Attributes struct {
	Mode          string
	Biome         string
	Chroma        string
	QuestionMarks string
}

type metadata struct {
	Attributes []struct {
		TraitType string          `json:"trait_type"`
		Value     json.RawMessage `json:"value"`
	} `json:"attributes"`
}

// ExtractAttributes scans the attribute list of a metadata document. Unknown
// labels are ignored and a repeated label overwrites the earlier value.
func ExtractAttributes(metadataJSON []byte) (Attributes, error) {
	var md metadata
	if err := json.Unmarshal(metadataJSON, &md); err != nil {
		return Attributes{}, fmt.Errorf("decode metadata: %w", err)
	}

	var attrs Attributes
	for _, a := range md.Attributes {
		var target *string
		switch a.TraitType {
		case "Mode":
			target = &attrs.Mode
		case "Biome":
			target = &attrs.Biome
		case "Chroma":
			target = &attrs.Chroma
		case "???":
			target = &attrs.QuestionMarks
		default:
			continue
		}

		v, err := traitValue(a.Value)
		if err != nil {
			return Attributes{}, fmt.Errorf("attribute %q: %w", a.TraitType, err)
		}
		*target = v
	}
	return attrs, nil
}

// traitValue renders a string or number trait value as text.
func traitValue(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported value %s", raw)
}

// Normalize builds a Record from a raw bundle. It returns
// source.ErrNoSupplemental when the bundle carries no supplemental data.
func Normalize(b *source.RawBundle) (Record, error) {
	if b == nil {
		return Record{}, fmt.Errorf("nil bundle")
	}
	if b.Supplemental == nil {
		return Record{}, fmt.Errorf("token %d: %w", b.RecordID, source.ErrNoSupplemental)
	}

	attrs, err := ExtractAttributes(b.MetadataJSON)
	if err != nil {
		return Record{}, fmt.Errorf("token %d: %w", b.RecordID, err)
	}

	s := b.Supplemental
	rec := Record{
		TokenID:         b.RecordID,
		Level:           s.Level,
		Biome:           attrs.Biome,
		Elevation:       s.Elevation,
		ZoneName:        s.ZoneName,
		XCoordinate:     s.XCoordinate,
		YCoordinate:     s.YCoordinate,
		SeedValue:       b.Seed,
		StructureSpaceX: s.StructureSpaceX,
		StructureSpaceY: s.StructureSpaceY,
		StructureSpaceZ: s.StructureSpaceZ,
		Chroma:          attrs.Chroma,
		Mode:            attrs.Mode,
		QuestionMarks:   attrs.QuestionMarks,
		ZoneColors:      nonNil(s.ZoneColors),
		CharacterSet:    nonNil(s.CharacterSet),
	}

	if b.HTML != "" || b.SVG != "" {
		rec.Render = &RenderData{TokenID: b.RecordID, TokenHTML: b.HTML, TokenSVG: b.SVG}
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
