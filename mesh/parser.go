package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// scanSchema describes the entity scan document accepted over MQTT, HTTP and
// from files.
const scanSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["entities"],
  "properties": {
    "source": {"type": "string"},
    "radius": {"type": "number", "exclusiveMinimum": 0, "maximum": 64},
    "reference": {"$ref": "#/definitions/point"},
    "entities": {"type": "array", "items": {"$ref": "#/definitions/entity"}}
  },
  "definitions": {
    "point": {
      "type": "object",
      "required": ["x", "y", "z"],
      "properties": {
        "x": {"type": "integer", "minimum": -30000000, "maximum": 30000000},
        "y": {"type": "integer", "minimum": -30000000, "maximum": 30000000},
        "z": {"type": "integer", "minimum": -30000000, "maximum": 30000000}
      }
    },
    "entity": {
      "type": "object",
      "required": ["x", "y", "z"],
      "properties": {
        "x": {"type": "integer", "minimum": -30000000, "maximum": 30000000},
        "y": {"type": "integer", "minimum": -30000000, "maximum": 30000000},
        "z": {"type": "integer", "minimum": -30000000, "maximum": 30000000},
        "tag": {"type": "string"}
      }
    }
  }
}`

var (
	scanSchemaOnce     sync.Once
	scanSchemaCompiled *jsonschema.Schema
	scanSchemaErr      error
)

func compiledScanSchema() (*jsonschema.Schema, error) {
	scanSchemaOnce.Do(func() {
		scanSchemaCompiled, scanSchemaErr = jsonschema.CompileString("scan.schema.json", scanSchema)
	})
	return scanSchemaCompiled, scanSchemaErr
}

// Scan is an entity scan document
type Scan struct {
	Source    string   `json:"source,omitempty"`
	Radius    float64  `json:"radius,omitempty"`    // optional per-scan radius override
	Reference *Point   `json:"reference,omitempty"` // optional proximity reference override
	Entities  []Entity `json:"-"`
}

// scanEntity is the flat wire form of an Entity
type scanEntity struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
	Tag string `json:"tag,omitempty"`
}

// scanWire is the document layout on the wire
type scanWire struct {
	Source    string       `json:"source,omitempty"`
	Radius    float64      `json:"radius,omitempty"`
	Reference *Point       `json:"reference,omitempty"`
	Entities  []scanEntity `json:"entities"`
}

// MarshalJSON writes the scan in its wire form
func (s Scan) MarshalJSON() ([]byte, error) {
	w := scanWire{Source: s.Source, Radius: s.Radius, Reference: s.Reference}
	w.Entities = make([]scanEntity, len(s.Entities))
	for i, e := range s.Entities {
		w.Entities[i] = scanEntity{X: e.Pos.X, Y: e.Pos.Y, Z: e.Pos.Z, Tag: e.Tag}
	}
	return json.Marshal(w)
}

// ParseScanFile reads and parses a scan document
func ParseScanFile(path string) (*Scan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseScanJSON(data)
}

// ParseScanJSON validates data against the scan schema and decodes it.
// Entities sharing a position are collapsed onto the first one.
func ParseScanJSON(data []byte) (*Scan, error) {
	schema, err := compiledScanSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling scan schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid scan: %w", err)
	}

	var w scanWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	scan := Scan{Source: w.Source, Radius: w.Radius, Reference: w.Reference}
	scan.Entities = make([]Entity, len(w.Entities))
	for i, e := range w.Entities {
		scan.Entities[i] = Entity{Pos: Point{X: e.X, Y: e.Y, Z: e.Z}, Tag: e.Tag}
	}
	scan.Entities = uniqueEntities(scan.Entities)
	return &scan, nil
}

// ApplyTo overlays the scan's radius and reference onto base
func (s *Scan) ApplyTo(base Options) Options {
	if s.Radius > 0 {
		base.Radius = s.Radius
	}
	if s.Reference != nil {
		base.Reference = *s.Reference
	}
	return base
}

// ScanSummary provides a summary of scan contents
type ScanSummary struct {
	Source   string
	Count    int
	Min, Max Point
	Tags     map[string]int
	TagNames []string // sorted keys of Tags
}

// Summarize extracts key information from a scan
func Summarize(s *Scan) ScanSummary {
	summary := ScanSummary{
		Source: s.Source,
		Count:  len(s.Entities),
		Tags:   make(map[string]int),
	}

	for i, e := range s.Entities {
		if i == 0 {
			summary.Min, summary.Max = e.Pos, e.Pos
		}
		summary.Min = Point{X: min(summary.Min.X, e.Pos.X), Y: min(summary.Min.Y, e.Pos.Y), Z: min(summary.Min.Z, e.Pos.Z)}
		summary.Max = Point{X: max(summary.Max.X, e.Pos.X), Y: max(summary.Max.Y, e.Pos.Y), Z: max(summary.Max.Z, e.Pos.Z)}

		tag := e.Tag
		if tag == "" {
			tag = "untagged"
		}
		summary.Tags[tag]++
	}

	for tag := range summary.Tags {
		summary.TagNames = append(summary.TagNames, tag)
	}
	sort.Strings(summary.TagNames)
	return summary
}
