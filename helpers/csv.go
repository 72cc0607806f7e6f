package helpers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/schema"
)

// ============================================================================
// CSV HELPER: Parses CSV data into []engine.Record
// ============================================================================
// The caller reads the CSV from wherever it lives (file, HTTP upload).
// This helper converts the raw bytes into Records using the schema: schema
// dimensions become string dimensions, schema measures become floats.
// ============================================================================

// ParseCSV parses CSV bytes into Records using sch for classification.
// Unparseable measure cells read as 0; columns the schema does not name
// are skipped.
func ParseCSV(data []byte, sch schema.Config) ([]engine.Record, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV headers: %w", err)
	}

	dimSet := make(map[string]bool, len(sch.Dimensions))
	for _, d := range sch.Dimensions {
		dimSet[d.Key] = true
	}
	measSet := make(map[string]bool, len(sch.Measures))
	for _, m := range sch.Measures {
		measSet[m.Key] = true
	}

	type colMapping struct {
		key         string
		isDimension bool
		isMeasure   bool
	}

	mappings := make([]colMapping, len(headers))
	for i, h := range headers {
		key := schema.ToSnakeCase(h)
		switch {
		case dimSet[key]:
			mappings[i] = colMapping{key: key, isDimension: true}
		case measSet[key]:
			mappings[i] = colMapping{key: key, isMeasure: true}
		}
	}

	var records []engine.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		rec := engine.Record{
			Dimensions: make(map[string]string),
			Measures:   make(map[string]float64),
		}
		for i, val := range row {
			if i >= len(mappings) {
				break
			}
			m := mappings[i]
			val = strings.TrimSpace(val)

			switch {
			case m.isDimension:
				rec.Dimensions[m.key] = val
			case m.isMeasure:
				f, _ := strconv.ParseFloat(strings.ReplaceAll(val, ",", ""), 64)
				rec.Measures[m.key] = f
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

// LoadDataset discovers a schema from data (unless sch is non-nil) and
// returns the parsed columnar dataset alongside the schema used.
func LoadDataset(data []byte, sch *schema.Config, opts ...schema.DiscoverOptions) (*engine.Dataset, *schema.Config, error) {
	if sch == nil {
		discovered, err := schema.DiscoverFromCSV(data, opts...)
		if err != nil {
			return nil, nil, err
		}
		sch = discovered
	}
	records, err := ParseCSV(data, *sch)
	if err != nil {
		return nil, nil, err
	}
	return engine.NewDataset(records), sch, nil
}
