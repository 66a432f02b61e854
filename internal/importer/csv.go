// Package importer reads bulk result files into engine import rows.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"cyclegate/internal/engine"
)

// Columns understood in the header row. metric_id is the only required one.
const (
	ColAction    = "action"
	ColMetric    = "metric_id"
	ColEntity    = "entity_id"
	ColNumeric   = "numeric_value"
	ColOutcome   = "outcome_value_id"
	ColNarrative = "narrative"
)

var known = map[string]bool{
	ColAction: true, ColMetric: true, ColEntity: true,
	ColNumeric: true, ColOutcome: true, ColNarrative: true,
}

// RowError reports a line that could not be turned into an import row.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e RowError) Unwrap() error { return e.Err }

var ErrNoHeader = errors.New("importer: missing header row")

// ReadCSV parses a headed CSV file. Line numbers count the header as line 1.
// An empty narrative cell leaves the stored narrative alone; use the
// literal "-" to clear it.
func ReadCSV(r io.Reader) ([]engine.ImportRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, err
	}
	index := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if !known[name] {
			return nil, fmt.Errorf("importer: unknown column %q", name)
		}
		index[name] = i
	}
	if _, ok := index[ColMetric]; !ok {
		return nil, fmt.Errorf("importer: header needs a %s column", ColMetric)
	}

	var rows []engine.ImportRow
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		row := engine.ImportRow{
			Line:     line,
			Action:   get(ColAction),
			MetricID: get(ColMetric),
		}
		if v := get(ColEntity); v != "" {
			row.EntityID = &v
		}
		if v := get(ColNumeric); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, RowError{Line: line, Err: fmt.Errorf("numeric_value %q is not a finite number", v)}
			}
			row.NumericValue = &f
		}
		if v := get(ColOutcome); v != "" {
			row.OutcomeValueID = &v
		}
		switch v := get(ColNarrative); v {
		case "":
		case "-":
			empty := ""
			row.Narrative = &empty
		default:
			row.Narrative = &v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
