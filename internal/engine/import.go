package engine

import (
	"context"
	"errors"
	"strings"

	"cyclegate/internal/domain"
)

// Import row actions.
const (
	ImportUpsert = "upsert"
	ImportSkip   = "skip"
	ImportDelete = "delete"
)

// ImportRow is one line of a bulk result import.
type ImportRow struct {
	Line           int      `json:"line"`
	Action         string   `json:"action,omitempty" enum:"upsert,skip,delete"`
	MetricID       string   `json:"metric_id"`
	EntityID       *string  `json:"entity_id,omitempty"`
	NumericValue   *float64 `json:"numeric_value,omitempty"`
	OutcomeValueID *string  `json:"outcome_value_id,omitempty"`
	Narrative      *string  `json:"narrative,omitempty"`
}

type ImportRowResult struct {
	Line     int    `json:"line"`
	Action   string `json:"action"`
	ResultID string `json:"result_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ImportReport struct {
	CycleID string            `json:"cycle_id"`
	Applied int               `json:"applied"`
	Failed  int               `json:"failed"`
	Rows    []ImportRowResult `json:"rows"`
}

// ImportResults applies each row through the same write operations as a
// single edit. Every row is its own transaction; a failed row leaves no trace
// and does not stop the rows after it. A state error on the cycle aborts the
// import because every later row would fail the same way.
func (e Engine) ImportResults(ctx context.Context, cycleID string, rows []ImportRow, actorID string) (ImportReport, error) {
	if err := requireActor(actorID); err != nil {
		return ImportReport{}, err
	}
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return ImportReport{}, err
	}
	report := ImportReport{CycleID: cycleID, Rows: make([]ImportRowResult, 0, len(rows))}
	for i, row := range rows {
		if row.Line == 0 {
			row.Line = i + 1
		}
		action := strings.ToLower(strings.TrimSpace(row.Action))
		if action == "" {
			action = ImportUpsert
		}
		res := ImportRowResult{Line: row.Line, Action: action}
		rec, err := e.applyImportRow(ctx, cycleID, action, row, actorID)
		if err != nil {
			var se StateError
			if errors.As(err, &se) && se.Kind == "cycle" {
				return report, err
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			res.Error = err.Error()
			var ve ValidationError
			switch {
			case errors.As(err, &ve):
				res.Code = ve.Code
			case isNotFound(err):
				res.Code = "not_found"
			}
			report.Failed++
		} else {
			res.ResultID = rec.ID
			report.Applied++
		}
		report.Rows = append(report.Rows, res)
	}
	return report, nil
}

func (e Engine) applyImportRow(ctx context.Context, cycleID, action string, row ImportRow, actorID string) (domain.ResultRecord, error) {
	switch action {
	case ImportUpsert:
		return e.UpsertResult(ctx, domain.ResultUpsert{
			CycleID:        cycleID,
			MetricID:       row.MetricID,
			EntityID:       row.EntityID,
			NumericValue:   row.NumericValue,
			OutcomeValueID: row.OutcomeValueID,
			Narrative:      row.Narrative,
			ActorID:        actorID,
		})
	case ImportSkip:
		narrative := ""
		if row.Narrative != nil {
			narrative = *row.Narrative
		}
		return e.SkipCell(ctx, SkipInput{
			CycleID:   cycleID,
			MetricID:  row.MetricID,
			EntityID:  row.EntityID,
			Narrative: narrative,
			ActorID:   actorID,
		})
	case ImportDelete:
		rec, err := e.FindResultAt(ctx, cycleID, row.MetricID, row.EntityID)
		if err != nil {
			return rec, err
		}
		return rec, e.DeleteResult(ctx, rec.ID, actorID)
	}
	return domain.ResultRecord{}, ValidationError{Field: "action", Code: CodeInvalidValue, Message: "unknown import action " + action}
}
