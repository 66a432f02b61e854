package engine

import (
	"context"
	"database/sql"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"cyclegate/internal/classify"
	"cyclegate/internal/domain"
	"cyclegate/internal/events"
	"cyclegate/internal/repo"
)

// cell is a resolved (cycle, metric, entity) write target.
type cell struct {
	cycle    domain.Cycle
	metric   domain.MetricDefinition
	entityID *string
	existing *domain.ResultRecord
}

func normalizeEntity(entityID *string) *string {
	if entityID == nil {
		return nil
	}
	return optionalString(*entityID)
}

// resolveCellTx loads and checks everything a write to one cell depends on,
// including the cycle-wide scoping rule. It must run inside the write tx.
func (e Engine) resolveCellTx(ctx context.Context, tx *sql.Tx, op, cycleID, metricID string, entityID *string) (cell, error) {
	var c cell
	cycle, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return c, err
	}
	if !cycle.Status.AcceptsResults() || cycle.SnapshotVersion == nil {
		return c, cycleStateError(op, cycle)
	}
	metric, err := e.Repo.GetSnapshotMetricTx(ctx, tx, cycle.PlanID, *cycle.SnapshotVersion, metricID)
	if err != nil {
		if isNotFound(err) {
			return c, ValidationError{Field: "metric_id", Code: CodeUnknownMetric, Message: "metric " + metricID + " is not in the cycle's metric snapshot"}
		}
		return c, err
	}
	if entityID != nil {
		ent, err := e.Repo.GetEntityTx(ctx, tx, *entityID)
		if err != nil && !isNotFound(err) {
			return c, err
		}
		if err != nil || ent.PlanID != cycle.PlanID {
			return c, ValidationError{Field: "entity_id", Code: CodeUnknownEntity, Message: "entity " + *entityID + " is not monitored by plan " + cycle.PlanID}
		}
	}
	mode, err := e.Repo.ScopeModeTx(ctx, tx, cycle.ID, metric.ID, entityID)
	if err != nil {
		return c, err
	}
	if want := domain.ModeFor(entityID); mode != domain.ScopeUndetermined && mode != want {
		return c, ValidationError{
			Field:   "entity_id",
			Code:    CodeEntityScopeConflict,
			Message: "cycle " + cycle.ID + " records results as " + string(mode) + "; cannot add a " + string(want) + " result",
		}
	}
	existing, err := e.Repo.GetResultByCellTx(ctx, tx, cycle.ID, metric.ID, entityID)
	switch {
	case err == nil:
		c.existing = &existing
	case !isNotFound(err):
		return c, err
	}
	c.cycle, c.metric, c.entityID = cycle, metric, entityID
	return c, nil
}

// UpsertResult creates or replaces the record at one cell. The verdict is
// always recomputed here; the returned record is the stored state.
func (e Engine) UpsertResult(ctx context.Context, in domain.ResultUpsert) (domain.ResultRecord, error) {
	ctx, span := e.Telemetry.Start(ctx, "UpsertResult", attribute.String("cycle_id", in.CycleID), attribute.String("metric_id", in.MetricID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return domain.ResultRecord{}, err
	}
	if strings.TrimSpace(in.CycleID) == "" || strings.TrimSpace(in.MetricID) == "" {
		return domain.ResultRecord{}, ValidationError{Field: "metric_id", Code: CodeRequired, Message: "cycle_id and metric_id are required"}
	}
	if in.NumericValue != nil && (math.IsNaN(*in.NumericValue) || math.IsInf(*in.NumericValue, 0)) {
		return domain.ResultRecord{}, ValidationError{Field: "numeric_value", Code: CodeInvalidValue, Message: "numeric_value must be a finite number"}
	}
	if in.NumericValue != nil && in.OutcomeValueID != nil {
		return domain.ResultRecord{}, ValidationError{Field: "numeric_value", Code: CodePayloadMismatch, Message: "numeric_value and outcome_value_id are mutually exclusive"}
	}
	entityID := normalizeEntity(in.EntityID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	defer tx.Rollback()

	c, err := e.resolveCellTx(ctx, tx, "record results for", in.CycleID, in.MetricID, entityID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	rec := e.baseRecord(c, in.ActorID)
	rec.Skipped = false
	if in.Narrative != nil {
		rec.Narrative = strings.TrimSpace(*in.Narrative)
	}
	switch {
	case c.metric.Kind.Numeric():
		if in.OutcomeValueID != nil {
			return domain.ResultRecord{}, ValidationError{Field: "outcome_value_id", Code: CodePayloadMismatch, Message: "metric " + c.metric.ID + " is quantitative; send numeric_value"}
		}
		rec.NumericValue = in.NumericValue
		rec.OutcomeValueID = nil
		rec.Verdict = classify.Classify(in.NumericValue, c.metric.Thresholds)
	default:
		if in.NumericValue != nil {
			return domain.ResultRecord{}, ValidationError{Field: "numeric_value", Code: CodePayloadMismatch, Message: "metric " + c.metric.ID + " is " + string(c.metric.Kind) + "; send outcome_value_id"}
		}
		rec.NumericValue = nil
		rec.OutcomeValueID = nil
		rec.Verdict = nil
		if id := normalizeEntity(in.OutcomeValueID); id != nil {
			ov, err := e.Repo.GetOutcomeValueTx(ctx, tx, *id)
			if err != nil {
				if isNotFound(err) {
					return domain.ResultRecord{}, ValidationError{Field: "outcome_value_id", Code: CodeUnknownOutcome, Message: "unknown outcome value " + *id}
				}
				return domain.ResultRecord{}, err
			}
			v := ov.Verdict
			rec.OutcomeValueID = &ov.ID
			rec.Verdict = &v
		}
	}
	if err := e.Repo.PutResultTx(ctx, tx, rec); err != nil {
		return domain.ResultRecord{}, mapStoreError(err)
	}
	saved, err := e.Repo.GetResultTx(ctx, tx, rec.ID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	if err := e.emit(ctx, tx, events.ResultUpserted, c.cycle.ID, "result", saved.ID, in.ActorID, resultPayload(saved)); err != nil {
		return domain.ResultRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResultRecord{}, err
	}
	e.Telemetry.ResultWritten(ctx, "upsert")
	return saved, nil
}

// baseRecord starts from the stored record at the cell, or a fresh one.
func (e Engine) baseRecord(c cell, actorID string) domain.ResultRecord {
	now := e.stamp()
	var rec domain.ResultRecord
	if c.existing != nil {
		rec = *c.existing
	} else {
		rec = domain.ResultRecord{
			ID:        newID(),
			CycleID:   c.cycle.ID,
			MetricID:  c.metric.ID,
			EntityID:  c.entityID,
			CreatedAt: now,
		}
	}
	rec.UpdatedBy = actorID
	rec.UpdatedAt = now
	return rec
}

func resultPayload(rec domain.ResultRecord) events.EventPayload {
	p := events.EventPayload{
		"metric_id": rec.MetricID,
		"skipped":   rec.Skipped,
	}
	if rec.EntityID != nil {
		p["entity_id"] = *rec.EntityID
	}
	if rec.Verdict != nil {
		p["verdict"] = string(*rec.Verdict)
	}
	if rec.NumericValue != nil {
		p["numeric_value"] = *rec.NumericValue
	}
	if rec.OutcomeValueID != nil {
		p["outcome_value_id"] = *rec.OutcomeValueID
	}
	return p
}

// mapStoreError turns schema guard failures into the engine's typed errors.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "entity_scope_conflict"):
		return ValidationError{Field: "entity_id", Code: CodeEntityScopeConflict, Message: "result would mix plan-level and entity-specific records"}
	case strings.Contains(msg, "slot_voided"):
		return StateError{Op: "change", Kind: "approval slot", Status: "voided"}
	}
	return err
}

// SetSkipped marks an existing record skipped. The narrative is mandatory and
// any recorded value is cleared.
func (e Engine) SetSkipped(ctx context.Context, resultID, narrative, actorID string) (domain.ResultRecord, error) {
	ctx, span := e.Telemetry.Start(ctx, "SetSkipped", attribute.String("result_id", resultID))
	defer span.End()
	if err := requireActor(actorID); err != nil {
		return domain.ResultRecord{}, err
	}
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return domain.ResultRecord{}, ValidationError{Field: "narrative", Code: CodeNarrativeRequired, Message: "a narrative is required to skip a result"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetResultTx(ctx, tx, resultID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	c, err := e.resolveCellTx(ctx, tx, "skip results for", current.CycleID, current.MetricID, current.EntityID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	saved, err := e.applySkipTx(ctx, tx, c, narrative, actorID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResultRecord{}, err
	}
	e.Telemetry.ResultWritten(ctx, "skip")
	return saved, nil
}

// SkipInput addresses a cell that may not have a record yet.
type SkipInput struct {
	CycleID   string
	MetricID  string
	EntityID  *string
	Narrative string
	ActorID   string
}

// SkipCell records a skipped result at a cell, creating the record if needed.
func (e Engine) SkipCell(ctx context.Context, in SkipInput) (domain.ResultRecord, error) {
	ctx, span := e.Telemetry.Start(ctx, "SkipCell", attribute.String("cycle_id", in.CycleID), attribute.String("metric_id", in.MetricID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return domain.ResultRecord{}, err
	}
	narrative := strings.TrimSpace(in.Narrative)
	if narrative == "" {
		return domain.ResultRecord{}, ValidationError{Field: "narrative", Code: CodeNarrativeRequired, Message: "a narrative is required to skip a result"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	defer tx.Rollback()

	c, err := e.resolveCellTx(ctx, tx, "skip results for", in.CycleID, in.MetricID, normalizeEntity(in.EntityID))
	if err != nil {
		return domain.ResultRecord{}, err
	}
	saved, err := e.applySkipTx(ctx, tx, c, narrative, in.ActorID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResultRecord{}, err
	}
	e.Telemetry.ResultWritten(ctx, "skip")
	return saved, nil
}

func (e Engine) applySkipTx(ctx context.Context, tx *sql.Tx, c cell, narrative, actorID string) (domain.ResultRecord, error) {
	rec := e.baseRecord(c, actorID)
	skipped := domain.VerdictSkipped
	rec.Skipped = true
	rec.Verdict = &skipped
	rec.NumericValue = nil
	rec.OutcomeValueID = nil
	rec.Narrative = narrative
	if err := e.Repo.PutResultTx(ctx, tx, rec); err != nil {
		return domain.ResultRecord{}, mapStoreError(err)
	}
	saved, err := e.Repo.GetResultTx(ctx, tx, rec.ID)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	if err := e.emit(ctx, tx, events.ResultSkipped, c.cycle.ID, "result", saved.ID, actorID, events.EventPayload{
		"metric_id": saved.MetricID,
		"narrative": saved.Narrative,
	}); err != nil {
		return domain.ResultRecord{}, err
	}
	return saved, nil
}

// DeleteResult removes a record, returning its cell to unset. The scoping
// mode is derived from what remains, so deleting the last record of a mode
// reopens the choice.
func (e Engine) DeleteResult(ctx context.Context, resultID, actorID string) error {
	ctx, span := e.Telemetry.Start(ctx, "DeleteResult", attribute.String("result_id", resultID))
	defer span.End()
	if err := requireActor(actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetResultTx(ctx, tx, resultID)
	if err != nil {
		return err
	}
	cycle, err := e.Repo.GetCycleTx(ctx, tx, rec.CycleID)
	if err != nil {
		return err
	}
	if !cycle.Status.AcceptsResults() {
		return cycleStateError("delete results of", cycle)
	}
	if err := e.Repo.DeleteResultTx(ctx, tx, rec.ID); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.ResultDeleted, cycle.ID, "result", rec.ID, actorID, events.EventPayload{
		"metric_id": rec.MetricID,
		"entity_id": repo.EntityKey(rec.EntityID),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Telemetry.ResultWritten(ctx, "delete")
	return nil
}

func (e Engine) GetResult(ctx context.Context, resultID string) (domain.ResultRecord, error) {
	return e.Repo.GetResult(ctx, resultID)
}

// ListResults returns a cycle's records, optionally filtered to one entity.
func (e Engine) ListResults(ctx context.Context, cycleID string, entityID *string) ([]domain.ResultRecord, error) {
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	return e.Repo.ListResults(ctx, cycleID, normalizeEntity(entityID))
}

// FindResultAt returns the record at a cell or repo.ErrNotFound.
func (e Engine) FindResultAt(ctx context.Context, cycleID, metricID string, entityID *string) (domain.ResultRecord, error) {
	return e.Repo.GetResultByCellTx(ctx, nil, cycleID, metricID, normalizeEntity(entityID))
}
