package grid_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclegate/internal/app"
	"cyclegate/internal/classify"
	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/grid"
)

func f(v float64) *float64 { return &v }

var layout = grid.Layout{
	Metrics: []domain.MetricDefinition{
		{ID: "cap", Name: "Override rate", Kind: domain.KindQuantitative, Thresholds: domain.Thresholds{RedMax: f(100)}},
		{ID: "qual", Name: "Docs", Kind: domain.KindQualitative},
	},
	Entities: []domain.Entity{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
}

// fakeWriter classifies like the server and records every call.
type fakeWriter struct {
	mu    sync.Mutex
	calls []domain.ResultUpsert
	fail  error
}

func (w *fakeWriter) UpsertResult(_ context.Context, in domain.ResultUpsert) (domain.ResultRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, in)
	if w.fail != nil {
		return domain.ResultRecord{}, w.fail
	}
	rec := domain.ResultRecord{
		ID: "r-" + in.MetricID, CycleID: in.CycleID, MetricID: in.MetricID, EntityID: in.EntityID,
		NumericValue: in.NumericValue, OutcomeValueID: in.OutcomeValueID, UpdatedBy: in.ActorID,
	}
	if in.Narrative != nil {
		rec.Narrative = *in.Narrative
	}
	if in.MetricID == "cap" {
		rec.Verdict = classify.Classify(in.NumericValue, layout.Metrics[0].Thresholds)
	}
	return rec, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// blockingWriter holds every call until release is closed.
type blockingWriter struct {
	fakeWriter
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWriter) UpsertResult(ctx context.Context, in domain.ResultUpsert) (domain.ResultRecord, error) {
	w.entered <- struct{}{}
	<-w.release
	return w.fakeWriter.UpsertResult(ctx, in)
}

func newGrid(w grid.ResultWriter, records ...domain.ResultRecord) *grid.Grid {
	return grid.New(grid.Config{CycleID: "cy-1", ActorID: "u1", Writer: w}, layout, records)
}

func TestMoveClampsAtEdges(t *testing.T) {
	g := newGrid(&fakeWriter{})
	require.Equal(t, grid.Coord{}, g.Move(grid.Up))
	require.Equal(t, grid.Coord{}, g.Move(grid.Left))
	g.Move(grid.Right)
	require.Equal(t, grid.Coord{Row: 0, Col: 1}, g.Move(grid.Right))
	g.Move(grid.Down)
	require.Equal(t, grid.Coord{Row: 1, Col: 1}, g.Move(grid.Down))

	plan := grid.New(grid.Config{}, grid.Layout{Metrics: layout.Metrics}, nil)
	require.Equal(t, 1, plan.Layout().Rows())
	require.Equal(t, grid.Coord{}, plan.Move(grid.Down))
	cell, err := plan.Cell(grid.Coord{})
	require.NoError(t, err)
	require.Nil(t, cell.EntityID)

	require.ErrorIs(t, g.Focus(grid.Coord{Row: 2}), grid.ErrOutOfBounds)
}

func TestCommitReplacesCacheWithAuthoritativeRecord(t *testing.T) {
	w := &fakeWriter{}
	g := newGrid(w)
	c := grid.Coord{Row: 1, Col: 0}

	_, err := g.Commit(context.Background(), c)
	require.ErrorIs(t, err, grid.ErrNotEditing)

	buf, err := g.BeginEdit(c)
	require.NoError(t, err)
	require.Empty(t, buf)
	require.NoError(t, g.SetBuffer(c, "130"))

	preview, err := g.Preview(c)
	require.NoError(t, err)
	require.Equal(t, domain.VerdictRed, *preview)

	rec, err := g.Commit(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 130.0, *rec.NumericValue)
	require.Equal(t, "b", *w.calls[0].EntityID)
	require.Equal(t, "u1", w.calls[0].ActorID)
	require.Nil(t, w.calls[0].Narrative)

	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.False(t, cell.Editing)
	require.Equal(t, domain.VerdictRed, *cell.Record.Verdict)
	require.True(t, cell.Flagged)

	buf, err = g.BeginEdit(c)
	require.NoError(t, err)
	require.Equal(t, "130", buf)
}

func TestInvalidNumberNeverReachesWriter(t *testing.T) {
	w := &fakeWriter{}
	g := newGrid(w)
	c := grid.Coord{}
	_, err := g.BeginEdit(c)
	require.NoError(t, err)
	for _, text := range []string{"12a", "NaN", "inf"} {
		require.NoError(t, g.SetBuffer(c, text))
		_, err = g.Commit(context.Background(), c)
		require.ErrorIs(t, err, grid.ErrInvalidNumber)
	}
	require.Zero(t, w.count())
	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.True(t, cell.Editing)
	require.Equal(t, "inf", cell.Buffer)
}

func TestFailedSaveKeepsBufferForRetry(t *testing.T) {
	w := &fakeWriter{fail: errors.New("connection reset")}
	g := newGrid(w)
	c := grid.Coord{}
	_, err := g.BeginEdit(c)
	require.NoError(t, err)
	require.NoError(t, g.SetBuffer(c, "42"))

	_, err = g.Commit(context.Background(), c)
	require.Error(t, err)
	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.True(t, cell.Editing)
	require.Equal(t, "42", cell.Buffer)
	require.Error(t, cell.LastErr)
	require.Nil(t, cell.Record)

	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()
	rec, err := g.Commit(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 42.0, *rec.NumericValue)
	require.Equal(t, 2, w.count())
}

func TestOneSaveInFlightPerCell(t *testing.T) {
	w := &blockingWriter{entered: make(chan struct{}, 4), release: make(chan struct{})}
	g := newGrid(w)
	c := grid.Coord{}
	other := grid.Coord{Row: 1}
	ctx := context.Background()

	_, err := g.BeginEdit(c)
	require.NoError(t, err)
	require.NoError(t, g.SetBuffer(c, "10"))

	errc := make(chan error, 1)
	go func() {
		_, err := g.Commit(ctx, c)
		errc <- err
	}()
	<-w.entered

	_, err = g.Commit(ctx, c)
	require.ErrorIs(t, err, grid.ErrSavePending)
	_, err = g.BeginEdit(c)
	require.ErrorIs(t, err, grid.ErrSavePending)
	_, err = g.Paste(ctx, c, "11")
	require.ErrorIs(t, err, grid.ErrSavePending)
	action, err := g.Click(c)
	require.NoError(t, err)
	require.Equal(t, grid.ActionNone, action)
	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.True(t, cell.Saving)

	// Other cells are independent.
	go func() { _, _ = g.Paste(ctx, other, "5") }()
	<-w.entered

	// Cancelling the edit does not stop the save from landing.
	g.Cancel(c)
	close(w.release)
	require.NoError(t, <-errc)

	select {
	case <-g.Wait(c):
	case <-time.After(time.Second):
		t.Fatal("save did not finish")
	}
	<-g.Wait(other)
	cell, err = g.Cell(c)
	require.NoError(t, err)
	require.False(t, cell.Editing)
	require.Equal(t, 10.0, *cell.Record.NumericValue)
	require.Equal(t, 2, w.count())
}

func TestPasteOnlyForQuantitativeCells(t *testing.T) {
	w := &fakeWriter{}
	g := newGrid(w)
	ctx := context.Background()

	_, err := g.Paste(ctx, grid.Coord{Col: 1}, "3")
	require.ErrorIs(t, err, grid.ErrNotQuantitative)
	_, err = g.Paste(ctx, grid.Coord{}, "three")
	require.ErrorIs(t, err, grid.ErrInvalidNumber)
	require.Zero(t, w.count())

	rec, err := g.Paste(ctx, grid.Coord{}, " 99.5 ")
	require.NoError(t, err)
	require.Equal(t, 99.5, *rec.NumericValue)
	require.Equal(t, domain.VerdictGreen, *rec.Verdict)
}

func TestClickOnUnexplainedBreachOpensAnnotation(t *testing.T) {
	red := domain.VerdictRed
	breach := domain.ResultRecord{ID: "r1", MetricID: "cap", EntityID: ptr("a"), NumericValue: f(130), Verdict: &red}
	w := &fakeWriter{}
	g := newGrid(w, breach)
	c := grid.Coord{}

	action, err := g.Click(c)
	require.NoError(t, err)
	require.Equal(t, grid.ActionAnnotateBreach, action)

	rec, err := g.Annotate(context.Background(), c, "seasonal peak")
	require.NoError(t, err)
	require.Equal(t, "seasonal peak", rec.Narrative)
	// The value travels with the narrative so it is not cleared.
	require.Equal(t, 130.0, *w.calls[0].NumericValue)

	action, err = g.Click(c)
	require.NoError(t, err)
	require.Equal(t, grid.ActionEdit, action)

	ro := grid.New(grid.Config{ReadOnly: true}, layout, []domain.ResultRecord{breach})
	action, err = ro.Click(c)
	require.NoError(t, err)
	require.Equal(t, grid.ActionNone, action)
	_, err = ro.BeginEdit(c)
	require.ErrorIs(t, err, grid.ErrReadOnly)
}

func TestQualitativeCommitSendsOutcome(t *testing.T) {
	w := &fakeWriter{}
	g := newGrid(w)
	c := grid.Coord{Col: 1}
	_, err := g.BeginEdit(c)
	require.NoError(t, err)
	require.NoError(t, g.SetBuffer(c, "outcome:adequate"))
	_, err = g.Commit(context.Background(), c)
	require.NoError(t, err)
	require.Nil(t, w.calls[0].NumericValue)
	require.Equal(t, "outcome:adequate", *w.calls[0].OutcomeValueID)
}

func TestConcurrentReloadsShareOneFetch(t *testing.T) {
	g := newGrid(&fakeWriter{})
	var fetches atomic.Int32
	gate := make(chan struct{})
	load := func(context.Context) ([]domain.ResultRecord, error) {
		fetches.Add(1)
		<-gate
		return []domain.ResultRecord{{ID: "r1", MetricID: "cap", EntityID: ptr("b"), NumericValue: f(1)}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Reload(context.Background(), load))
		}()
	}
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.LessOrEqual(t, fetches.Load(), int32(8))
	require.Len(t, g.Records(), 1)
	cell, err := g.Cell(grid.Coord{Row: 1})
	require.NoError(t, err)
	require.Equal(t, "r1", cell.Record.ID)
}

func TestSaveDuringReloadSurvivesOlderSnapshot(t *testing.T) {
	g := newGrid(&fakeWriter{})
	ctx := context.Background()
	c := grid.Coord{}

	started := make(chan struct{})
	gate := make(chan struct{})
	stale := func(context.Context) ([]domain.ResultRecord, error) {
		close(started)
		<-gate
		return nil, nil
	}
	reloaded := make(chan error, 1)
	go func() { reloaded <- g.Reload(ctx, stale) }()
	<-started

	rec, err := g.Paste(ctx, c, "42")
	require.NoError(t, err)
	close(gate)
	require.NoError(t, <-reloaded)

	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.NotNil(t, cell.Record)
	require.Equal(t, rec.ID, cell.Record.ID)
	require.Equal(t, 42.0, *cell.Record.NumericValue)

	// A snapshot fetched after the save is authoritative again.
	fresh := func(context.Context) ([]domain.ResultRecord, error) {
		return []domain.ResultRecord{{ID: rec.ID, MetricID: "cap", EntityID: ptr("a"), NumericValue: f(7)}}, nil
	}
	require.NoError(t, g.Reload(ctx, fresh))
	cell, err = g.Cell(c)
	require.NoError(t, err)
	require.Equal(t, 7.0, *cell.Record.NumericValue)
}

func TestPasteClosesOpenEditor(t *testing.T) {
	w := &fakeWriter{}
	g := newGrid(w)
	ctx := context.Background()
	c := grid.Coord{Row: 1}

	_, err := g.BeginEdit(c)
	require.NoError(t, err)
	require.NoError(t, g.SetBuffer(c, "5"))
	_, err = g.Paste(ctx, c, "12")
	require.NoError(t, err)

	cell, err := g.Cell(c)
	require.NoError(t, err)
	require.False(t, cell.Editing)
	require.Equal(t, 12.0, *cell.Record.NumericValue)
	_, err = g.Commit(ctx, c)
	require.ErrorIs(t, err, grid.ErrNotEditing)
	require.Equal(t, 1, w.count())
}

func ptr[T any](v T) *T { return &v }

// The engine satisfies the writer port directly.
func TestGridOverEngine(t *testing.T) {
	ctx := context.Background()
	a, err := app.Bootstrap(ctx, app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	spec, err := engine.ParsePlan([]byte(`
id: p
name: Plan
metrics:
  - {id: vol, name: Volume, kind: quantitative, thresholds: {red_max: 10}}
approvers:
  - {kind: global}
`))
	require.NoError(t, err)
	_, err = a.Engine.ImportPlan(ctx, spec, "u1")
	require.NoError(t, err)
	cy, err := a.Engine.CreateCycle(ctx, engine.CreateCycleInput{PlanID: "p", PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31", ActorID: "u1"})
	require.NoError(t, err)
	_, err = a.Engine.StartCycle(ctx, cy.ID, "u1")
	require.NoError(t, err)
	metrics, err := a.Engine.ListSnapshotMetrics(ctx, cy.ID)
	require.NoError(t, err)

	var writer grid.ResultWriter = a.Engine
	g := grid.New(grid.Config{CycleID: cy.ID, ActorID: "u1", Writer: writer}, grid.Layout{Metrics: metrics}, nil)
	rec, err := g.Paste(ctx, grid.Coord{}, "12")
	require.NoError(t, err)
	require.Equal(t, domain.VerdictRed, *rec.Verdict)

	action, err := g.Click(grid.Coord{})
	require.NoError(t, err)
	require.Equal(t, grid.ActionAnnotateBreach, action)

	breaches, err := a.Engine.FindUnjustifiedBreaches(ctx, cy.ID)
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	_, err = g.Annotate(ctx, grid.Coord{}, "one-off batch")
	require.NoError(t, err)
	breaches, err = a.Engine.FindUnjustifiedBreaches(ctx, cy.ID)
	require.NoError(t, err)
	require.Empty(t, breaches)

	require.NoError(t, g.Reload(ctx, func(ctx context.Context) ([]domain.ResultRecord, error) {
		return a.Engine.ListResults(ctx, cy.ID, nil)
	}))
	require.Len(t, g.Records(), 1)
}
