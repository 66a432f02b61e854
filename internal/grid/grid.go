// Package grid is the client-side controller for the entity by metric result
// grid. It caches authoritative records, tracks focus and per-cell edit
// buffers, and allows one save in flight per cell.
package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"cyclegate/internal/classify"
	"cyclegate/internal/domain"
)

var (
	ErrSavePending     = errors.New("grid: a save is already in flight for this cell")
	ErrReadOnly        = errors.New("grid: read-only")
	ErrNotEditing      = errors.New("grid: cell is not in edit mode")
	ErrOutOfBounds     = errors.New("grid: coordinate outside the grid")
	ErrInvalidNumber   = errors.New("grid: not a finite number")
	ErrNotQuantitative = errors.New("grid: cell does not take a numeric value")
)

// ResultWriter is the authoritative write path for one cell.
type ResultWriter interface {
	UpsertResult(ctx context.Context, in domain.ResultUpsert) (domain.ResultRecord, error)
}

// Loader fetches the authoritative records of the cycle.
type Loader func(ctx context.Context) ([]domain.ResultRecord, error)

type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

// Coord addresses a cell. Row indexes entities (a single row when the plan
// has none), Col indexes metrics.
type Coord struct {
	Row int
	Col int
}

type Action int

const (
	ActionNone Action = iota
	ActionEdit
	ActionAnnotateBreach
)

func (a Action) String() string {
	switch a {
	case ActionEdit:
		return "edit"
	case ActionAnnotateBreach:
		return "annotate_breach"
	}
	return "none"
}

// Layout fixes the grid's axes.
type Layout struct {
	Metrics  []domain.MetricDefinition
	Entities []domain.Entity
}

func (l Layout) Rows() int {
	if len(l.Entities) == 0 {
		return 1
	}
	return len(l.Entities)
}

func (l Layout) Cols() int { return len(l.Metrics) }

func (l Layout) contains(c Coord) bool {
	return c.Row >= 0 && c.Row < l.Rows() && c.Col >= 0 && c.Col < l.Cols()
}

func (l Layout) entityID(row int) *string {
	if len(l.Entities) == 0 {
		return nil
	}
	id := l.Entities[row].ID
	return &id
}

type Config struct {
	CycleID  string
	ActorID  string
	ReadOnly bool
	Writer   ResultWriter
}

type cellKey struct {
	metricID string
	entityID string
}

type editState struct {
	buffer string
	err    error
}

// CellView is a read-only snapshot of one cell.
type CellView struct {
	Coord    Coord
	MetricID string
	EntityID *string
	Record   *domain.ResultRecord
	Editing  bool
	Buffer   string
	Saving   bool
	// Flagged marks a RED result that still has no narrative.
	Flagged bool
	LastErr error
}

type Grid struct {
	cfg    Config
	layout Layout

	mu       sync.Mutex
	active   Coord
	records  map[cellKey]domain.ResultRecord
	edits    map[Coord]*editState
	inflight map[Coord]chan struct{}
	errs     map[Coord]error

	// seq counts cache writes by saves; written holds the seq of each
	// cell's latest save so a reload fetched earlier cannot undo it.
	seq     uint64
	written map[cellKey]uint64
	reloads singleflight.Group
}

func New(cfg Config, layout Layout, records []domain.ResultRecord) *Grid {
	g := &Grid{
		cfg:      cfg,
		layout:   layout,
		edits:    map[Coord]*editState{},
		inflight: map[Coord]chan struct{}{},
		errs:     map[Coord]error{},
		written:  map[cellKey]uint64{},
	}
	g.replace(records, 0)
	return g
}

func keyOf(metricID string, entityID *string) cellKey {
	k := cellKey{metricID: metricID}
	if entityID != nil {
		k.entityID = *entityID
	}
	return k
}

// replace installs a snapshot fetched when the write sequence stood at
// since. Cells saved after that keep their saved record.
func (g *Grid) replace(records []domain.ResultRecord, since uint64) {
	m := make(map[cellKey]domain.ResultRecord, len(records))
	for _, r := range records {
		m[keyOf(r.MetricID, r.EntityID)] = r
	}
	for k, at := range g.written {
		if at <= since {
			delete(g.written, k)
			continue
		}
		if r, ok := g.records[k]; ok {
			m[k] = r
		}
	}
	g.records = m
}

func (g *Grid) keyAt(c Coord) cellKey {
	return keyOf(g.layout.Metrics[c.Col].ID, g.layout.entityID(c.Row))
}

func (g *Grid) recordAt(c Coord) (domain.ResultRecord, bool) {
	r, ok := g.records[g.keyAt(c)]
	return r, ok
}

func (g *Grid) check(c Coord) error {
	if !g.layout.contains(c) {
		return fmt.Errorf("%w: (%d,%d)", ErrOutOfBounds, c.Row, c.Col)
	}
	return nil
}

func (g *Grid) Layout() Layout { return g.layout }

func (g *Grid) Active() Coord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Move shifts focus one cell, clamping at the edges.
func (g *Grid) Move(d Direction) Coord {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.active
	switch d {
	case Up:
		c.Row--
	case Down:
		c.Row++
	case Left:
		c.Col--
	case Right:
		c.Col++
	}
	c.Row = clamp(c.Row, 0, g.layout.Rows()-1)
	c.Col = clamp(c.Col, 0, g.layout.Cols()-1)
	g.active = c
	return c
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}

func (g *Grid) Focus(c Coord) error {
	if err := g.check(c); err != nil {
		return err
	}
	g.mu.Lock()
	g.active = c
	g.mu.Unlock()
	return nil
}

func flagged(r domain.ResultRecord) bool {
	return classify.Breach(r.Verdict) && !r.Skipped && strings.TrimSpace(r.Narrative) == ""
}

// Cell returns a snapshot of the cell at c.
func (g *Grid) Cell(c Coord) (CellView, error) {
	if err := g.check(c); err != nil {
		return CellView{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v := CellView{
		Coord:    c,
		MetricID: g.layout.Metrics[c.Col].ID,
		EntityID: g.layout.entityID(c.Row),
		LastErr:  g.errs[c],
	}
	if r, ok := g.recordAt(c); ok {
		v.Record = &r
		v.Flagged = flagged(r)
	}
	if e, ok := g.edits[c]; ok {
		v.Editing = true
		v.Buffer = e.buffer
	}
	_, v.Saving = g.inflight[c]
	return v, nil
}

// Click focuses c and reports what the click opens. A flagged breach opens
// the annotation flow instead of the value editor.
func (g *Grid) Click(c Coord) (Action, error) {
	if err := g.check(c); err != nil {
		return ActionNone, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = c
	if g.cfg.ReadOnly {
		return ActionNone, nil
	}
	if _, saving := g.inflight[c]; saving {
		return ActionNone, nil
	}
	if r, ok := g.recordAt(c); ok && flagged(r) {
		return ActionAnnotateBreach, nil
	}
	return ActionEdit, nil
}

// BeginEdit captures the cached authoritative value as the edit buffer.
func (g *Grid) BeginEdit(c Coord) (string, error) {
	if err := g.check(c); err != nil {
		return "", err
	}
	if g.cfg.ReadOnly {
		return "", ErrReadOnly
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, saving := g.inflight[c]; saving {
		return "", ErrSavePending
	}
	buf := ""
	if r, ok := g.recordAt(c); ok {
		switch {
		case r.NumericValue != nil:
			buf = strconv.FormatFloat(*r.NumericValue, 'f', -1, 64)
		case r.OutcomeValueID != nil:
			buf = *r.OutcomeValueID
		}
	}
	g.edits[c] = &editState{buffer: buf}
	g.active = c
	return buf, nil
}

func (g *Grid) SetBuffer(c Coord, text string) error {
	if err := g.check(c); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edits[c]
	if !ok {
		return ErrNotEditing
	}
	e.buffer = text
	return nil
}

// Cancel discards the edit buffer. A save already in flight still lands.
func (g *Grid) Cancel(c Coord) {
	g.mu.Lock()
	delete(g.edits, c)
	g.mu.Unlock()
}

func parseNumber(text string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, text)
	}
	return v, nil
}

// Commit saves the edit buffer. Invalid numeric text fails without a network
// call and keeps the buffer. On a transient failure the cell stays in edit
// mode with its buffer so the same save can be retried.
func (g *Grid) Commit(ctx context.Context, c Coord) (domain.ResultRecord, error) {
	if err := g.check(c); err != nil {
		return domain.ResultRecord{}, err
	}
	g.mu.Lock()
	e, ok := g.edits[c]
	if !ok {
		g.mu.Unlock()
		return domain.ResultRecord{}, ErrNotEditing
	}
	buffer := e.buffer
	g.mu.Unlock()

	in, err := g.payload(c, buffer)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	return g.save(ctx, c, in, true)
}

func (g *Grid) payload(c Coord, buffer string) (domain.ResultUpsert, error) {
	metric := g.layout.Metrics[c.Col]
	in := domain.ResultUpsert{
		CycleID:  g.cfg.CycleID,
		MetricID: metric.ID,
		EntityID: g.layout.entityID(c.Row),
		ActorID:  g.cfg.ActorID,
	}
	text := strings.TrimSpace(buffer)
	if text == "" {
		return in, nil
	}
	if metric.Kind.Numeric() {
		v, err := parseNumber(text)
		if err != nil {
			return in, err
		}
		in.NumericValue = &v
	} else {
		in.OutcomeValueID = &text
	}
	return in, nil
}

// Paste auto-commits numeric text into a quantitative cell. Invalid text is
// discarded and nothing is saved.
func (g *Grid) Paste(ctx context.Context, c Coord, text string) (domain.ResultRecord, error) {
	if err := g.check(c); err != nil {
		return domain.ResultRecord{}, err
	}
	if g.cfg.ReadOnly {
		return domain.ResultRecord{}, ErrReadOnly
	}
	if !g.layout.Metrics[c.Col].Kind.Numeric() {
		return domain.ResultRecord{}, ErrNotQuantitative
	}
	v, err := parseNumber(text)
	if err != nil {
		return domain.ResultRecord{}, err
	}
	in := domain.ResultUpsert{
		CycleID:      g.cfg.CycleID,
		MetricID:     g.layout.Metrics[c.Col].ID,
		EntityID:     g.layout.entityID(c.Row),
		NumericValue: &v,
		ActorID:      g.cfg.ActorID,
	}
	// A paste over an open editor supersedes its buffer.
	return g.save(ctx, c, in, true)
}

// Annotate saves a narrative for the cell, keeping its current value.
func (g *Grid) Annotate(ctx context.Context, c Coord, narrative string) (domain.ResultRecord, error) {
	if err := g.check(c); err != nil {
		return domain.ResultRecord{}, err
	}
	if g.cfg.ReadOnly {
		return domain.ResultRecord{}, ErrReadOnly
	}
	in := domain.ResultUpsert{
		CycleID:   g.cfg.CycleID,
		MetricID:  g.layout.Metrics[c.Col].ID,
		EntityID:  g.layout.entityID(c.Row),
		Narrative: &narrative,
		ActorID:   g.cfg.ActorID,
	}
	g.mu.Lock()
	if r, ok := g.recordAt(c); ok {
		in.NumericValue = r.NumericValue
		in.OutcomeValueID = r.OutcomeValueID
	}
	g.mu.Unlock()
	return g.save(ctx, c, in, false)
}

// save runs one write for c. A second save against the same cell while the
// first is in flight fails with ErrSavePending.
func (g *Grid) save(ctx context.Context, c Coord, in domain.ResultUpsert, closeEdit bool) (domain.ResultRecord, error) {
	if g.cfg.Writer == nil {
		return domain.ResultRecord{}, errors.New("grid: no writer configured")
	}
	g.mu.Lock()
	if _, busy := g.inflight[c]; busy {
		g.mu.Unlock()
		return domain.ResultRecord{}, ErrSavePending
	}
	done := make(chan struct{})
	g.inflight[c] = done
	delete(g.errs, c)
	g.mu.Unlock()

	rec, err := g.cfg.Writer.UpsertResult(ctx, in)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, c)
	close(done)
	if err != nil {
		g.errs[c] = err
		return domain.ResultRecord{}, err
	}
	k := keyOf(rec.MetricID, rec.EntityID)
	g.seq++
	g.records[k] = rec
	g.written[k] = g.seq
	if closeEdit {
		delete(g.edits, c)
	}
	return rec, nil
}

// Wait returns a channel closed once no save is in flight for c.
func (g *Grid) Wait(c Coord) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if done, ok := g.inflight[c]; ok {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Preview is the advisory verdict for the cell: the edit buffer classified
// against the metric's thresholds while editing a quantitative cell, the
// cached verdict otherwise. The server recomputes it on save.
func (g *Grid) Preview(c Coord) (*domain.Verdict, error) {
	if err := g.check(c); err != nil {
		return nil, err
	}
	metric := g.layout.Metrics[c.Col]
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.edits[c]; ok && metric.Kind.Numeric() {
		if strings.TrimSpace(e.buffer) == "" {
			return nil, nil
		}
		v, err := parseNumber(e.buffer)
		if err != nil {
			return nil, err
		}
		return classify.Classify(&v, metric.Thresholds), nil
	}
	if r, ok := g.recordAt(c); ok {
		return r.Verdict, nil
	}
	return nil, nil
}

type snapshot struct {
	records []domain.ResultRecord
	since   uint64
}

// Reload replaces the cache with the loader's records. Concurrent reloads
// share a single fetch. Saves that land while the fetch runs win over it.
func (g *Grid) Reload(ctx context.Context, load Loader) error {
	v, err, _ := g.reloads.Do("records", func() (any, error) {
		g.mu.Lock()
		since := g.seq
		g.mu.Unlock()
		records, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return snapshot{records: records, since: since}, nil
	})
	if err != nil {
		return err
	}
	snap, _ := v.(snapshot)
	g.mu.Lock()
	g.replace(snap.records, snap.since)
	g.mu.Unlock()
	return nil
}

// Records returns the cached records.
func (g *Grid) Records() []domain.ResultRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.ResultRecord, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	return out
}
