package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cyclegate/internal/config"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/events"
	"cyclegate/internal/repo"
	"cyclegate/internal/telemetry"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Telemetry *telemetry.Instruments
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	adminRole := ""
	if cfg != nil {
		adminRole = cfg.RBAC.AdminRole
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db, AdminRole: adminRole},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, cycleID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, cycleID, entityKind, entityID, actorID, payload)
}

func newID() string {
	return uuid.NewString()
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return ValidationError{Field: "actor_id", Code: CodeRequired, Message: "actor_id is required"}
	}
	return nil
}

// isNotFound reports whether err wraps repo.ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
