package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"cyclegate/internal/app"
	"cyclegate/internal/config"
	"cyclegate/internal/db"
	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/events"
	"cyclegate/internal/migrate"
	"cyclegate/internal/repo"
)

const testPlan = `
id: plan-1
name: Credit model monitoring
metrics:
  - {id: m-cap, name: Override rate, kind: quantitative, thresholds: {red_max: 100}}
  - {id: m-floor, name: Coverage, kind: quantitative, thresholds: {yellow_min: 5}}
approvers:
  - {kind: global, nominal_approver: alice}
`

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T, opts ...func(*AuthConfig)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("cyclegate-test")
	cfg.RBAC.Grants = append(cfg.RBAC.Grants,
		config.RoleGrant{Actor: "mgr", Role: "manager", Plan: "plan-1"},
		config.RoleGrant{Actor: "col", Role: "collector", Plan: "plan-1"},
		config.RoleGrant{Actor: "rev", Role: "reviewer", Plan: "plan-1"},
		config.RoleGrant{Actor: "alice", Role: "approver", Plan: "plan-1"},
	)
	ctx := context.Background()
	require.NoError(t, app.Seed(ctx, repo.Repo{DB: conn}, cfg, time.Now()))
	e := engine.New(conn, cfg)
	spec, err := engine.ParsePlan([]byte(testPlan))
	require.NoError(t, err)
	_, err = e.ImportPlan(ctx, spec, "local-user")
	require.NoError(t, err)

	authCfg := AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}
	for _, opt := range opts {
		opt(&authCfg)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     authCfg,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func requireError(t *testing.T, res *http.Response, data []byte, status int, code string) envelope {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	env := decode[envelope](t, data)
	require.Equal(t, code, env.Error.Code)
	return env
}

func (s *testServer) collectingCycle(t *testing.T) string {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v1/cycles", "mgr", map[string]any{
		"plan_id": "plan-1", "period_start": "2024-01-01", "period_end": "2024-03-31",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	id := decode[domain.CycleView](t, data).ID
	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/start", "mgr", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return id
}

func TestHealthIsPublicAndEverythingElseNeedsAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "ok", decode[HealthResponse](t, data).DB)

	res, data = s.do(t, http.MethodGet, "/v1/plans", "", nil)
	requireError(t, res, data, http.StatusUnauthorized, "unauthorized")

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = s.do(t, http.MethodGet, "/v1/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "request-approval")
}

func TestBreachGateOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := s.collectingCycle(t)

	res, data := s.do(t, http.MethodPut, "/v1/cycles/"+id+"/results", "col", map[string]any{
		"metric_id": "m-cap", "numeric_value": 130,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rec := decode[domain.ResultRecord](t, data)
	require.Equal(t, domain.VerdictRed, *rec.Verdict)

	res, data = s.do(t, http.MethodPut, "/v1/cycles/"+id+"/results", "col", map[string]any{
		"metric_id": "m-cap", "entity_id": "nope", "numeric_value": 1,
	})
	env := requireError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")
	require.Equal(t, engine.CodeUnknownEntity, env.Error.Details["code"])

	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/submit", "col", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/request-approval", "rev", map[string]any{"report_url": "https://r.example/1"})
	env = requireError(t, res, data, http.StatusUnprocessableEntity, "unresolved_breaches")
	breaches := env.Error.Details["breaches"].([]any)
	require.Len(t, breaches, 1)
	require.Equal(t, rec.ID, breaches[0].(map[string]any)["result_id"])
	require.Equal(t, "Override rate", breaches[0].(map[string]any)["metric_name"])

	res, data = s.do(t, http.MethodGet, "/v1/cycles/"+id+"/breaches", "rev", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, decode[[]domain.Breach](t, data), 1)

	res, data = s.do(t, http.MethodPut, "/v1/cycles/"+id+"/results", "rev", map[string]any{
		"metric_id": "m-cap", "numeric_value": 130, "narrative": "Known seasonal effect",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/request-approval", "rev", map[string]any{"report_url": "https://r.example/1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	view := decode[domain.CycleView](t, data)
	require.Equal(t, domain.CycleStatusPendingApproval, view.Status)
	require.Equal(t, 1, view.Quorum.Required)

	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/request-approval", "rev", nil)
	env = requireError(t, res, data, http.StatusConflict, "stale_state")
	require.Equal(t, "pending_approval", env.Error.Details["status"])

	res, data = s.do(t, http.MethodGet, "/v1/cycles/"+id+"/approvals", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	slots := decode[[]domain.ApprovalSlot](t, data)
	require.Len(t, slots, 1)

	res, data = s.do(t, http.MethodPost, "/v1/approvals/"+slots[0].ID+"/approve", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[engine.SlotOutcome](t, data)
	require.Equal(t, domain.CycleStatusApproved, out.Cycle.Status)

	res, data = s.do(t, http.MethodGet, "/v1/events?cycle_id="+id+"&type="+events.CycleApproved, "local-user", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	require.Equal(t, "alice", page.Items[0].ActorID)
}

func TestPermissionsAndNotFound(t *testing.T) {
	s := newTestServer(t)
	id := s.collectingCycle(t)

	res, data := s.do(t, http.MethodPut, "/v1/cycles/"+id+"/results", "alice", map[string]any{"metric_id": "m-cap", "numeric_value": 1})
	env := requireError(t, res, data, http.StatusForbidden, "forbidden")
	require.Equal(t, "result.write", env.Error.Details["permission"])

	res, data = s.do(t, http.MethodGet, "/v1/cycles/missing", "mgr", nil)
	requireError(t, res, data, http.StatusNotFound, "not_found")

	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/hold", "mgr", map[string]any{"reason": " "})
	env = requireError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")
	require.Equal(t, "reason", env.Error.Details["field"])
}

func TestResultLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := s.collectingCycle(t)

	res, data := s.do(t, http.MethodPost, "/v1/cycles/"+id+"/results/import", "col", map[string]any{
		"rows": []map[string]any{
			{"metric_id": "m-cap", "numeric_value": 10},
			{"metric_id": "m-floor", "numeric_value": 1},
			{"metric_id": "m-nope", "numeric_value": 1},
		},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	report := decode[engine.ImportReport](t, data)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 1, report.Failed)

	res, data = s.do(t, http.MethodGet, "/v1/cycles/"+id+"/results", "col", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	recs := decode[[]domain.ResultRecord](t, data)
	require.Len(t, recs, 2)

	res, data = s.do(t, http.MethodPost, "/v1/results/"+recs[0].ID+"/skip", "col", map[string]any{"narrative": "source system down"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, decode[domain.ResultRecord](t, data).Skipped)

	res, _ = s.do(t, http.MethodDelete, "/v1/results/"+recs[1].ID, "col", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = s.do(t, http.MethodGet, "/v1/cycles/"+id, "col", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	view := decode[domain.CycleView](t, data)
	require.Equal(t, 1, view.Counts.Results)
	require.Equal(t, 1, view.Counts.Skipped)
	require.Equal(t, domain.ScopePlanLevel, view.Mode)
}

func withDevLogin(c *AuthConfig) { c.EnableDevLogin = true }

func (s *testServer) doBearer(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/v1/auth/dev/login", "", map[string]any{"actor_id": "ops"})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestDevLoginTokenUsesDatabaseGrants(t *testing.T) {
	s := newTestServer(t, withDevLogin)
	res, data := s.do(t, http.MethodPost, "/v1/auth/dev/login", "", map[string]any{"actor_id": "rev"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token

	res, data = s.doBearer(t, http.MethodGet, "/v1/me?plan_id=plan-1", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	who := decode[WhoAmIResponse](t, data)
	require.Equal(t, "rev", who.ActorID)
	require.Equal(t, "dev_jwt", who.Source)
	require.Equal(t, []string{"reviewer"}, who.Roles)
}

func TestDevTokenCannotAssertAdminToVoid(t *testing.T) {
	s := newTestServer(t, withDevLogin)
	id := s.collectingCycle(t)
	for _, metric := range []string{"m-cap", "m-floor"} {
		res, data := s.do(t, http.MethodPut, "/v1/cycles/"+id+"/results", "col", map[string]any{"metric_id": metric, "numeric_value": 10})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := s.do(t, http.MethodPost, "/v1/cycles/"+id+"/submit", "col", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = s.do(t, http.MethodPost, "/v1/cycles/"+id+"/request-approval", "rev", map[string]any{"report_url": "https://r.example/1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	slots, err := s.Engine.ListSlots(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, slots, 1)

	res, data = s.do(t, http.MethodPost, "/v1/auth/dev/login", "", map[string]any{"actor_id": "ops"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token

	res, data = s.doBearer(t, http.MethodPost, "/v1/approvals/"+slots[0].ID+"/void", token, map[string]any{"reason": "left the firm"})
	requireError(t, res, data, http.StatusForbidden, "forbidden")

	slot, err := s.Engine.GetSlot(context.Background(), slots[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotPending, slot.Status)
}

func TestSignedTokenClaimsAreTrusted(t *testing.T) {
	p, err := authenticateJWT(mustSign(t, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", Issuer: "idp"},
		Roles:            []string{"admin"},
	}), testSecret)
	require.NoError(t, err)
	require.Equal(t, "jwt", p.Source)
	require.Equal(t, []string{"admin"}, p.Roles)

	p, err = authenticateJWT(mustSign(t, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", Issuer: devIssuer},
		Roles:            []string{"admin"},
	}), testSecret)
	require.NoError(t, err)
	require.Equal(t, "dev_jwt", p.Source)
	require.Empty(t, p.Roles)
}

func mustSign(t *testing.T, claims jwtClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

type recordingPublisher struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = channel
	p.messages = append(p.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func TestDispatcherDeliversEachEventOnce(t *testing.T) {
	s := newTestServer(t)

	var mu sync.Mutex
	var delivered []Notification
	var headers []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		delivered = append(delivered, n)
		headers = append(headers, r.Header.Get("X-Cyclegate-Event"))
		mu.Unlock()
	}))
	defer hook.Close()

	pub := &recordingPublisher{}
	d := &Dispatcher{
		Repo:    s.Engine.Repo,
		Service: "cyclegate-test",
		Sinks: []Sink{
			NewWebhookSink(config.WebhookConfig{ID: "h1", URL: hook.URL, Events: []string{events.CycleStarted}}),
			NewRedisSink(pub, "cg.events", nil),
		},
	}
	ctx := context.Background()
	d.DispatchOnce(ctx) // positions both cursors at the head

	s.collectingCycle(t)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	require.Len(t, delivered, 1)
	require.Equal(t, events.CycleStarted, delivered[0].Type)
	require.Equal(t, "cyclegate-test", delivered[0].Service)
	require.Equal(t, []string{events.CycleStarted}, headers)
	mu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, "cg.events", pub.channel)
	require.Len(t, pub.messages, 2) // created + started
	var first Notification
	require.NoError(t, json.Unmarshal(pub.messages[0], &first))
	require.Equal(t, events.CycleCreated, first.Type)
}

func TestSinksFromConfig(t *testing.T) {
	cfg := config.Default("svc")
	disabled := false
	cfg.Webhooks = []config.WebhookConfig{{ID: "a", URL: "http://a"}, {ID: "b", URL: "http://b", Enabled: &disabled}}
	sinks, closeFn, err := SinksFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, closeFn())
	require.Len(t, sinks, 1)
	require.Equal(t, "webhook:a", sinks[0].Name())

	cfg.Notifications.Redis.Enabled = true
	cfg.Notifications.Redis.URL = "redis://localhost:6379/0"
	sinks, closeFn, err = SinksFromConfig(cfg)
	require.NoError(t, err)
	defer closeFn()
	require.Len(t, sinks, 2)
	require.Equal(t, "redis:svc.events", sinks[1].Name())
}
