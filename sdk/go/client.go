package cyclegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
)

const defaultRetryMaxElapsed = 15 * time.Second

// Client is a cyclegate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when neither token nor key is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RetryMaxElapsed bounds retries of transient failures. Zero uses the
	// default; a negative value disables retries.
	RetryMaxElapsed time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BreachError is returned when an approval request is refused because RED
// results still lack a narrative.
type BreachError struct {
	CycleID  string
	Breaches []domain.Breach
	API      *APIError
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("cycle %s has %d unjustified breach(es)", e.CycleID, len(e.Breaches))
}

func (e *BreachError) Unwrap() error { return e.API }

// IsStale reports whether err means the caller's view of a cycle or slot is
// out of date.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_state"
}

// IsValidation reports whether err is a field-level rejection and returns
// the offending field.
func IsValidation(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "validation_failed" {
		return "", false
	}
	field, _ := apiErr.Details["field"].(string)
	return field, true
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items []struct {
		ID         int64          `json:"id"`
		TS         string         `json:"ts"`
		Type       string         `json:"type"`
		CycleID    string         `json:"cycle_id"`
		EntityKind string         `json:"entity_kind"`
		EntityID   string         `json:"entity_id"`
		ActorID    string         `json:"actor_id"`
		Payload    map[string]any `json:"payload"`
	} `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// EventQuery narrows an event listing.
type EventQuery struct {
	CycleID    string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// WhoAmI describes the authenticated principal.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	PlanID      string   `json:"plan_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// CreateCycle opens a cycle in pending status.
func (c *Client) CreateCycle(ctx context.Context, in engine.CreateCycleInput) (domain.CycleView, error) {
	body := map[string]any{
		"plan_id":      in.PlanID,
		"period_start": in.PeriodStart,
		"period_end":   in.PeriodEnd,
	}
	if in.ID != "" {
		body["id"] = in.ID
	}
	if in.SubmissionDue != "" {
		body["submission_due"] = in.SubmissionDue
	}
	if in.ReportDue != "" {
		body["report_due"] = in.ReportDue
	}
	var resp domain.CycleView
	err := c.do(ctx, http.MethodPost, "cycles", body, &resp)
	return resp, err
}

// GetCycle fetches a cycle with counts and quorum.
func (c *Client) GetCycle(ctx context.Context, id string) (domain.CycleView, error) {
	var resp domain.CycleView
	err := c.do(ctx, http.MethodGet, "cycles/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCycles returns the cycles of a plan, optionally filtered by status.
func (c *Client) ListCycles(ctx context.Context, planID, status string) ([]domain.CycleView, error) {
	endpoint := fmt.Sprintf("plans/%s/cycles", url.PathEscape(planID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []domain.CycleView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) StartCycle(ctx context.Context, id string) (domain.CycleView, error) {
	return c.cycleVerb(ctx, id, "start", nil)
}

func (c *Client) SubmitCycle(ctx context.Context, id string) (domain.CycleView, error) {
	return c.cycleVerb(ctx, id, "submit", nil)
}

func (c *Client) HoldCycle(ctx context.Context, id, reason string) (domain.CycleView, error) {
	return c.cycleVerb(ctx, id, "hold", map[string]any{"reason": reason})
}

func (c *Client) ResumeCycle(ctx context.Context, id string) (domain.CycleView, error) {
	return c.cycleVerb(ctx, id, "resume", nil)
}

func (c *Client) CancelCycle(ctx context.Context, id, reason string) (domain.CycleView, error) {
	return c.cycleVerb(ctx, id, "cancel", map[string]any{"reason": reason})
}

// RequestApproval asks for sign-off. A *BreachError lists the RED results
// that still need a narrative.
func (c *Client) RequestApproval(ctx context.Context, id, reportURL string) (domain.CycleView, error) {
	var body any
	if reportURL != "" {
		body = map[string]any{"report_url": reportURL}
	}
	return c.cycleVerb(ctx, id, "request-approval", body)
}

func (c *Client) cycleVerb(ctx context.Context, id, verb string, body any) (domain.CycleView, error) {
	var resp domain.CycleView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("cycles/%s/%s", url.PathEscape(id), verb), body, &resp)
	return resp, err
}

// Breaches lists RED results without a narrative.
func (c *Client) Breaches(ctx context.Context, cycleID string) ([]domain.Breach, error) {
	var resp []domain.Breach
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cycles/%s/breaches", url.PathEscape(cycleID)), nil, &resp)
	return resp, err
}

// SnapshotMetrics lists the metric definitions locked for a cycle.
func (c *Client) SnapshotMetrics(ctx context.Context, cycleID string) ([]domain.MetricDefinition, error) {
	var resp []domain.MetricDefinition
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cycles/%s/metrics", url.PathEscape(cycleID)), nil, &resp)
	return resp, err
}

// UpsertResult writes one cell. The returned record carries the verdict the
// server computed.
func (c *Client) UpsertResult(ctx context.Context, in domain.ResultUpsert) (domain.ResultRecord, error) {
	body := map[string]any{"metric_id": in.MetricID}
	if in.EntityID != nil {
		body["entity_id"] = *in.EntityID
	}
	if in.NumericValue != nil {
		body["numeric_value"] = *in.NumericValue
	}
	if in.OutcomeValueID != nil {
		body["outcome_value_id"] = *in.OutcomeValueID
	}
	if in.Narrative != nil {
		body["narrative"] = *in.Narrative
	}
	var resp domain.ResultRecord
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("cycles/%s/results", url.PathEscape(in.CycleID)), body, &resp)
	return resp, err
}

// ListResults returns the results of a cycle.
func (c *Client) ListResults(ctx context.Context, cycleID string) ([]domain.ResultRecord, error) {
	var resp []domain.ResultRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cycles/%s/results", url.PathEscape(cycleID)), nil, &resp)
	return resp, err
}

// ImportResults applies rows through the single-edit path on the server.
func (c *Client) ImportResults(ctx context.Context, cycleID string, rows []engine.ImportRow) (engine.ImportReport, error) {
	var resp engine.ImportReport
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("cycles/%s/results/import", url.PathEscape(cycleID)), map[string]any{"rows": rows}, &resp)
	return resp, err
}

func (c *Client) SkipResult(ctx context.Context, resultID, narrative string) (domain.ResultRecord, error) {
	var resp domain.ResultRecord
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("results/%s/skip", url.PathEscape(resultID)), map[string]any{"narrative": narrative}, &resp)
	return resp, err
}

func (c *Client) DeleteResult(ctx context.Context, resultID string) error {
	return c.do(ctx, http.MethodDelete, "results/"+url.PathEscape(resultID), nil, nil)
}

// Approvals lists the slots of a cycle.
func (c *Client) Approvals(ctx context.Context, cycleID string) ([]domain.ApprovalSlot, error) {
	var resp []domain.ApprovalSlot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cycles/%s/approvals", url.PathEscape(cycleID)), nil, &resp)
	return resp, err
}

func (c *Client) ApproveSlot(ctx context.Context, slotID, comments, evidence string) (engine.SlotOutcome, error) {
	body := map[string]any{}
	if comments != "" {
		body["comments"] = comments
	}
	if evidence != "" {
		body["evidence"] = evidence
	}
	return c.slotVerb(ctx, slotID, "approve", body)
}

func (c *Client) RejectSlot(ctx context.Context, slotID, comments string) (engine.SlotOutcome, error) {
	return c.slotVerb(ctx, slotID, "reject", map[string]any{"comments": comments})
}

func (c *Client) VoidSlot(ctx context.Context, slotID, reason string) (engine.SlotOutcome, error) {
	return c.slotVerb(ctx, slotID, "void", map[string]any{"reason": reason})
}

func (c *Client) slotVerb(ctx context.Context, slotID, verb string, body any) (engine.SlotOutcome, error) {
	var resp engine.SlotOutcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/%s", url.PathEscape(slotID), verb), body, &resp)
	return resp, err
}

// SlotHistory returns decisions archived from earlier rounds.
func (c *Client) SlotHistory(ctx context.Context, slotID string) ([]domain.SlotDecision, error) {
	var resp []domain.SlotDecision
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("approvals/%s/history", url.PathEscape(slotID)), nil, &resp)
	return resp, err
}

// Events returns a page of events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	for key, val := range map[string]string{
		"cycle_id":    q.CycleID,
		"type":        q.Type,
		"entity_kind": q.EntityKind,
		"entity_id":   q.EntityID,
		"cursor":      q.Cursor,
	} {
		if val != "" {
			params.Set(key, val)
		}
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the authenticated principal and its permissions on a plan.
func (c *Client) Me(ctx context.Context, planID string) (WhoAmI, error) {
	endpoint := "me"
	if planID != "" {
		endpoint += "?plan_id=" + url.QueryEscape(planID)
	}
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// do sends one request. Reads are retried on network errors and 5xx;
// writes are retried only when the request never reached the server.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	idempotent := method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		switch {
		case c.BearerToken != "":
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		case c.APIKey != "":
			req.Header.Set("X-Api-Key", c.APIKey)
		case c.ActorID != "":
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			apiErr := decodeError(resp.StatusCode, b)
			if resp.StatusCode >= 500 && idempotent {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}

	var err error
	if c.RetryMaxElapsed < 0 {
		err = op()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = defaultRetryMaxElapsed
		if c.RetryMaxElapsed > 0 {
			bo.MaxElapsedTime = c.RetryMaxElapsed
		}
		err = backoff.Retry(op, backoff.WithContext(bo, ctx))
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return typedError(err)
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func typedError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "unresolved_breaches" {
		return err
	}
	out := &BreachError{API: apiErr}
	out.CycleID, _ = apiErr.Details["cycle_id"].(string)
	if raw, ok := apiErr.Details["breaches"]; ok {
		if data, mErr := json.Marshal(raw); mErr == nil {
			_ = json.Unmarshal(data, &out.Breaches)
		}
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
