package cyclegatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cyclegate/internal/domain"
	"cyclegate/internal/grid"
)

var _ grid.ResultWriter = (*Client)(nil)

func newClient(srv *httptest.Server) *Client {
	c := New(srv.URL)
	c.ActorID = "col"
	c.RetryMaxElapsed = 5 * time.Second
	return c
}

func writeEnvelope(w http.ResponseWriter, status int, code string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": code, "details": details},
	})
}

func TestUpsertResultSendsOnlySetFields(t *testing.T) {
	var got map[string]any
	var path, actor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, actor = r.URL.Path, r.Header.Get("X-Actor-Id")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		red := domain.VerdictRed
		_ = json.NewEncoder(w).Encode(domain.ResultRecord{ID: "r-1", CycleID: "c-1", MetricID: "m-cap", Verdict: &red})
	}))
	defer srv.Close()

	v := 130.0
	rec, err := newClient(srv).UpsertResult(context.Background(), domain.ResultUpsert{CycleID: "c-1", MetricID: "m-cap", NumericValue: &v})
	require.NoError(t, err)
	require.Equal(t, "/v1/cycles/c-1/results", path)
	require.Equal(t, "col", actor)
	require.Equal(t, map[string]any{"metric_id": "m-cap", "numeric_value": 130.0}, got)
	require.Equal(t, domain.VerdictRed, *rec.Verdict)
}

func TestRequestApprovalReturnsBreaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnprocessableEntity, "unresolved_breaches", map[string]any{
			"cycle_id": "c-1",
			"breaches": []map[string]any{{"result_id": "r-1", "metric_id": "m-cap", "metric_name": "Override rate"}},
		})
	}))
	defer srv.Close()

	_, err := newClient(srv).RequestApproval(context.Background(), "c-1", "")
	var breach *BreachError
	require.ErrorAs(t, err, &breach)
	require.Equal(t, "c-1", breach.CycleID)
	require.Len(t, breach.Breaches, 1)
	require.Equal(t, "Override rate", breach.Breaches[0].MetricName)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusConflict, "stale_state", map[string]any{"status": "approved"})
	}))
	defer srv.Close()

	_, err := newClient(srv).GetCycle(context.Background(), "c-1")
	require.True(t, IsStale(err))
	require.Equal(t, int32(1), calls.Load())

	_, err = newClient(srv).SubmitCycle(context.Background(), "c-1")
	require.True(t, IsStale(err))
	require.Equal(t, int32(2), calls.Load())
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeEnvelope(w, http.StatusInternalServerError, "internal_error", nil)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.CycleView{Cycle: domain.Cycle{ID: "c-1", Status: domain.CycleStatusUnderReview}})
	}))
	defer srv.Close()

	view, err := newClient(srv).GetCycle(context.Background(), "c-1")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusUnderReview, view.Status)
	require.Equal(t, int32(3), calls.Load())
}

func TestWritesDoNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusInternalServerError, "internal_error", nil)
	}))
	defer srv.Close()

	_, err := newClient(srv).ApproveSlot(context.Background(), "s-1", "", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "internal_error", apiErr.Code)
	require.Equal(t, int32(1), calls.Load())
}

func TestValidationAndNotFoundHelpers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			writeEnvelope(w, http.StatusNotFound, "not_found", nil)
			return
		}
		writeEnvelope(w, http.StatusUnprocessableEntity, "validation_failed", map[string]any{"field": "reason", "code": "required"})
	}))
	defer srv.Close()

	c := newClient(srv)
	_, err := c.HoldCycle(context.Background(), "c-1", "")
	field, ok := IsValidation(err)
	require.True(t, ok)
	require.Equal(t, "reason", field)

	require.True(t, IsNotFound(c.DeleteResult(context.Background(), "r-1")))
}

func TestEventsQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":7,"type":"cycle.approved"}],"next_cursor":"7"}`))
	}))
	defer srv.Close()

	page, err := newClient(srv).Events(context.Background(), EventQuery{CycleID: "c-1", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, "cycle_id=c-1&limit=1", query)
	require.Len(t, page.Items, 1)
	require.Equal(t, "7", page.NextCursor)
}
