package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/repo"
)

type bodyOf[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOf[T] {
	return &bodyOf[T]{Body: v}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type cyclePath struct {
	CycleID string `path:"cycle_id"`
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List monitoring plans",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOf[[]domain.Plan], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPlans(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Plan with live metrics, entities and approvers",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*bodyOf[engine.PlanDetail], error) {
		if _, err := authorize(ctx, e, input.PlanID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/cycles",
		Summary:     "List cycles of a plan",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		Status string `query:"status" enum:"pending,data_collection,under_review,pending_approval,approved,on_hold,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*bodyOf[[]domain.CycleView], error) {
		if _, err := authorize(ctx, e, input.PlanID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListCycles(ctx, repo.CycleFilters{PlanID: input.PlanID, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outcome-values",
		Method:      http.MethodGet,
		Path:        "/outcome-values",
		Summary:     "Qualitative outcome vocabulary",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOf[[]domain.OutcomeValue], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOutcomeValues(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

// cycleTransition registers a POST /cycles/{cycle_id}/<verb> operation.
func cycleTransition[In any](api huma.API, e engine.Engine, verb, summary, perm string, run func(ctx context.Context, cycleID, actorID string, in *In) (domain.CycleView, error)) {
	huma.Register(api, huma.Operation{
		OperationID: verb + "-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/" + verb,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Body    *In    `json:"body,omitempty" required:"false"`
	}) (*bodyOf[domain.CycleView], error) {
		principal, err := authorizeCycle(ctx, e, input.CycleID, perm)
		if err != nil {
			return nil, handleError(err)
		}
		in := input.Body
		if in == nil {
			in = new(In)
		}
		view, err := run(ctx, input.CycleID, principal.ActorID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})
}

type noBody struct{}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create a cycle in pending status",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*bodyOf[domain.CycleView], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.PlanID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "plan_id is required", nil)
		}
		principal, err := authorize(ctx, e, input.Body.PlanID, auth.PermCycleCreate)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		view, err := e.CreateCycle(ctx, engine.CreateCycleInput{
			ID:            b.ID,
			PlanID:        b.PlanID,
			PeriodStart:   b.PeriodStart,
			PeriodEnd:     b.PeriodEnd,
			SubmissionDue: b.SubmissionDue,
			ReportDue:     b.ReportDue,
			ActorID:       principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Cycle with counts, scoping mode and quorum",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cyclePath) (*bodyOf[domain.CycleView], error) {
		if _, err := authorizeCycle(ctx, e, input.CycleID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	cycleTransition(api, e, "start", "Lock the metric snapshot and open data collection", auth.PermCycleStart,
		func(ctx context.Context, id, actor string, _ *noBody) (domain.CycleView, error) {
			return e.StartCycle(ctx, id, actor)
		})
	cycleTransition(api, e, "submit", "Close data collection for review", auth.PermCycleSubmit,
		func(ctx context.Context, id, actor string, _ *noBody) (domain.CycleView, error) {
			return e.SubmitCycle(ctx, id, actor)
		})
	cycleTransition(api, e, "hold", "Put the cycle on hold", auth.PermCycleHold,
		func(ctx context.Context, id, actor string, in *ReasonRequest) (domain.CycleView, error) {
			return e.HoldCycle(ctx, id, in.Reason, actor)
		})
	cycleTransition(api, e, "resume", "Resume a held cycle", auth.PermCycleHold,
		func(ctx context.Context, id, actor string, _ *noBody) (domain.CycleView, error) {
			return e.ResumeCycle(ctx, id, actor)
		})
	cycleTransition(api, e, "cancel", "Cancel the cycle", auth.PermCycleCancel,
		func(ctx context.Context, id, actor string, in *ReasonRequest) (domain.CycleView, error) {
			return e.CancelCycle(ctx, id, in.Reason, actor)
		})
	cycleTransition(api, e, "request-approval", "Request sign-off; refused while breaches lack a narrative", auth.PermRequestApproval,
		func(ctx context.Context, id, actor string, in *RequestApprovalRequest) (domain.CycleView, error) {
			return e.RequestApproval(ctx, engine.RequestApprovalInput{CycleID: id, ReportURL: in.ReportURL, ActorID: actor})
		})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycle-metrics",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/metrics",
		Summary:     "Metric definitions locked for the cycle",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *cyclePath) (*bodyOf[[]domain.MetricDefinition], error) {
		if _, err := authorizeCycle(ctx, e, input.CycleID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSnapshotMetrics(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-breaches",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/breaches",
		Summary:     "RED results that still need a narrative",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cyclePath) (*bodyOf[[]domain.Breach], error) {
		if _, err := authorizeCycle(ctx, e, input.CycleID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.FindUnjustifiedBreaches(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}
