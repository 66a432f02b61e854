package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
)

type resultPath struct {
	ResultID string `path:"result_id"`
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/results",
		Summary:     "List results of a cycle",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		EntityID string `query:"entity_id"`
	}) (*bodyOf[[]domain.ResultRecord], error) {
		if _, err := authorizeCycle(ctx, e, input.CycleID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		var entity *string
		if input.EntityID != "" {
			entity = &input.EntityID
		}
		items, err := e.ListResults(ctx, input.CycleID, entity)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-result",
		Method:      http.MethodPut,
		Path:        "/cycles/{cycle_id}/results",
		Summary:     "Create or replace the result of one cell",
		Description: "The verdict is recomputed from the locked thresholds; any value sent by the client is ignored.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Body    UpsertResultRequest `json:"body"`
	}) (*bodyOf[domain.ResultRecord], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := authorizeCycle(ctx, e, input.CycleID, auth.PermResultWrite)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		rec, err := e.UpsertResult(ctx, domain.ResultUpsert{
			CycleID:        input.CycleID,
			MetricID:       b.MetricID,
			EntityID:       b.EntityID,
			NumericValue:   b.NumericValue,
			OutcomeValueID: b.OutcomeValueID,
			Narrative:      b.Narrative,
			ActorID:        principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-results",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/results/import",
		Summary:     "Apply result rows one by one through the single-edit path",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CycleID string               `path:"cycle_id"`
		Body    ImportResultsRequest `json:"body"`
	}) (*bodyOf[engine.ImportReport], error) {
		principal, err := authorizeCycle(ctx, e, input.CycleID, auth.PermResultImport)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := e.ImportResults(ctx, input.CycleID, input.Body.Rows, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/results/{result_id}",
		Summary:     "Get one result",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *resultPath) (*bodyOf[domain.ResultRecord], error) {
		if _, err := authorizeResult(ctx, e, input.ResultID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetResult(ctx, input.ResultID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-result",
		Method:      http.MethodPost,
		Path:        "/results/{result_id}/skip",
		Summary:     "Mark a result as skipped with a narrative",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ResultID string            `path:"result_id"`
		Body     SkipResultRequest `json:"body"`
	}) (*bodyOf[domain.ResultRecord], error) {
		principal, err := authorizeResult(ctx, e, input.ResultID, auth.PermResultWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.SetSkipped(ctx, input.ResultID, input.Body.Narrative, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-result",
		Method:        http.MethodDelete,
		Path:          "/results/{result_id}",
		Summary:       "Delete a result",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *resultPath) (*struct{}, error) {
		principal, err := authorizeResult(ctx, e, input.ResultID, auth.PermResultWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteResult(ctx, input.ResultID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
