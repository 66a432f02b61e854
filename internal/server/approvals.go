package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/repo"
)

type slotPath struct {
	SlotID string `path:"slot_id"`
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/approvals",
		Summary:     "Approval slots of a cycle",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cyclePath) (*bodyOf[[]domain.ApprovalSlot], error) {
		if _, err := authorizeCycle(ctx, e, input.CycleID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSlots(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-slot",
		Method:      http.MethodPost,
		Path:        "/approvals/{slot_id}/approve",
		Summary:     "Approve a slot",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SlotID string              `path:"slot_id"`
		Body   *ApproveSlotRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOf[engine.SlotOutcome], error) {
		principal, err := authorizeSlot(ctx, e, input.SlotID, auth.PermApprovalDecide)
		if err != nil {
			return nil, handleError(err)
		}
		var body ApproveSlotRequest
		if input.Body != nil {
			body = *input.Body
		}
		out, err := e.ApproveSlot(ctx, engine.ApproveSlotInput{
			SlotID:   input.SlotID,
			ActorID:  principal.ActorID,
			Comments: body.Comments,
			Evidence: body.Evidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-slot",
		Method:      http.MethodPost,
		Path:        "/approvals/{slot_id}/reject",
		Summary:     "Reject a slot and return the cycle to review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SlotID string            `path:"slot_id"`
		Body   RejectSlotRequest `json:"body"`
	}) (*bodyOf[engine.SlotOutcome], error) {
		principal, err := authorizeSlot(ctx, e, input.SlotID, auth.PermApprovalDecide)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.RejectSlot(ctx, engine.RejectSlotInput{SlotID: input.SlotID, ActorID: principal.ActorID, Comments: input.Body.Comments})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-slot",
		Method:      http.MethodPost,
		Path:        "/approvals/{slot_id}/void",
		Summary:     "Void a slot (administrators only, irreversible)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SlotID string          `path:"slot_id"`
		Body   VoidSlotRequest `json:"body"`
	}) (*bodyOf[engine.SlotOutcome], error) {
		principal, err := authorizeSlot(ctx, e, input.SlotID, auth.PermApprovalVoid)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.VoidSlot(ctx, engine.VoidSlotInput{
			SlotID:        input.SlotID,
			ActorID:       principal.ActorID,
			Reason:        input.Body.Reason,
			AssertedRoles: principal.Roles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "slot-history",
		Method:      http.MethodGet,
		Path:        "/approvals/{slot_id}/history",
		Summary:     "Decisions retained from earlier approval rounds",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *slotPath) (*bodyOf[[]domain.SlotDecision], error) {
		if _, err := authorizeSlot(ctx, e, input.SlotID, auth.PermCycleRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.SlotHistory(ctx, input.SlotID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID    string `query:"cycle_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"plan,cycle,result,approval_slot"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOf[paginatedEvents], error) {
		var err error
		if input.CycleID != "" {
			_, err = authorizeCycle(ctx, e, input.CycleID, auth.PermEventsRead)
		} else {
			_, err = authorize(ctx, e, "*", auth.PermEventsRead)
		}
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, repo.EventFilters{
			CycleID:    input.CycleID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		PlanID string `query:"plan_id" default:"*"`
	}) (*bodyOf[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, perms := principal.Roles, principal.Permissions
		if len(perms) == 0 {
			var err error
			if roles, err = e.Auth.ActorRoles(ctx, nil, input.PlanID, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
			if perms, err = e.Auth.ActorPermissions(ctx, nil, input.PlanID, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			PlanID:      input.PlanID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT naming an actor; grants come from the database",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOf[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "dev login needs a JWT secret", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}
