package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tableside/internal/domain"
	"tableside/internal/engine"
	"tableside/internal/engine/auth"
	"tableside/internal/repo"
)

var staffErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
	http.StatusServiceUnavailable,
}

type sessionPath struct {
	ID string `path:"id"`
}

type acceptedOutput struct {
	Body AcceptedResponse `json:"body"`
}

func accepted(err error) (*acceptedOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &acceptedOutput{Body: AcceptedResponse{Status: "sent"}}, nil
}

func registerStaff(api huma.API, cfg Config) {
	e := cfg.Engine
	policy := cfg.Auth.Policy

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/staff/sessions",
		Summary:     "List sessions, newest first",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		BranchID string `query:"branch_id"`
		TableID  string `query:"table_id"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSessionsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.SessionFilters{
			Status:   domain.SessionStatus(input.Status),
			BranchID: input.BranchID,
			TableID:  input.TableID,
			Limit:    limit,
		}
		if input.Cursor != "" {
			ts, id, ok := strings.Cut(input.Cursor, "|")
			if !ok || ts == "" || id == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = ts, id
		}
		items, err := e.ListSessions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := SessionListResponse{Items: mapSessions(items)}
		if len(items) == limit {
			last := items[len(items)-1]
			out.NextCursor = repo.FormatTime(last.CreatedAt) + "|" + last.ID
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-get-session",
		Method:      http.MethodGet,
		Path:        "/staff/sessions/{id}",
		Summary:     "Get a session with its history",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSessionsRead); err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionResult(e.Repo.WithHistory(ctx, s))
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/staff/sessions/{id}/end",
		Summary:     "Complete a session on the guest's behalf",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSessionsManage); err != nil {
			return nil, handleError(err)
		}
		return sessionResult(e.EndSession(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "server-call-response",
		Method:      http.MethodPost,
		Path:        "/staff/sessions/{id}/server-call-response",
		Summary:     "Tell the guest a server is coming",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *ServerCallResponseRequest
	}) (*acceptedOutput, error) {
		p, err := requirePermission(ctx, policy, auth.PermSessionsNotify)
		if err != nil {
			return nil, handleError(err)
		}
		msg := ""
		if input.Body != nil {
			msg = input.Body.Message
		}
		return accepted(e.RespondToServerCall(ctx, input.ID, p.StaffID, msg))
	})

	huma.Register(api, huma.Operation{
		OperationID: "bill-ready",
		Method:      http.MethodPost,
		Path:        "/staff/sessions/{id}/bill-ready",
		Summary:     "Tell the guest the bill is ready",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *BillReadyRequest
	}) (*acceptedOutput, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSessionsNotify); err != nil {
			return nil, handleError(err)
		}
		if input.Body != nil && input.Body.Amount != nil {
			amount := toDecimal(*input.Body.Amount)
			return accepted(e.MarkBillReady(ctx, input.ID, &amount))
		}
		return accepted(e.MarkBillReady(ctx, input.ID, nil))
	})

	huma.Register(api, huma.Operation{
		OperationID: "notify-session",
		Method:      http.MethodPost,
		Path:        "/staff/sessions/{id}/notify",
		Summary:     "Push a message to the guest",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body NotifyRequest
	}) (*acceptedOutput, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSessionsNotify); err != nil {
			return nil, handleError(err)
		}
		return accepted(e.NotifyGuest(ctx, input.ID, engine.Message{
			Type:    input.Body.Type,
			Title:   input.Body.Title,
			Message: input.Body.Message,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-status",
		Method:      http.MethodPost,
		Path:        "/staff/orders/{order_id}/status",
		Summary:     "Report a kitchen status change",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Body    OrderStatusRequest
	}) (*acceptedOutput, error) {
		if _, err := requirePermission(ctx, policy, auth.PermOrdersUpdate); err != nil {
			return nil, handleError(err)
		}
		return accepted(e.UpdateOrderStatus(ctx, input.OrderID, input.Body.Status))
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/staff/sweeps/{name}/run",
		Summary:     "Run a maintenance sweep now",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" enum:"expire,abandon,warnings,purge"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, policy, auth.PermSweepsRun); err != nil {
			return nil, handleError(err)
		}
		if cfg.Scheduler == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "scheduler not configured", nil)
		}
		res, err := cfg.Scheduler.Run(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: mapSweep(res)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
