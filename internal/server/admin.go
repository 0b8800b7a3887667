package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"portline/internal/cleanup"
	"portline/internal/domain"
	"portline/internal/engine"
)

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerWithdrawals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-withdrawal",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Request a withdrawal",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Key  string                `header:"Idempotency-Key"`
		Body WithdrawalRequestBody `json:"body"`
	}) (*struct {
		Body domain.WithdrawalRequest `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RequestWithdrawal(ctx, engine.WithdrawalOptions{Owner: p.Username, Amount: input.Body.Amount, Key: input.Key})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WithdrawalRequest `json:"body"`
		}{Body: w}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine, svc *cleanup.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-port",
		Method:        http.MethodPost,
		Path:          "/admin/ports",
		Summary:       "Issue one port",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePortRequest `json:"body"`
	}) (*struct {
		Body domain.Port `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePort(ctx, engine.PortCreateOptions{
			Owner:           input.Body.Owner,
			PortNumber:      input.Body.PortNumber,
			Reward:          input.Body.Reward,
			ResolveDelaySec: input.Body.ResolveDelaySec,
			ActorID:         admin.Username,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Port `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-ports",
		Method:        http.MethodPost,
		Path:          "/admin/ports/assign",
		Summary:       "Issue ports with random reward, delay and label",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignPortsRequest `json:"body"`
	}) (*struct {
		Body AssignPortsResponse `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ports, err := e.AssignPorts(ctx, engine.AssignOptions{
			Owner:     input.Body.Owner,
			Count:     input.Body.Count,
			RewardMin: input.Body.RewardMin,
			RewardMax: input.Body.RewardMax,
			DelayMin:  input.Body.DelayMin,
			DelayMax:  input.Body.DelayMax,
			ActorID:   admin.Username,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignPortsResponse `json:"body"`
		}{Body: AssignPortsResponse{Items: nonNilSlice(ports)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-stats",
		Method:      http.MethodGet,
		Path:        "/admin/stats",
		Summary:     "Port totals across users",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.AdminStats `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		stats, err := e.AdminStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AdminStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-cleanup",
		Method:      http.MethodPost,
		Path:        "/admin/cleanup",
		Summary:     "Snapshot balances and purge port files",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if svc == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "cleanup_unavailable", "cleanup is not configured", nil)
		}
		report, err := svc.RunNow(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CleanupResponse{Report: report}
		if next, ok := svc.NextRun(); ok {
			resp.NextRun = next.UTC().Format(time.RFC3339)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-wallet",
		Method:      http.MethodPost,
		Path:        "/admin/wallets/{username}/reset",
		Summary:     "Force the reconciled wallet to a baseline",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Username string             `path:"username"`
		Body     WalletResetRequest `json:"body"`
	}) (*struct {
		Body domain.WalletSnapshot `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Wallet.Applies(input.Username) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is not the reconciled account", map[string]any{"username": input.Username})
		}
		w, err := e.ResetWallet(ctx, input.Username, input.Body.TotalEarned, admin.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WalletSnapshot `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-balance",
		Method:      http.MethodPost,
		Path:        "/admin/users/{username}/reset-balance",
		Summary:     "Zero a user's available balance",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
	}) (*struct {
		Body engine.BalanceReset `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.ResetBalance(ctx, input.Username, admin.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BalanceReset `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/admin/withdrawals",
		Summary:     "Withdrawals grouped by status",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.WithdrawalGroups `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body engine.WithdrawalGroups `json:"body"`
		}{Body: e.ListWithdrawals()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-withdrawal-status",
		Method:      http.MethodPost,
		Path:        "/admin/withdrawals/{id}/status",
		Summary:     "Approve or reject a withdrawal",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   int                     `path:"id"`
		Body WithdrawalStatusRequest `json:"body"`
	}) (*struct {
		Body domain.WithdrawalRequest `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SetWithdrawalStatus(ctx, input.ID, input.Body.Status, admin.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WithdrawalRequest `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/admin/users",
		Summary:     "Registered users",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UsersResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body UsersResponse `json:"body"`
		}{Body: UsersResponse{Items: nonNilSlice(e.ListUsers())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/admin/users",
		Summary:       "Register a user",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUser(ctx, input.Body.Username, input.Body.IsAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
