package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"portline/internal/domain"
	"portline/internal/engine"
)

var portErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooEarly,
	http.StatusServiceUnavailable,
}

type portPath struct {
	ID string `path:"id"`
}

type resultOutput struct {
	Body ResultResponse `json:"body"`
}

// outcome turns an engine call into a response, mapping non-OK results to errors.
func outcome(res engine.Result, err error) (*resultOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	if !res.OK {
		return nil, resultError(res)
	}
	return &resultOutput{Body: res}, nil
}

func registerPorts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-ports",
		Method:      http.MethodPost,
		Path:        "/ports/scan",
		Summary:     "Discover every assigned port of the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Scan(ctx, p.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Discovered: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-port",
		Method:      http.MethodPost,
		Path:        "/ports/{id}/resolve",
		Summary:     "Resolve a discovered port",
		Description: "The first call arms the port's resolve delay. Send an Idempotency-Key to make retries safe.",
		Errors:      portErrors,
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Key string `header:"Idempotency-Key"`
	}) (*resultOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return outcome(e.Resolve(ctx, p.Username, input.ID, input.Key))
	})

	huma.Register(api, huma.Operation{
		OperationID: "port-remaining",
		Method:      http.MethodGet,
		Path:        "/ports/{id}/remaining",
		Summary:     "Seconds until a port can be resolved",
		Errors:      portErrors,
	}, func(ctx context.Context, input *portPath) (*resultOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return outcome(e.Remaining(ctx, p.Username, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-port",
		Method:      http.MethodPost,
		Path:        "/ports/{id}/archive",
		Summary:     "Archive a port",
		Errors:      portErrors,
	}, func(ctx context.Context, input *portPath) (*resultOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return outcome(e.Archive(ctx, p.Username, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-port",
		Method:      http.MethodPost,
		Path:        "/ports/{id}/unarchive",
		Summary:     "Return an archived port to discovered",
		Errors:      portErrors,
	}, func(ctx context.Context, input *portPath) (*resultOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return outcome(e.Unarchive(ctx, p.Username, input.ID))
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Ports grouped by state with the caller's wallet",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Username string `query:"username" doc:"Admins may view another user's dashboard"`
	}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := p.Username
		if asked := domain.NormalizeUsername(input.Username); asked != "" && asked != p.Username {
			if !p.Admin {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "admin access required", nil)
			}
			owner = asked
		}
		d, err := e.Dashboard(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}
