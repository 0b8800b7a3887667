package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"portline/internal/app"
	"portline/internal/config"
	"portline/internal/domain"
	"portline/internal/engine"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	rt, err := app.Open(cfg, nil)
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   rt.Engine,
		Cleanup:  rt.Cleanup,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		rt.Stop()
	})
	return &testServer{URL: srv.URL, Runtime: rt, client: srv.Client()}
}

func token(t *testing.T, username string, admin bool) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, username, admin, 0)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func (s *testServer) createPort(t *testing.T, owner string, reward float64, delay int) domain.Port {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/admin/ports", map[string]any{
		"owner":             owner,
		"reward":            reward,
		"resolve_delay_sec": delay,
	}, token(t, "root", true))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var p domain.Port
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func TestHealthAndAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, http.MethodGet, "/v0/dashboard", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, _ = srv.do(t, http.MethodGet, "/v0/dashboard", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/me", nil, token(t, "Alice", false))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	require.Equal(t, "alice", who.Username)
	require.False(t, who.Admin)

	res, data = srv.do(t, http.MethodPost, "/v0/admin/ports", map[string]any{"owner": "alice", "reward": 1}, token(t, "alice", false))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	require.Equal(t, "forbidden", decodeError(t, data).Code)
}

func TestResolveStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	alice := token(t, "alice", false)
	delayed := srv.createPort(t, "alice", 1.5, 30)

	res, data := srv.do(t, http.MethodPost, "/v0/ports/"+delayed.ID+"/resolve", nil, alice)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decodeError(t, data)
	require.Equal(t, "invalid_state", body.Code)
	require.Equal(t, domain.StatusAssigned, body.Details["state"])

	res, data = srv.do(t, http.MethodPost, "/v0/ports/scan", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var scan ScanResponse
	require.NoError(t, json.Unmarshal(data, &scan))
	require.Equal(t, 1, scan.Discovered)

	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+delayed.ID+"/resolve", nil, alice)
	require.Equal(t, http.StatusTooEarly, res.StatusCode, string(data))
	body = decodeError(t, data)
	require.Equal(t, "too_early", body.Code)
	require.EqualValues(t, 30, body.Details["seconds_remaining"])

	res, data = srv.do(t, http.MethodGet, "/v0/ports/"+delayed.ID+"/remaining", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+delayed.ID+"/resolve", nil, token(t, "bob", false))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	require.Equal(t, "forbidden", decodeError(t, data).Code)

	res, data = srv.do(t, http.MethodPost, "/v0/ports/missing/resolve", nil, alice)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+delayed.ID+"/archive", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+delayed.ID+"/unarchive", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var result engine.Result
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, domain.StatusDiscovered, result.Port.Status)
}

func TestResolveWithIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	alice := token(t, "alice", false)
	p := srv.createPort(t, "alice", 2.25, 0)
	srv.do(t, http.MethodPost, "/v0/ports/scan", nil, alice)

	headers := map[string]string{"Idempotency-Key": "req-42"}
	for k, v := range alice {
		headers[k] = v
	}
	res, data := srv.do(t, http.MethodPost, "/v0/ports/"+p.ID+"/resolve", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var first engine.Result
	require.NoError(t, json.Unmarshal(data, &first))
	require.True(t, first.OK)
	require.False(t, first.Idempotent)

	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+p.ID+"/resolve", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var second engine.Result
	require.NoError(t, json.Unmarshal(data, &second))
	require.True(t, second.Idempotent)
	require.Equal(t, "already_processed", second.State)
	require.Equal(t, p.ID, second.PortID)

	res, data = srv.do(t, http.MethodPost, "/v0/ports/"+p.ID+"/resolve", nil, alice)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, "invalid_state", decodeError(t, data).Code)
}

func TestWithdrawalAndAdminFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := token(t, "alice", false)
	root := token(t, "root", true)
	p := srv.createPort(t, "alice", 4, 0)
	srv.do(t, http.MethodPost, "/v0/ports/scan", nil, alice)
	res, data := srv.do(t, http.MethodPost, "/v0/ports/"+p.ID+"/resolve", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/withdrawals", map[string]any{"amount": 100}, alice)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, "insufficient_funds", decodeError(t, data).Code)

	res, data = srv.do(t, http.MethodPost, "/v0/withdrawals", map[string]any{"amount": 1.5}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var w domain.WithdrawalRequest
	require.NoError(t, json.Unmarshal(data, &w))
	require.Equal(t, domain.WithdrawalPending, w.Status)

	res, _ = srv.do(t, http.MethodGet, "/v0/admin/withdrawals", nil, alice)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = srv.do(t, http.MethodPost, "/v0/admin/withdrawals/1/status", map[string]any{"status": "approved"}, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v0/dashboard", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var d engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &d))
	require.InDelta(t, 2.5, d.Wallet.AvailableBalance, 0.001)
	require.InDelta(t, 4.0, d.Wallet.TotalEarned, 0.001)

	res, data = srv.do(t, http.MethodGet, "/v0/dashboard?username=alice", nil, token(t, "bob", false))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v0/dashboard?username=Alice", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var own engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &own))
	require.Equal(t, "alice", own.Owner)

	res, data = srv.do(t, http.MethodGet, "/v0/dashboard?username=ALICE", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &own))
	require.InDelta(t, 2.5, own.Wallet.AvailableBalance, 0.001)

	res, data = srv.do(t, http.MethodPost, "/v0/admin/users", map[string]any{"username": "alice"}, root)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodPost, "/v0/admin/users", map[string]any{"username": "ALICE"}, root)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v0/admin/stats", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats engine.AdminStats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Equal(t, []string{"alice"}, stats.Usernames)
	require.Equal(t, 1, stats.Totals.Resolved)

	res, data = srv.do(t, http.MethodPost, "/v0/admin/cleanup", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cr CleanupResponse
	require.NoError(t, json.Unmarshal(data, &cr))
	require.Equal(t, 1, cr.Report.DeletedFileCount)

	res, data = srv.do(t, http.MethodGet, "/v0/dashboard", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &d))
	require.InDelta(t, 2.5, d.Wallet.AvailableBalance, 0.001, "cleanup preserves the balance")

	res, data = srv.do(t, http.MethodPost, "/v0/admin/users/alice/reset-balance", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reset engine.BalanceReset
	require.NoError(t, json.Unmarshal(data, &reset))
	require.Zero(t, reset.Wallet.AvailableBalance)

	res, data = srv.do(t, http.MethodPost, "/v0/admin/wallets/alice/reset", map[string]any{"total_earned": 1}, root)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestSignToken(t *testing.T) {
	_, err := SignToken("", "alice", false, 0)
	require.Error(t, err)
	_, err = SignToken(testSecret, " ", false, 0)
	require.Error(t, err)

	tok, err := SignToken(testSecret, "Alice", true, 0)
	require.NoError(t, err)
	p, err := authenticateJWT(tok, testSecret)
	require.NoError(t, err)
	require.Equal(t, Principal{Username: "alice", Admin: true, Source: "jwt"}, p)

	_, err = authenticateJWT(tok, "other-secret")
	require.Error(t, err)
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := srv.do(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	require.Contains(t, doc.Paths, "/v0/ports/{id}/resolve")
}
