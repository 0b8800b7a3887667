package migrate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portline/internal/domain"
	"portline/internal/migrate"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLegacyPortGetsDefaults(t *testing.T) {
	raw := []byte(`{"id":"p1","owner":"Alice","port_number":"8080","reward":"2.456","status":"discovered"}`)
	p, err := migrate.Port(raw, now)
	require.NoError(t, err)
	require.Equal(t, domain.SchemaVersion, p.SchemaVersion)
	require.Equal(t, "alice", p.Owner)
	require.Equal(t, 8080, p.PortNumber)
	require.InDelta(t, 2.46, p.Reward, 0.0001)
	require.Equal(t, 0, p.ResolveDelaySec)
	require.Equal(t, 1, p.Version)
	require.Equal(t, "2024-01-01T00:00:00Z", p.CreatedAt)
	require.Nil(t, p.ResolveStartedAt)
}

func TestCurrentPortIsUntouched(t *testing.T) {
	raw := []byte(`{"schema_version":1,"id":"p1","owner":"bob","port_number":1,"reward":1.5,"status":"resolved","resolve_delay_sec":3,"created_at":"x","resolved_at":"y","version":7}`)
	p, err := migrate.Port(raw, now)
	require.NoError(t, err)
	require.Equal(t, 7, p.Version)
	require.Equal(t, "y", *p.ResolvedAt)
}

func TestPortRejectsBadDocuments(t *testing.T) {
	for name, raw := range map[string]string{
		"status":  `{"id":"p1","owner":"a","status":"lost"}`,
		"id":      `{"owner":"a","status":"assigned"}`,
		"garbage": `{"id":`,
		"future":  `{"schema_version":99,"id":"p1","status":"assigned"}`,
	} {
		_, err := migrate.Port([]byte(raw), now)
		require.Error(t, err, name)
	}
}

func TestLegacyWithdrawalsUseAmountSar(t *testing.T) {
	raw := []byte(`[{"id":1,"username":"Alice","amount_sar":12.5,"status":"approved","created_at":"t"},{"id":2,"username":"bob","amount":3}]`)
	ws, err := migrate.Withdrawals(raw, now)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	require.Equal(t, "alice", ws[0].Username)
	require.InDelta(t, 12.5, ws[0].Amount, 0.0001)
	require.Equal(t, domain.WithdrawalApproved, ws[0].Status)
	require.Equal(t, domain.WithdrawalPending, ws[1].Status)
	require.Equal(t, domain.SchemaVersion, ws[1].SchemaVersion)
}

func TestUsersKeepsNamesAndAdminFlag(t *testing.T) {
	raw := []byte(`[{"username":"Admin","is_admin":true,"password_hash":"x"},{"username":"carol"},{"username":""}]`)
	users, err := migrate.Users(raw)
	require.NoError(t, err)
	require.Equal(t, []domain.User{{Username: "admin", IsAdmin: true}, {Username: "carol"}}, users)
}

func TestIdempotencyLegacyRecordsAreCompleted(t *testing.T) {
	doc, err := migrate.Idempotency([]byte(`{"keys":{"k1":{"result":{"ok":true},"ts":"t"}}}`))
	require.NoError(t, err)
	require.Equal(t, domain.IdemCompleted, doc.Keys["k1"].Status)
	require.Equal(t, true, doc.Keys["k1"].Result["ok"])
}
