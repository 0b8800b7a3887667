package repo_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portline/internal/domain"
	"portline/internal/repo"
	"portline/internal/store"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	r := repo.New(store.New(nil), store.NewLayout(t.TempDir()), nil)
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestSavePortIncrementsVersion(t *testing.T) {
	r := newRepo(t)
	p := domain.Port{ID: "p1", Owner: "alice", Status: domain.StatusAssigned, CreatedAt: "2024-01-01T00:00:00Z", Version: 1}
	require.NoError(t, r.InsertPort(p))

	got, err := r.GetPort("p1")
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)

	got.Status = domain.StatusDiscovered
	require.NoError(t, r.SavePort(&got))
	require.Equal(t, 2, got.Version)

	again, err := r.GetPort("p1")
	require.NoError(t, err)
	require.Equal(t, 2, again.Version)
	require.Equal(t, domain.StatusDiscovered, again.Status)
}

func TestGetPortNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.GetPort("missing")
	require.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = r.GetPort("../../etc/passwd")
	require.True(t, errors.Is(err, repo.ErrNotFound))

	require.NoError(t, os.MkdirAll(r.Layout.PortsDir(), 0o755))
	require.NoError(t, os.WriteFile(r.Layout.PortFile("bad"), []byte("{"), 0o644))
	_, err = r.GetPort("bad")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestListPortsSkipsCorruptAndFiltersOwner(t *testing.T) {
	r := newRepo(t)
	require.NoError(t, r.InsertPort(domain.Port{ID: "b", Owner: "alice", Status: domain.StatusAssigned, CreatedAt: "2024-01-02T00:00:00Z", Version: 1}))
	require.NoError(t, r.InsertPort(domain.Port{ID: "a", Owner: "bob", Status: domain.StatusAssigned, CreatedAt: "2024-01-01T00:00:00Z", Version: 1}))
	require.NoError(t, os.WriteFile(r.Layout.PortFile("c"), []byte("not json"), 0o644))

	all, err := r.ListPorts()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)

	mine, err := r.ListPortsByOwner("ALICE")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "b", mine[0].ID)

	files, err := r.PortFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)
}

func TestAddUserPreservesForeignFields(t *testing.T) {
	r := newRepo(t)
	require.NoError(t, os.WriteFile(r.Layout.Users(), []byte(`[{"username":"admin","is_admin":true,"password_hash":"h"}]`), 0o644))

	require.NoError(t, r.AddUser(domain.User{Username: "carol"}))
	require.Error(t, r.AddUser(domain.User{Username: "admin"}))

	raw, err := os.ReadFile(r.Layout.Users())
	require.NoError(t, err)
	require.Contains(t, string(raw), "password_hash")
	require.Len(t, r.Users(), 2)
}

func TestWithdrawalsLegacyFile(t *testing.T) {
	r := newRepo(t)
	legacy := filepath.Join(r.Layout.Root, "withdrawls.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`[{"id":1,"username":"alice","amount_sar":5,"status":"approved"}]`), 0o644))

	ws := r.Withdrawals()
	require.Len(t, ws, 1)
	require.InDelta(t, 5.0, ws[0].Amount, 0.001)

	ws = append(ws, domain.WithdrawalRequest{ID: 2, Username: "alice", Amount: 1, Status: domain.WithdrawalPending})
	require.NoError(t, r.SaveWithdrawals(ws))
	require.Len(t, r.Withdrawals(), 2)
	_, err := os.Stat(filepath.Join(r.Layout.Root, "withdrawals.json"))
	require.True(t, os.IsNotExist(err), "writes go to the file that was read")
}

func TestWalletSnapshotRoundTrip(t *testing.T) {
	r := newRepo(t)
	_, ok := r.WalletSnapshot("rayan")
	require.False(t, ok)
	require.NoError(t, r.SaveWalletSnapshot("rayan", domain.WalletSnapshot{AvailableBalance: 3.5, TotalEarned: 10}))
	w, ok := r.WalletSnapshot("Rayan")
	require.True(t, ok)
	require.InDelta(t, 3.5, w.AvailableBalance, 0.001)
}
