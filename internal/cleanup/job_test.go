package cleanup_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portline/internal/cleanup"
	"portline/internal/domain"
	"portline/internal/engine"
	"portline/internal/events"
	"portline/internal/lease"
	"portline/internal/repo"
	"portline/internal/store"
	"portline/internal/wallet"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newJob(t *testing.T) (*cleanup.Job, repo.Repo) {
	t.Helper()
	layout := store.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureWorkspace())
	s := store.New(nil)
	r := repo.New(s, layout, nil)
	now := func() time.Time { return fixedNow }
	r.Now = now
	audit := events.NewWriter(s, &lease.Manager{Dir: layout.LocksDir()}, layout.AuditLog())
	audit.Now = now
	return &cleanup.Job{Repo: r, Audit: audit, Now: now}, r
}

func insert(t *testing.T, r repo.Repo, id, owner, status string, reward float64) {
	t.Helper()
	require.NoError(t, r.InsertPort(domain.Port{
		SchemaVersion: domain.SchemaVersion,
		ID:            id,
		Owner:         owner,
		PortNumber:    8080,
		Reward:        reward,
		Status:        status,
		CreatedAt:     fixedNow.Format(time.RFC3339Nano),
		Version:       1,
	}))
}

func seed(t *testing.T, r repo.Repo) {
	t.Helper()
	require.NoError(t, r.AddUser(domain.User{Username: "alice"}))
	require.NoError(t, r.AddUser(domain.User{Username: "root", IsAdmin: true}))
	insert(t, r, "a1", "alice", domain.StatusResolved, 3.00)
	insert(t, r, "a2", "alice", domain.StatusResolved, 2.00)
	insert(t, r, "a3", "alice", domain.StatusAssigned, 1.00)
	insert(t, r, "b1", "bob", domain.StatusResolved, 1.25)
	insert(t, r, "r1", "root", domain.StatusResolved, 9.00)
	require.NoError(t, r.SaveWithdrawals([]domain.WithdrawalRequest{
		{ID: 1, Username: "alice", Amount: 1.50, Status: domain.WithdrawalApproved},
		{ID: 2, Username: "alice", Amount: 0.50, Status: domain.WithdrawalPending},
	}))
}

func available(t *testing.T, r repo.Repo, owner string) float64 {
	t.Helper()
	ports, err := r.ListPortsByOwner(owner)
	require.NoError(t, err)
	return wallet.Compute(ports, r.Withdrawals(), owner).AvailableBalance
}

func TestRunCarriesBalancesForward(t *testing.T) {
	job, r := newJob(t)
	seed(t, r)
	require.InDelta(t, 3.50, available(t, r, "alice"), 0.001)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, report.DeletedFileCount)
	require.Equal(t, []string{"alice", "bob"}, report.AffectedUsernames)

	require.InDelta(t, 3.50, available(t, r, "alice"), 0.001)
	require.InDelta(t, 1.25, available(t, r, "bob"), 0.001)

	ports, err := r.ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	rewards := map[string]float64{}
	for _, p := range ports {
		require.True(t, p.IsLedger)
		require.Equal(t, domain.StatusResolved, p.Status)
		require.Equal(t, domain.LedgerPortNumber, p.PortNumber)
		rewards[p.Owner] = p.Reward
	}
	require.InDelta(t, 5.00, rewards["alice"], 0.001)
	require.InDelta(t, 1.25, rewards["bob"], 0.001)

	snap := store.ReadJSON(r.Store, r.Layout.LatestLedgerSnapshot(), domain.LedgerSnapshot{})
	require.Equal(t, domain.SchemaVersion, snap.SchemaVersion)
	require.InDelta(t, 3.50, snap.Users["alice"].AvailablePre, 0.001)
	require.InDelta(t, 1.50, snap.Users["alice"].ApprovedSum, 0.001)
	require.InDelta(t, 5.00, snap.Users["alice"].ResolvedTotalPre, 0.001)
	require.NotContains(t, snap.Users, "root")
	require.True(t, r.Store.Exists(r.Layout.DatedLedgerSnapshot("20240101T000000Z")))

	require.False(t, r.Store.Exists(r.Layout.CleanupManifest()))
	staged, err := r.Store.List(r.Layout.StagingDir(), "*")
	require.NoError(t, err)
	require.Empty(t, staged)

	evts := job.Audit.Tail(1)
	require.Len(t, evts, 1)
	require.Equal(t, "cleanup.run", evts[0].Type)
}

func TestRunTwiceIsStable(t *testing.T) {
	job, r := newJob(t)
	seed(t, r)
	_, err := job.Run(context.Background())
	require.NoError(t, err)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.DeletedFileCount)
	require.InDelta(t, 3.50, available(t, r, "alice"), 0.001)
	require.InDelta(t, 1.25, available(t, r, "bob"), 0.001)
}

func TestRecoverRollsForwardCommittedRun(t *testing.T) {
	job, r := newJob(t)
	insert(t, r, "old", "alice", domain.StatusResolved, 4.00)

	ledger := engine.NewLedgerPort("alice", 4.00, fixedNow.Format(time.RFC3339Nano), "test")
	require.NoError(t, r.StagePort(ledger))
	require.NoError(t, r.Store.Write(r.Layout.CleanupManifest(), domain.CleanupManifest{
		SchemaVersion: domain.SchemaVersion,
		TS:            fixedNow.Format(time.RFC3339Nano),
		Staged:        []string{ledger.ID},
	}))

	require.NoError(t, job.Recover(context.Background()))

	ports, err := r.ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	require.Equal(t, ledger.ID, ports[0].ID)
	require.False(t, r.Store.Exists(r.Layout.CleanupManifest()))
	require.InDelta(t, 4.00, available(t, r, "alice"), 0.001)
}

func TestStagedPortsWithoutManifestAreDiscarded(t *testing.T) {
	job, r := newJob(t)
	insert(t, r, "keep", "alice", domain.StatusResolved, 2.00)
	require.NoError(t, r.StagePort(engine.NewLedgerPort("alice", 7.00, fixedNow.Format(time.RFC3339Nano), "orphan")))

	require.NoError(t, job.Recover(context.Background()))
	ports, err := r.ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 1, "without a manifest nothing is committed")

	_, err = job.Run(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 2.00, available(t, r, "alice"), 0.001)
}

func TestServiceStartStop(t *testing.T) {
	job, _ := newJob(t)
	svc := &cleanup.Service{Job: job, Schedule: "@every 1h"}
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	require.True(t, svc.Running())
	next, ok := svc.NextRun()
	require.True(t, ok)
	require.False(t, next.IsZero())

	svc.Stop()
	svc.Stop()
	require.False(t, svc.Running())

	bad := &cleanup.Service{Job: job, Schedule: "not a schedule"}
	require.Error(t, bad.Start(ctx))
	require.False(t, bad.Running())
}

func TestServiceRunNow(t *testing.T) {
	job, r := newJob(t)
	for i := 0; i < 3; i++ {
		insert(t, r, fmt.Sprintf("p%d", i), "carol", domain.StatusResolved, 1)
	}
	svc := &cleanup.Service{Job: job}
	report, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.DeletedFileCount)
	require.Equal(t, []string{"carol"}, report.AffectedUsernames)
	require.InDelta(t, 3.00, available(t, r, "carol"), 0.001)
}
