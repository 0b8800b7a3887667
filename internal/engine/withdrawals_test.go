package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portline/internal/domain"
	"portline/internal/engine"
	"portline/internal/lease"
)

func (env testEnv) resolved(t *testing.T, owner string, reward float64) domain.Port {
	t.Helper()
	p := env.discovered(t, owner, reward, 0)
	res, err := env.Engine.Resolve(env.Ctx, owner, p.ID, "")
	require.NoError(t, err)
	require.True(t, res.OK)
	return *res.Port
}

func TestWithdrawalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.resolved(t, "alice", 3.00)
	env.resolved(t, "alice", 2.50)

	_, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "alice", Amount: 6})
	require.ErrorIs(t, err, engine.ErrInsufficientFunds)
	_, err = env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "alice", Amount: 0})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	w, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "Alice", Amount: 2})
	require.NoError(t, err)
	require.Equal(t, 1, w.ID)
	require.Equal(t, "alice", w.Username)
	require.Equal(t, domain.WithdrawalPending, w.Status)
	require.Equal(t, domain.SchemaVersion, w.SchemaVersion)

	_, err = env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "alice", Amount: 2})
	require.ErrorIs(t, err, engine.ErrDuplicatePending)

	d, err := env.Engine.Dashboard(env.Ctx, "alice")
	require.NoError(t, err)
	require.InDelta(t, 5.50, d.Wallet.AvailableBalance, 0.001, "pending requests do not reduce the balance")
	require.InDelta(t, 2.00, d.PendingWithdrawals, 0.001)

	_, err = env.Engine.SetWithdrawalStatus(env.Ctx, w.ID, "maybe", "admin")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.SetWithdrawalStatus(env.Ctx, 42, domain.WithdrawalApproved, "admin")
	require.ErrorIs(t, err, engine.ErrWithdrawalMissing)

	approved, err := env.Engine.SetWithdrawalStatus(env.Ctx, w.ID, "Approved", "admin")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalApproved, approved.Status)
	require.NotNil(t, approved.ProcessedAt)

	d, err = env.Engine.Dashboard(env.Ctx, "alice")
	require.NoError(t, err)
	require.InDelta(t, 3.50, d.Wallet.AvailableBalance, 0.001)
	require.InDelta(t, 5.50, d.Wallet.TotalEarned, 0.001)
	require.Zero(t, d.PendingWithdrawals)
	require.Len(t, d.Withdrawals, 1)

	next, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "alice", Amount: 1})
	require.NoError(t, err)
	require.Equal(t, 2, next.ID)

	groups := env.Engine.ListWithdrawals()
	require.Equal(t, 2, groups.Total)
	require.Len(t, groups.Pending, 1)
	require.Len(t, groups.Approved, 1)
	require.Empty(t, groups.Rejected)
}

func TestDashboardGroupsPorts(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "alice", 1, 0)
	env.resolved(t, "alice", 1.25)
	env.create(t, "alice", 1, 0)
	env.create(t, "bob", 9, 0)

	d, err := env.Engine.Dashboard(env.Ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, "alice", d.Owner)
	require.Equal(t, engine.PortCounts{Assigned: 1, Discovered: 1, Resolved: 1}, d.Counts)
	require.InDelta(t, 1.25, d.Wallet.TotalEarned, 0.001)
	require.Empty(t, d.Withdrawals)
}

func TestResetBalanceKeepsApprovedHistory(t *testing.T) {
	env := newTestEnv(t)
	env.resolved(t, "alice", 3.00)
	env.resolved(t, "alice", 2.50)
	w, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "alice", Amount: 2})
	require.NoError(t, err)
	_, err = env.Engine.SetWithdrawalStatus(env.Ctx, w.ID, domain.WithdrawalApproved, "admin")
	require.NoError(t, err)

	out, err := env.Engine.ResetBalance(env.Ctx, "alice", "admin")
	require.NoError(t, err)
	require.Equal(t, 2, out.DeletedPorts)
	require.True(t, out.LedgerPort.IsLedger)
	require.Equal(t, domain.LedgerPortNumber, out.LedgerPort.PortNumber)
	require.InDelta(t, 2.00, out.LedgerPort.Reward, 0.001)
	require.Zero(t, out.Wallet.AvailableBalance)

	ports, err := env.Engine.Repo.ListPortsByOwner("alice")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	require.Equal(t, out.LedgerPort.ID, ports[0].ID)

	_, err = env.Engine.ResetBalance(env.Ctx, "", "admin")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestResetBalanceWaitsForHeldPorts(t *testing.T) {
	env := newTestEnv(t)
	env.resolved(t, "alice", 3.00)
	p := env.discovered(t, "alice", 1.00, 0)
	l, ok := env.Engine.Locks.TryAcquire(p.ID, time.Minute)
	require.True(t, ok)

	_, err := env.Engine.ResetBalance(env.Ctx, "alice", "admin")
	require.ErrorIs(t, err, lease.ErrBusy)
	require.True(t, env.Engine.Locks.Held(p.ID, time.Minute))
	ports, err := env.Engine.Repo.ListPortsByOwner("alice")
	require.NoError(t, err)
	require.Len(t, ports, 2)
	for _, port := range ports {
		require.False(t, port.IsLedger)
	}

	l.Release()
	out, err := env.Engine.ResetBalance(env.Ctx, "alice", "admin")
	require.NoError(t, err)
	require.Equal(t, 2, out.DeletedPorts)
	require.False(t, env.Engine.Locks.Held(p.ID, time.Minute))
}

func TestReconciledWalletResets(t *testing.T) {
	env := newTestEnv(t)
	env.resolved(t, "rayan", 4.00)

	d, err := env.Engine.Dashboard(env.Ctx, "rayan")
	require.NoError(t, err)
	require.InDelta(t, 4.00, d.Wallet.AvailableBalance, 0.001)

	stored, ok := env.Engine.Repo.WalletSnapshot("rayan")
	require.True(t, ok)
	require.InDelta(t, 4.00, stored.TotalEarned, 0.001)

	out, err := env.Engine.ResetBalance(env.Ctx, "rayan", "admin")
	require.NoError(t, err)
	require.Zero(t, out.Wallet.AvailableBalance)
	require.Zero(t, out.Wallet.TotalEarned)

	d, err = env.Engine.Dashboard(env.Ctx, "rayan")
	require.NoError(t, err)
	require.Zero(t, d.Wallet.AvailableBalance)

	_, err = env.Engine.ResetWallet(env.Ctx, "alice", 1, "admin")
	require.Error(t, err)
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)
	for _, u := range []string{"bob", "Alice"} {
		_, err := env.Engine.RegisterUser(env.Ctx, u, false)
		require.NoError(t, err)
	}
	_, err := env.Engine.RegisterUser(env.Ctx, "alice", false)
	require.Error(t, err, "usernames are case-insensitive")
	_, err = env.Engine.RegisterUser(env.Ctx, "root", true)
	require.NoError(t, err)
	_, err = env.Engine.RegisterUser(env.Ctx, " ", false)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	env.create(t, "alice", 1, 0)
	env.discovered(t, "bob", 1, 0)
	env.resolved(t, "bob", 2)
	_, err = env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalOptions{Owner: "bob", Amount: 1})
	require.NoError(t, err)

	stats, err := env.Engine.AdminStats(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, stats.Usernames)
	require.Equal(t, 3, stats.Totals.Ports)
	require.Equal(t, 1, stats.Totals.Resolved)
	require.Equal(t, 2, stats.Totals.Unresolved)
	require.Equal(t, 1, stats.PendingWithdrawals)
}
