package idempotency_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portline/internal/idempotency"
	"portline/internal/lease"
	"portline/internal/store"
)

func newLedger(t *testing.T, now *time.Time) *idempotency.Ledger {
	t.Helper()
	dir := t.TempDir()
	clock := func() time.Time { return *now }
	return &idempotency.Ledger{
		Store:      store.New(nil),
		Path:       filepath.Join(dir, "processed_requests.json"),
		Locks:      &lease.Manager{Dir: filepath.Join(dir, "locks"), MaxWait: 5 * time.Second},
		Now:        clock,
		PendingTTL: time.Minute,
	}
}

func TestRecordAndLookup(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, &now)
	ctx := context.Background()

	require.False(t, l.Seen("k1"))
	require.NoError(t, l.Record(ctx, "k1", map[string]any{"ok": true, "port_id": "p1"}))
	require.True(t, l.Seen("k1"))

	rec, ok := l.Lookup("k1")
	require.True(t, ok)
	require.Equal(t, "p1", rec.Result["port_id"])

	require.NoError(t, l.Record(ctx, "k1", map[string]any{"ok": true, "port_id": "other"}))
	rec, _ = l.Lookup("k1")
	require.Equal(t, "p1", rec.Result["port_id"], "completed records are write-once")
}

func TestReserveLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, &now)
	ctx := context.Background()

	state, _, err := l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.Reserved, state)
	require.False(t, l.Seen("k"), "pending is not seen")

	state, _, err = l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.InFlight, state)

	require.NoError(t, l.Abandon(ctx, "k"))
	state, _, err = l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.Reserved, state)

	require.NoError(t, l.Complete(ctx, "k", map[string]any{"ok": true}))
	state, rec, err := l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.Completed, state)
	require.Equal(t, true, rec.Result["ok"])

	require.NoError(t, l.Abandon(ctx, "k"))
	require.True(t, l.Seen("k"), "abandon never drops a completed record")
}

func TestAbandonedReservationExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, &now)
	ctx := context.Background()

	state, _, err := l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.Reserved, state)

	now = now.Add(2 * time.Minute)
	state, _, err = l.Reserve(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, idempotency.Reserved, state)
}

func TestConcurrentReserveHasOneOwner(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, &now)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[idempotency.State]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, _, err := l.Reserve(ctx, "shared")
			require.NoError(t, err)
			mu.Lock()
			counts[state]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, counts[idempotency.Reserved])
	require.Equal(t, 9, counts[idempotency.InFlight])
}
