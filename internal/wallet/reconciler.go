package wallet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"portline/internal/domain"
)

const DefaultFetchTimeout = 5 * time.Second

// LocalStore persists the local snapshot of the reconciled account.
type LocalStore interface {
	WalletSnapshot(account string) (domain.WalletSnapshot, bool)
	SaveWalletSnapshot(account string, w domain.WalletSnapshot) error
}

// Reconciler keeps one distinguished account's wallet monotone across restarts
// and deployments by merging the computed wallet with its local and remote copies.
type Reconciler struct {
	Account      string
	Local        LocalStore
	Remote       RemoteStore
	Pusher       *Pusher
	FetchTimeout time.Duration
	Now          func() time.Time
	Log          *zap.Logger

	fetches singleflight.Group
}

func (r *Reconciler) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Applies reports whether owner is the reconciled account.
func (r *Reconciler) Applies(owner string) bool {
	return r != nil && r.Account != "" && domain.NormalizeUsername(owner) == domain.NormalizeUsername(r.Account)
}

// Reconcile returns the wallet to show for owner. For the reconciled account
// it merges computed with the local and remote snapshots and persists the result.
func (r *Reconciler) Reconcile(ctx context.Context, owner string, computed domain.WalletSnapshot) (domain.WalletSnapshot, error) {
	if !r.Applies(owner) {
		return computed, nil
	}
	account := domain.NormalizeUsername(r.Account)
	var local *domain.WalletSnapshot
	if w, ok := r.Local.WalletSnapshot(account); ok {
		local = &w
	}
	remote := r.fetchRemote(ctx)

	merged := Merge(computed, local, remote)
	localChanged := local == nil || !local.Same(merged)
	if localChanged {
		merged.UpdatedAt = r.now().UTC().Format(time.RFC3339Nano)
		if err := r.Local.SaveWalletSnapshot(account, merged); err != nil {
			return merged, fmt.Errorf("persist wallet snapshot: %w", err)
		}
	} else {
		merged.UpdatedAt = local.UpdatedAt
	}
	if r.Remote != nil && (localChanged || remote == nil || !remote.Same(merged)) {
		r.push(merged)
	}
	return merged, nil
}

// Reset forces both copies to {available: 0, total: totalEarned}.
func (r *Reconciler) Reset(ctx context.Context, owner string, totalEarned float64) (domain.WalletSnapshot, error) {
	if !r.Applies(owner) {
		return domain.WalletSnapshot{}, fmt.Errorf("%s is not the reconciled account", owner)
	}
	if totalEarned < 0 {
		totalEarned = 0
	}
	w := domain.WalletSnapshot{
		AvailableBalance: 0,
		TotalEarned:      domain.Round2(totalEarned),
		UpdatedAt:        r.now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.Local.SaveWalletSnapshot(domain.NormalizeUsername(r.Account), w); err != nil {
		return w, fmt.Errorf("persist wallet snapshot: %w", err)
	}
	if r.Remote != nil {
		pusher := r.Pusher
		if pusher == nil {
			pusher = NewPusher(r.Remote, r.log())
		}
		if err := pusher.Push(ctx, w); err != nil {
			r.log().Warn("wallet reset push failed", zap.String("remote", r.Remote.Name()), zap.Error(err))
		}
	}
	return w, nil
}

func (r *Reconciler) fetchRemote(ctx context.Context) *domain.WalletSnapshot {
	if r.Remote == nil {
		return nil
	}
	timeout := r.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	v, err, _ := r.fetches.Do("fetch", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		w, ok, err := r.Remote.Fetch(fctx)
		if err != nil || !ok {
			return (*domain.WalletSnapshot)(nil), err
		}
		return &w, nil
	})
	if err != nil {
		r.log().Debug("remote wallet unavailable", zap.String("remote", r.Remote.Name()), zap.Error(err))
		return nil
	}
	return v.(*domain.WalletSnapshot)
}

func (r *Reconciler) push(w domain.WalletSnapshot) {
	if r.Pusher != nil {
		r.Pusher.Enqueue(w)
		return
	}
	go func() {
		p := NewPusher(r.Remote, r.log())
		if err := p.Push(context.Background(), w); err != nil {
			r.log().Warn("wallet push failed", zap.String("remote", r.Remote.Name()), zap.Error(err))
		}
	}()
}
