package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"portline/internal/domain"
	"portline/internal/engine"
	"portline/internal/events"
	"portline/internal/repo"
	"portline/internal/store"
	"portline/internal/wallet"
)

const ledgerNote = "cleanup carry-forward"

// Report summarizes one cleanup run.
type Report struct {
	TS                string   `json:"ts"`
	DeletedFileCount  int      `json:"deleted"`
	AffectedUsernames []string `json:"users"`
}

// Job snapshots every user's balance, purges all port files and writes one
// ledger port per user that carries the balance forward.
//
// Ledger ports are staged first; the manifest written afterwards is the commit
// point. A crash before the manifest leaves the old ports untouched, a crash
// after it is rolled forward by Recover.
type Job struct {
	Repo  repo.Repo
	Audit events.Writer
	Now   func() time.Time
	Log   *zap.Logger

	mu sync.Mutex
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *Job) log() *zap.Logger {
	if j.Log == nil {
		return zap.NewNop()
	}
	return j.Log
}

func (j *Job) store() *store.Store { return j.Repo.Store }

func (j *Job) layout() store.Layout { return j.Repo.Layout }

func (j *Job) Run(ctx context.Context) (Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.recover(); err != nil {
		return Report{}, fmt.Errorf("recover previous cleanup: %w", err)
	}
	if err := j.clearStaging(); err != nil {
		return Report{}, err
	}
	now := j.now().UTC()
	ts := now.Format(time.RFC3339Nano)

	ports, err := j.Repo.ListPorts()
	if err != nil {
		return Report{}, fmt.Errorf("list ports: %w", err)
	}
	withdrawals := j.Repo.Withdrawals()
	users := j.usernames(ports)

	snap := domain.LedgerSnapshot{SchemaVersion: domain.SchemaVersion, TS: ts, Users: map[string]domain.UserLedger{}}
	for _, u := range users {
		approved := wallet.ApprovedCents(withdrawals, u)
		resolved := wallet.ResolvedCents(ports, u)
		available := max(resolved-approved, 0)
		snap.Users[u] = domain.UserLedger{
			AvailablePre:     domain.FromCents(available),
			ApprovedSum:      domain.FromCents(approved),
			ResolvedTotalPre: domain.FromCents(resolved),
		}
	}
	if err := j.store().Write(j.layout().LatestLedgerSnapshot(), snap); err != nil {
		return Report{}, fmt.Errorf("write ledger snapshot: %w", err)
	}
	if err := j.store().Write(j.layout().DatedLedgerSnapshot(now.Format("20060102T150405Z")), snap); err != nil {
		return Report{}, fmt.Errorf("write dated ledger snapshot: %w", err)
	}

	manifest := domain.CleanupManifest{SchemaVersion: domain.SchemaVersion, TS: ts}
	for _, u := range users {
		entry := snap.Users[u]
		reward := domain.FromCents(domain.Cents(entry.AvailablePre) + domain.Cents(entry.ApprovedSum))
		p := engine.NewLedgerPort(u, reward, ts, ledgerNote)
		if err := j.Repo.StagePort(p); err != nil {
			return Report{}, fmt.Errorf("stage ledger port for %s: %w", u, err)
		}
		manifest.Staged = append(manifest.Staged, p.ID)
	}
	if err := j.store().Write(j.layout().CleanupManifest(), manifest); err != nil {
		return Report{}, fmt.Errorf("write cleanup manifest: %w", err)
	}

	deleted, err := j.purge(manifest)
	if err != nil {
		return Report{}, err
	}
	if err := j.publish(manifest); err != nil {
		return Report{}, err
	}

	after, err := j.Repo.ListPorts()
	if err != nil {
		return Report{}, fmt.Errorf("list ports after cleanup: %w", err)
	}
	perUser := map[string]any{}
	for _, u := range users {
		entry := snap.Users[u]
		total := wallet.ResolvedCents(after, u)
		approved := domain.Cents(entry.ApprovedSum)
		perUser[u] = map[string]any{
			"available_pre":       entry.AvailablePre,
			"approved_sum":        entry.ApprovedSum,
			"resolved_total_pre":  entry.ResolvedTotalPre,
			"resolved_total_post": domain.FromCents(total),
			"available_post":      domain.FromCents(max(total-approved, 0)),
		}
	}
	if j.Audit.Store != nil {
		if _, err := j.Audit.Append(ctx, "cleanup.run", "ledger", "", "system", events.EventPayload{
			"deleted": deleted,
			"users":   perUser,
		}); err != nil {
			j.log().Warn("cleanup audit append failed", zap.Error(err))
		}
	}
	j.log().Info("cleanup finished", zap.Int("deleted", deleted), zap.Strings("users", users))
	return Report{TS: ts, DeletedFileCount: deleted, AffectedUsernames: users}, nil
}

// Recover finishes a run that crashed after its commit point.
func (j *Job) Recover(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recover()
}

func (j *Job) recover() error {
	path := j.layout().CleanupManifest()
	if !j.store().Exists(path) {
		return nil
	}
	manifest := store.ReadJSON(j.store(), path, domain.CleanupManifest{})
	j.log().Warn("rolling forward interrupted cleanup", zap.String("ts", manifest.TS), zap.Int("staged", len(manifest.Staged)))
	if _, err := j.purge(manifest); err != nil {
		return err
	}
	return j.publish(manifest)
}

// purge deletes every port document except already published ledger ports of
// the manifest.
func (j *Job) purge(manifest domain.CleanupManifest) (int, error) {
	keep := map[string]bool{}
	for _, id := range manifest.Staged {
		keep[id] = true
	}
	files, err := j.Repo.PortFiles()
	if err != nil {
		return 0, fmt.Errorf("list port files: %w", err)
	}
	deleted := 0
	for _, f := range files {
		if keep[store.PortIDFromFile(f)] {
			continue
		}
		if err := j.store().Remove(f); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", filepath.Base(f), err)
		}
		deleted++
	}
	return deleted, nil
}

func (j *Job) publish(manifest domain.CleanupManifest) error {
	if err := os.MkdirAll(j.layout().PortsDir(), 0o755); err != nil {
		return err
	}
	for _, id := range manifest.Staged {
		src := j.layout().StagedPortFile(id)
		if !j.store().Exists(src) {
			// Published before the crash.
			continue
		}
		if err := os.Rename(src, j.layout().PortFile(id)); err != nil {
			return fmt.Errorf("publish ledger port %s: %w", id, err)
		}
	}
	if err := j.store().Remove(j.layout().CleanupManifest()); err != nil {
		return fmt.Errorf("remove cleanup manifest: %w", err)
	}
	return j.clearStaging()
}

func (j *Job) clearStaging() error {
	leftovers, err := j.store().List(j.layout().StagingDir(), "port_*.json")
	if err != nil {
		return err
	}
	for _, f := range leftovers {
		if err := j.store().Remove(f); err != nil {
			return fmt.Errorf("clear staging: %w", err)
		}
	}
	return nil
}

// usernames is every registered non-admin user plus any non-admin owner that
// still has ports, so no balance is dropped by the purge.
func (j *Job) usernames(ports []domain.Port) []string {
	admins := map[string]bool{}
	set := map[string]bool{}
	for _, u := range j.Repo.Users() {
		if u.IsAdmin {
			admins[u.Username] = true
			continue
		}
		set[u.Username] = true
	}
	for _, p := range ports {
		owner := domain.NormalizeUsername(p.Owner)
		if owner != "" && !admins[owner] {
			set[owner] = true
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
