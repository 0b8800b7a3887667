package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultMaxWait = 2 * time.Second
)

// ErrBusy is returned by With when the lease could not be taken in time.
var ErrBusy = errors.New("lease busy")

var validID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// Manager hands out advisory leases backed by O_EXCL marker files in Dir.
// A marker older than the requested TTL belongs to a crashed holder and is reclaimed.
type Manager struct {
	Dir     string
	Now     func() time.Time
	MaxWait time.Duration
	Log     *zap.Logger
}

// Lease is a held marker. Release is idempotent.
type Lease struct {
	ID         string
	AcquiredAt time.Time
	m          *Manager
	released   atomic.Bool
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.Dir, id+".lock")
}

// TryAcquire takes the lease for id without blocking. ttl <= 0 uses DefaultTTL.
func (m *Manager) TryAcquire(id string, ttl time.Duration) (*Lease, bool) {
	if !validID.MatchString(id) {
		m.log().Warn("refusing lease for invalid id", zap.String("lease_id", id))
		return nil, false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		m.log().Error("create lock dir", zap.String("dir", m.Dir), zap.Error(err))
		return nil, false
	}
	if l, ok := m.create(id); ok {
		return l, true
	}
	if !m.reclaimStale(id, ttl) {
		return nil, false
	}
	return m.create(id)
}

func (m *Manager) create(id string) (*Lease, bool) {
	f, err := os.OpenFile(m.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			m.log().Warn("lease create failed", zap.String("lease_id", id), zap.Error(err))
		}
		return nil, false
	}
	at := m.now().UTC()
	_, werr := f.WriteString(at.Format(time.RFC3339Nano))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(m.path(id))
		return nil, false
	}
	return &Lease{ID: id, AcquiredAt: at, m: m}, true
}

// reclaimStale moves a stale marker aside. It returns true when the marker is
// gone and creation may be retried.
func (m *Manager) reclaimStale(id string, ttl time.Duration) bool {
	path := m.path(id)
	at, ok := m.markerTime(path)
	if !ok {
		// Vanished between the failed create and now.
		return true
	}
	if m.now().Sub(at) <= ttl {
		return false
	}
	tomb := fmt.Sprintf("%s.stale-%d", path, m.now().UnixNano())
	if err := os.Rename(path, tomb); err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	// Another reclaimer may have replaced the stale marker with a fresh one
	// between our check and the rename; put it back if so.
	if tat, ok := m.markerTime(tomb); ok && m.now().Sub(tat) <= ttl {
		if err := os.Link(tomb, path); err != nil && !errors.Is(err, os.ErrExist) {
			m.log().Warn("restore live marker", zap.String("lease_id", id), zap.Error(err))
		}
		os.Remove(tomb)
		return false
	}
	os.Remove(tomb)
	m.log().Info("reclaimed stale lease", zap.String("lease_id", id), zap.Duration("age", m.now().Sub(at)))
	return true
}

func (m *Manager) markerTime(path string) (time.Time, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	if at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data))); err == nil {
		return at, true
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Release drops the marker for id whoever holds it. It never fails.
func (m *Manager) Release(id string) {
	if !validID.MatchString(id) {
		return
	}
	if err := os.Remove(m.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log().Warn("lease release failed", zap.String("lease_id", id), zap.Error(err))
	}
}

// Held reports whether a non-stale marker exists for id.
func (m *Manager) Held(id string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	at, ok := m.markerTime(m.path(id))
	return ok && m.now().Sub(at) <= ttl
}

// With waits up to MaxWait (or ctx) for the lease on id, runs fn, and releases.
func (m *Manager) With(ctx context.Context, id string, ttl time.Duration, fn func() error) error {
	maxWait := m.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	deadline := time.Now().Add(maxWait)
	backoff := 5 * time.Millisecond
	for {
		if l, ok := m.TryAcquire(id, ttl); ok {
			defer l.Release()
			return fn()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrBusy, id)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrBusy, id, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release drops the marker only while it still carries this lease's
// timestamp. A marker taken over after this lease went stale is left alone.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	at, ok := l.m.markerTime(l.m.path(l.ID))
	if !ok {
		return
	}
	if !at.Equal(l.AcquiredAt) {
		l.m.log().Warn("lease taken over, leaving new marker", zap.String("lease_id", l.ID), zap.Time("acquired_at", l.AcquiredAt), zap.Time("marker_at", at))
		return
	}
	l.m.Release(l.ID)
}
