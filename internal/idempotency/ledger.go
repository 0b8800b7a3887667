package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portline/internal/domain"
	"portline/internal/lease"
	"portline/internal/migrate"
	"portline/internal/store"
)

// documentLease serializes read-modify-write of the processed-requests file.
const documentLease = "doc-processed-requests"

// DefaultPendingTTL bounds how long a reservation blocks retries after its holder died.
const DefaultPendingTTL = 60 * time.Second

type State int

const (
	// Reserved means the caller now owns the key and must Complete or Abandon it.
	Reserved State = iota
	// Completed means the key already has a recorded result.
	Completed
	// InFlight means another caller holds a live reservation.
	InFlight
)

// Ledger records processed request keys in one shared document.
type Ledger struct {
	Store      *store.Store
	Path       string
	Locks      *lease.Manager
	Now        func() time.Time
	PendingTTL time.Duration
	Log        *zap.Logger

	mu sync.Mutex
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) log() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

func (l *Ledger) load() domain.IdempotencyDoc {
	empty := domain.IdempotencyDoc{SchemaVersion: domain.SchemaVersion, Keys: map[string]domain.IdempotencyRecord{}}
	raw, ok := l.Store.ReadRaw(l.Path)
	if !ok {
		return empty
	}
	doc, err := migrate.Idempotency(raw)
	if err != nil {
		l.log().Warn("corrupt idempotency document treated as empty", zap.Error(err))
		return empty
	}
	return doc
}

// update runs fn against the current document and persists it when fn reports a change.
func (l *Ledger) update(ctx context.Context, fn func(doc *domain.IdempotencyDoc) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Locks.With(ctx, documentLease, 10*time.Second, func() error {
		doc := l.load()
		if !fn(&doc) {
			return nil
		}
		doc.SchemaVersion = domain.SchemaVersion
		return l.Store.Write(l.Path, doc)
	})
}

// Seen reports whether key has a completed result.
func (l *Ledger) Seen(key string) bool {
	_, ok := l.Lookup(key)
	return ok
}

// Lookup returns the completed record for key.
func (l *Ledger) Lookup(key string) (domain.IdempotencyRecord, bool) {
	rec, ok := l.load().Keys[key]
	if !ok || rec.Status != domain.IdemCompleted {
		return domain.IdempotencyRecord{}, false
	}
	return rec, true
}

// Record stores a completed result for key. An existing completed record wins.
func (l *Ledger) Record(ctx context.Context, key string, result map[string]any) error {
	return l.update(ctx, func(doc *domain.IdempotencyDoc) bool {
		if rec, ok := doc.Keys[key]; ok && rec.Status == domain.IdemCompleted {
			return false
		}
		doc.Keys[key] = domain.IdempotencyRecord{
			Status: domain.IdemCompleted,
			Result: result,
			TS:     l.now().UTC().Format(time.RFC3339Nano),
		}
		return true
	})
}

// Complete is Record for a key the caller reserved.
func (l *Ledger) Complete(ctx context.Context, key string, result map[string]any) error {
	return l.Record(ctx, key, result)
}

// Reserve atomically checks key and, when it is free, writes a pending marker
// owned by the caller.
func (l *Ledger) Reserve(ctx context.Context, key string) (State, domain.IdempotencyRecord, error) {
	ttl := l.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	state := Reserved
	var found domain.IdempotencyRecord
	err := l.update(ctx, func(doc *domain.IdempotencyDoc) bool {
		now := l.now().UTC()
		if rec, ok := doc.Keys[key]; ok {
			switch rec.Status {
			case domain.IdemCompleted:
				state, found = Completed, rec
				return false
			case domain.IdemPending:
				at, err := time.Parse(time.RFC3339Nano, rec.ReservedAt)
				if err == nil && now.Sub(at) <= ttl {
					state, found = InFlight, rec
					return false
				}
				l.log().Info("reclaiming abandoned reservation", zap.String("key", key))
			}
		}
		stamp := now.Format(time.RFC3339Nano)
		doc.Keys[key] = domain.IdempotencyRecord{Status: domain.IdemPending, TS: stamp, ReservedAt: stamp}
		return true
	})
	if err != nil {
		return InFlight, domain.IdempotencyRecord{}, err
	}
	return state, found, nil
}

// Abandon drops the caller's pending marker so a later retry can run.
func (l *Ledger) Abandon(ctx context.Context, key string) error {
	return l.update(ctx, func(doc *domain.IdempotencyDoc) bool {
		rec, ok := doc.Keys[key]
		if !ok || rec.Status != domain.IdemPending {
			return false
		}
		delete(doc.Keys, key)
		return true
	})
}
