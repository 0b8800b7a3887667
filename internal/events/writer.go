package events

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"portline/internal/domain"
	"portline/internal/lease"
	"portline/internal/store"
)

const DefaultMax = 500

// Writer appends events to a rolling JSON array file.
type Writer struct {
	Store *store.Store
	Locks *lease.Manager
	Path  string
	Now   func() time.Time
	Max   int

	mu *sync.Mutex
}

type EventPayload map[string]any

func NewWriter(s *store.Store, locks *lease.Manager, path string) Writer {
	return Writer{Store: s, Locks: locks, Path: path, Now: time.Now, Max: DefaultMax, mu: &sync.Mutex{}}
}

func (w Writer) leaseID() string {
	return "doc-" + strings.TrimSuffix(filepath.Base(w.Path), filepath.Ext(w.Path))
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	limit := w.Max
	if limit <= 0 {
		limit = DefaultMax
	}
	evt := domain.Event{
		ID:         uuid.New().String(),
		TS:         w.Now().UTC().Format(time.RFC3339Nano),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	if w.mu != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	err := w.Locks.With(ctx, w.leaseID(), 10*time.Second, func() error {
		log := store.ReadJSON(w.Store, w.Path, []domain.Event{})
		log = append(log, evt)
		if len(log) > limit {
			log = log[len(log)-limit:]
		}
		return w.Store.Write(w.Path, log)
	})
	return evt, err
}

// Tail returns the newest n events, oldest first. n <= 0 returns all.
func (w Writer) Tail(n int) []domain.Event {
	log := store.ReadJSON(w.Store, w.Path, []domain.Event{})
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	return log
}
