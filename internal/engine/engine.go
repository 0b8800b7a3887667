package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portline/internal/domain"
	"portline/internal/events"
	"portline/internal/idempotency"
	"portline/internal/lease"
	"portline/internal/repo"
	"portline/internal/wallet"
)

// ErrInvalidInput marks caller mistakes such as a negative reward.
var ErrInvalidInput = errors.New("invalid input")

// Code is an expected, non-exceptional resolve/archive outcome.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeForbidden    Code = "forbidden"
	CodeInvalidState Code = "invalid_state"
	CodeBusy         Code = "busy"
	CodeTooEarly     Code = "too_early"
)

// Result is the outcome of a single-port mutation. Storage failures are
// returned as errors instead.
type Result struct {
	OK               bool         `json:"ok"`
	Error            Code         `json:"error,omitempty"`
	State            string       `json:"state,omitempty"`
	SecondsRemaining int          `json:"seconds_remaining,omitempty"`
	Idempotent       bool         `json:"idempotent,omitempty"`
	PortID           string       `json:"port_id,omitempty"`
	Port             *domain.Port `json:"port,omitempty"`
}

func fail(code Code) Result { return Result{Error: code} }

func failState(state string) Result { return Result{Error: CodeInvalidState, State: state} }

func tooEarly(seconds int) Result { return Result{Error: CodeTooEarly, SecondsRemaining: seconds} }

type Engine struct {
	Repo    repo.Repo
	Locks   *lease.Manager
	Idem    *idempotency.Ledger
	Wallet  *wallet.Reconciler
	Audit   events.Writer
	LockTTL time.Duration
	Now     func() time.Time
	IntN    func(n int) int
	Log     *zap.Logger
}

func New(r repo.Repo, locks *lease.Manager, idem *idempotency.Ledger, rec *wallet.Reconciler, audit events.Writer, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Repo:    r,
		Locks:   locks,
		Idem:    idem,
		Wallet:  rec,
		Audit:   audit,
		LockTTL: lease.DefaultTTL,
		Now:     time.Now,
		IntN:    rand.IntN,
		Log:     log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) acquire(id string) (*lease.Lease, bool) {
	return e.Locks.TryAcquire(id, e.LockTTL)
}

// PortCreateOptions are parameters for issuing a port.
type PortCreateOptions struct {
	Owner           string
	PortNumber      int
	Reward          float64
	ResolveDelaySec int
	ActorID         string
}

func (e Engine) CreatePort(ctx context.Context, opts PortCreateOptions) (domain.Port, error) {
	owner := domain.NormalizeUsername(opts.Owner)
	if owner == "" {
		return domain.Port{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if opts.Reward < 0 || math.IsNaN(opts.Reward) || math.IsInf(opts.Reward, 0) {
		return domain.Port{}, fmt.Errorf("%w: reward must be >= 0", ErrInvalidInput)
	}
	if opts.ResolveDelaySec < 0 {
		return domain.Port{}, fmt.Errorf("%w: resolve delay must be >= 0", ErrInvalidInput)
	}
	if opts.PortNumber < 0 {
		return domain.Port{}, fmt.Errorf("%w: port number must be >= 0", ErrInvalidInput)
	}
	p := domain.Port{
		SchemaVersion:   domain.SchemaVersion,
		ID:              uuid.New().String(),
		Owner:           owner,
		PortNumber:      opts.PortNumber,
		Reward:          domain.Round2(opts.Reward),
		Status:          domain.StatusAssigned,
		ResolveDelaySec: opts.ResolveDelaySec,
		CreatedAt:       e.stamp(),
		Version:         1,
	}
	if err := e.Repo.InsertPort(p); err != nil {
		return domain.Port{}, fmt.Errorf("insert port: %w", err)
	}
	e.log().Debug("port created", zap.String("port_id", p.ID), zap.String("owner", owner))
	return p, nil
}

// AssignOptions drive bulk issuance with randomized reward, delay and label.
type AssignOptions struct {
	Owner     string
	Count     int
	RewardMin float64
	RewardMax float64
	DelayMin  int
	DelayMax  int
	ActorID   string
}

const (
	DefaultRewardMin = 1.10
	DefaultRewardMax = 4.25
	DefaultDelayMin  = 0
	DefaultDelayMax  = 7
	minPortLabel     = 1024
	maxPortLabel     = 9999
)

func (e Engine) intN(n int) int {
	if n <= 0 {
		return 0
	}
	if e.IntN != nil {
		return e.IntN(n)
	}
	return rand.IntN(n)
}

func (e Engine) AssignPorts(ctx context.Context, opts AssignOptions) ([]domain.Port, error) {
	if domain.NormalizeUsername(opts.Owner) == "" || opts.Count <= 0 {
		return nil, fmt.Errorf("%w: owner and a positive count are required", ErrInvalidInput)
	}
	if opts.RewardMin == 0 && opts.RewardMax == 0 {
		opts.RewardMin, opts.RewardMax = DefaultRewardMin, DefaultRewardMax
	}
	if opts.DelayMin == 0 && opts.DelayMax == 0 {
		opts.DelayMin, opts.DelayMax = DefaultDelayMin, DefaultDelayMax
	}
	if opts.RewardMin < 0 || opts.RewardMax < opts.RewardMin {
		return nil, fmt.Errorf("%w: reward range %.2f..%.2f", ErrInvalidInput, opts.RewardMin, opts.RewardMax)
	}
	if opts.DelayMin < 0 || opts.DelayMax < opts.DelayMin {
		return nil, fmt.Errorf("%w: delay range %d..%d", ErrInvalidInput, opts.DelayMin, opts.DelayMax)
	}
	minCents, maxCents := domain.Cents(opts.RewardMin), domain.Cents(opts.RewardMax)
	out := make([]domain.Port, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		p, err := e.CreatePort(ctx, PortCreateOptions{
			Owner:           opts.Owner,
			PortNumber:      minPortLabel + e.intN(maxPortLabel-minPortLabel+1),
			Reward:          domain.FromCents(minCents + int64(e.intN(int(maxCents-minCents+1)))),
			ResolveDelaySec: opts.DelayMin + e.intN(opts.DelayMax-opts.DelayMin+1),
			ActorID:         opts.ActorID,
		})
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	e.log().Info("ports assigned", zap.String("owner", domain.NormalizeUsername(opts.Owner)), zap.Int("count", len(out)))
	return out, nil
}

// Scan flips every assigned port of owner to discovered and returns how many changed.
func (e Engine) Scan(ctx context.Context, owner string) (int, error) {
	ports, err := e.Repo.ListPortsByOwner(owner)
	if err != nil {
		return 0, fmt.Errorf("list ports: %w", err)
	}
	changed := 0
	for i := range ports {
		p := &ports[i]
		if p.Status != domain.StatusAssigned {
			continue
		}
		if err := ensurePortTransition(p.Status, domain.StatusDiscovered); err != nil {
			return changed, err
		}
		p.Status = domain.StatusDiscovered
		if p.DiscoveredAt == nil {
			now := e.stamp()
			p.DiscoveredAt = &now
		}
		if err := e.Repo.SavePort(p); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Resolve completes a discovered port once its click-armed delay has elapsed.
// A non-empty key makes retries return the first successful result.
func (e Engine) Resolve(ctx context.Context, owner, id, key string) (Result, error) {
	key = strings.TrimSpace(key)
	if key != "" {
		state, rec, err := e.Idem.Reserve(ctx, key)
		if err != nil {
			if errors.Is(err, lease.ErrBusy) {
				return fail(CodeBusy), nil
			}
			return Result{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		switch state {
		case idempotency.Completed:
			portID, _ := rec.Result["port_id"].(string)
			return Result{OK: true, Idempotent: true, State: "already_processed", PortID: portID}, nil
		case idempotency.InFlight:
			return fail(CodeBusy), nil
		}
	}
	res, err := e.resolve(ctx, owner, id, key)
	if key != "" && (err != nil || !res.OK) {
		if aerr := e.Idem.Abandon(ctx, key); aerr != nil {
			e.log().Warn("abandon idempotency key", zap.String("key", key), zap.Error(aerr))
		}
	}
	return res, err
}

func (e Engine) resolve(ctx context.Context, owner, id, key string) (Result, error) {
	p, res, ok := e.loadOwned(owner, id)
	if !ok {
		return res, nil
	}
	if p.Status != domain.StatusDiscovered {
		return failState(p.Status), nil
	}
	if p.ResolveDelaySec > 0 {
		if _, armed := resolveStart(p); armed {
			if rem := e.remaining(p); rem > 0 {
				return tooEarly(rem), nil
			}
		}
	}

	l, ok := e.acquire(id)
	if !ok {
		return fail(CodeBusy), nil
	}
	defer l.Release()

	fresh, err := e.Repo.GetPort(id)
	if err != nil {
		return fail(CodeNotFound), nil
	}
	if fresh.Status != domain.StatusDiscovered {
		return failState(fresh.Status), nil
	}
	if fresh.ResolveDelaySec > 0 {
		if _, armed := resolveStart(fresh); !armed {
			if err := e.arm(&fresh); err != nil {
				return Result{}, err
			}
			return tooEarly(fresh.ResolveDelaySec), nil
		}
		if rem := e.remaining(fresh); rem > 0 {
			return tooEarly(rem), nil
		}
	}
	if err := ensurePortTransition(fresh.Status, domain.StatusResolved); err != nil {
		return Result{}, err
	}
	fresh.Status = domain.StatusResolved
	now := e.stamp()
	fresh.ResolvedAt = &now
	if err := e.Repo.SavePort(&fresh); err != nil {
		return Result{}, err
	}
	if key != "" {
		if err := e.Idem.Complete(ctx, key, map[string]any{"ok": true, "port_id": id}); err != nil {
			e.log().Error("record idempotency key", zap.String("key", key), zap.String("port_id", id), zap.Error(err))
		}
	}
	e.log().Info("port resolved", zap.String("port_id", id), zap.String("owner", fresh.Owner), zap.Float64("reward", fresh.Reward))
	return Result{OK: true, PortID: id, Port: &fresh}, nil
}

// Remaining reports how long until owner may resolve id, arming the timer on first view.
func (e Engine) Remaining(ctx context.Context, owner, id string) (Result, error) {
	p, res, ok := e.loadOwned(owner, id)
	if !ok {
		return res, nil
	}
	if p.Status != domain.StatusDiscovered || p.ResolveDelaySec <= 0 {
		return Result{OK: true, PortID: id, State: p.Status}, nil
	}
	if _, armed := resolveStart(p); armed {
		return Result{OK: true, PortID: id, State: p.Status, SecondsRemaining: e.remaining(p)}, nil
	}
	l, ok := e.acquire(id)
	if !ok {
		return fail(CodeBusy), nil
	}
	defer l.Release()
	fresh, err := e.Repo.GetPort(id)
	if err != nil {
		return fail(CodeNotFound), nil
	}
	if fresh.Status != domain.StatusDiscovered {
		return Result{OK: true, PortID: id, State: fresh.Status}, nil
	}
	if _, armed := resolveStart(fresh); !armed {
		if err := e.arm(&fresh); err != nil {
			return Result{}, err
		}
	}
	return Result{OK: true, PortID: id, State: fresh.Status, SecondsRemaining: e.remaining(fresh)}, nil
}

func (e Engine) Archive(ctx context.Context, owner, id string) (Result, error) {
	if _, res, ok := e.loadOwned(owner, id); !ok {
		return res, nil
	}
	l, ok := e.acquire(id)
	if !ok {
		return fail(CodeBusy), nil
	}
	defer l.Release()
	fresh, err := e.Repo.GetPort(id)
	if err != nil {
		return fail(CodeNotFound), nil
	}
	fresh.Status = domain.StatusArchived
	if err := e.Repo.SavePort(&fresh); err != nil {
		return Result{}, err
	}
	return Result{OK: true, PortID: id, Port: &fresh}, nil
}

func (e Engine) Unarchive(ctx context.Context, owner, id string) (Result, error) {
	p, res, ok := e.loadOwned(owner, id)
	if !ok {
		return res, nil
	}
	if p.Status != domain.StatusArchived {
		return failState(p.Status), nil
	}
	l, ok := e.acquire(id)
	if !ok {
		return fail(CodeBusy), nil
	}
	defer l.Release()
	fresh, err := e.Repo.GetPort(id)
	if err != nil {
		return fail(CodeNotFound), nil
	}
	if fresh.Status != domain.StatusArchived {
		return failState(fresh.Status), nil
	}
	fresh.Status = domain.StatusDiscovered
	if fresh.DiscoveredAt == nil {
		now := e.stamp()
		fresh.DiscoveredAt = &now
	}
	fresh.ResolveStartedAt = nil
	if err := e.Repo.SavePort(&fresh); err != nil {
		return Result{}, err
	}
	return Result{OK: true, PortID: id, Port: &fresh}, nil
}

// loadOwned returns the port or the outcome to report instead.
func (e Engine) loadOwned(owner, id string) (domain.Port, Result, bool) {
	p, err := e.Repo.GetPort(strings.TrimSpace(id))
	if err != nil {
		return domain.Port{}, fail(CodeNotFound), false
	}
	if !p.OwnedBy(owner) {
		return domain.Port{}, fail(CodeForbidden), false
	}
	return p, Result{}, true
}

func (e Engine) arm(p *domain.Port) error {
	now := e.stamp()
	p.ResolveStartedAt = &now
	return e.Repo.SavePort(p)
}

// resolveStart parses resolve_started_at. An unparsable stamp counts as unarmed.
func resolveStart(p domain.Port) (time.Time, bool) {
	if p.ResolveStartedAt == nil || *p.ResolveStartedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *p.ResolveStartedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// remaining is the whole seconds, rounded up, until the delay elapses.
func (e Engine) remaining(p domain.Port) int {
	if p.Status != domain.StatusDiscovered || p.ResolveDelaySec <= 0 {
		return 0
	}
	start, ok := resolveStart(p)
	if !ok {
		return p.ResolveDelaySec
	}
	left := start.Add(time.Duration(p.ResolveDelaySec) * time.Second).Sub(e.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func ensurePortTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusAssigned:
		if newStatus == domain.StatusDiscovered || newStatus == domain.StatusArchived {
			return nil
		}
	case domain.StatusDiscovered:
		if newStatus == domain.StatusResolved || newStatus == domain.StatusArchived {
			return nil
		}
	case domain.StatusResolved:
		if newStatus == domain.StatusArchived {
			return nil
		}
	case domain.StatusArchived:
		if newStatus == domain.StatusDiscovered || newStatus == domain.StatusArchived {
			return nil
		}
	}
	return fmt.Errorf("invalid port status transition %s -> %s", oldStatus, newStatus)
}
