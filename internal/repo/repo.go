package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"portline/internal/domain"
	"portline/internal/migrate"
	"portline/internal/store"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// Repo gives typed access to the JSON documents under one data directory.
type Repo struct {
	Store  *store.Store
	Layout store.Layout
	Now    func() time.Time
	Log    *zap.Logger
}

func New(s *store.Store, layout store.Layout, log *zap.Logger) Repo {
	if log == nil {
		log = zap.NewNop()
	}
	return Repo{Store: s, Layout: layout, Now: time.Now, Log: log}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// GetPort loads one port. Missing, corrupt and unreadable documents are all ErrNotFound.
func (r Repo) GetPort(id string) (domain.Port, error) {
	if !safeID.MatchString(id) {
		return domain.Port{}, ErrNotFound
	}
	raw, ok := r.Store.ReadRaw(r.Layout.PortFile(id))
	if !ok {
		return domain.Port{}, ErrNotFound
	}
	p, err := migrate.Port(raw, r.now())
	if err != nil {
		r.log().Warn("unreadable port document", zap.String("port_id", id), zap.Error(err))
		return domain.Port{}, ErrNotFound
	}
	return p, nil
}

// InsertPort writes a new port as given.
func (r Repo) InsertPort(p domain.Port) error {
	if !safeID.MatchString(p.ID) {
		return fmt.Errorf("invalid port id %q", p.ID)
	}
	p.SchemaVersion = domain.SchemaVersion
	return r.Store.Write(r.Layout.PortFile(p.ID), p)
}

// SavePort bumps the version and persists the port.
func (r Repo) SavePort(p *domain.Port) error {
	if p.Version < 1 {
		p.Version = 1
	}
	p.Version++
	p.SchemaVersion = domain.SchemaVersion
	p.Reward = domain.Round2(p.Reward)
	if err := r.Store.Write(r.Layout.PortFile(p.ID), p); err != nil {
		return fmt.Errorf("save port %s: %w", p.ID, err)
	}
	return nil
}

// StagePort writes p into the staging directory used by cleanup.
func (r Repo) StagePort(p domain.Port) error {
	p.SchemaVersion = domain.SchemaVersion
	return r.Store.Write(r.Layout.StagedPortFile(p.ID), p)
}

// ListPorts returns every readable port ordered by created_at then id.
// Unreadable documents are skipped.
func (r Repo) ListPorts() ([]domain.Port, error) {
	paths, err := r.Store.List(r.Layout.PortsDir(), "port_*.json")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Port, 0, len(paths))
	for _, path := range paths {
		raw, ok := r.Store.ReadRaw(path)
		if !ok {
			continue
		}
		p, err := migrate.Port(raw, r.now())
		if err != nil {
			r.log().Warn("skipping unreadable port", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListPortsByOwner filters ListPorts by case-insensitive owner.
func (r Repo) ListPortsByOwner(owner string) ([]domain.Port, error) {
	all, err := r.ListPorts()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.OwnedBy(owner) {
			out = append(out, p)
		}
	}
	return out, nil
}

// PortFiles lists every port document path, readable or not.
func (r Repo) PortFiles() ([]string, error) {
	return r.Store.List(r.Layout.PortsDir(), "port_*.json")
}

// DeletePort removes a port document.
func (r Repo) DeletePort(id string) error {
	if !safeID.MatchString(id) {
		return ErrNotFound
	}
	return r.Store.Remove(r.Layout.PortFile(id))
}

// Withdrawals loads every withdrawal request. A missing or corrupt document is empty.
func (r Repo) Withdrawals() []domain.WithdrawalRequest {
	raw, ok := r.Store.ReadRaw(r.Layout.Withdrawals())
	if !ok {
		return nil
	}
	ws, err := migrate.Withdrawals(raw, r.now())
	if err != nil {
		r.log().Warn("unreadable withdrawals document", zap.Error(err))
		return nil
	}
	return ws
}

func (r Repo) SaveWithdrawals(ws []domain.WithdrawalRequest) error {
	if ws == nil {
		ws = []domain.WithdrawalRequest{}
	}
	for i := range ws {
		ws[i].SchemaVersion = domain.SchemaVersion
	}
	return r.Store.Write(r.Layout.Withdrawals(), ws)
}

// Users returns the registered users. A missing or corrupt document is empty.
func (r Repo) Users() []domain.User {
	raw, ok := r.Store.ReadRaw(r.Layout.Users())
	if !ok {
		return nil
	}
	users, err := migrate.Users(raw)
	if err != nil {
		r.log().Warn("unreadable users document", zap.Error(err))
		return nil
	}
	return users
}

// AddUser appends u to the users document, keeping fields owned by the auth
// layer on existing entries intact.
func (r Repo) AddUser(u domain.User) error {
	var entries []map[string]any
	if raw, ok := r.Store.ReadRaw(r.Layout.Users()); ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("users document is corrupt: %w", err)
		}
	}
	for _, e := range entries {
		if name, _ := e["username"].(string); domain.NormalizeUsername(name) == u.Username {
			return fmt.Errorf("user %s: %w", u.Username, ErrExists)
		}
	}
	entries = append(entries, map[string]any{
		"username":   u.Username,
		"is_admin":   u.IsAdmin,
		"created_at": u.CreatedAt,
	})
	return r.Store.Write(r.Layout.Users(), entries)
}

// WalletSnapshot loads the local snapshot for account.
func (r Repo) WalletSnapshot(account string) (domain.WalletSnapshot, bool) {
	raw, ok := r.Store.ReadRaw(r.Layout.Wallet(account))
	if !ok {
		return domain.WalletSnapshot{}, false
	}
	w, err := migrate.Wallet(raw)
	if err != nil {
		r.log().Warn("unreadable wallet snapshot", zap.String("account", account), zap.Error(err))
		return domain.WalletSnapshot{}, false
	}
	return w, true
}

func (r Repo) SaveWalletSnapshot(account string, w domain.WalletSnapshot) error {
	w.SchemaVersion = domain.SchemaVersion
	return r.Store.Write(r.Layout.Wallet(account), w)
}
