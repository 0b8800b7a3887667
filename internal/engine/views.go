package engine

import (
	"context"
	"fmt"
	"sort"

	"portline/internal/domain"
	"portline/internal/wallet"
)

type PortCounts struct {
	Assigned   int `json:"assigned"`
	Discovered int `json:"discovered"`
	Resolved   int `json:"resolved"`
	Archived   int `json:"archived"`
}

type Dashboard struct {
	Owner              string                     `json:"owner"`
	Assigned           []domain.Port              `json:"assigned"`
	Discovered         []domain.Port              `json:"discovered"`
	Resolved           []domain.Port              `json:"resolved"`
	Archived           []domain.Port              `json:"archived"`
	Counts             PortCounts                 `json:"counts"`
	Wallet             domain.WalletSnapshot      `json:"wallet"`
	PendingWithdrawals float64                    `json:"pending_withdrawals"`
	Withdrawals        []domain.WithdrawalRequest `json:"withdrawals"`
}

// Dashboard groups owner's ports by state and attaches the wallet.
func (e Engine) Dashboard(ctx context.Context, owner string) (Dashboard, error) {
	owner = domain.NormalizeUsername(owner)
	ports, err := e.Repo.ListPortsByOwner(owner)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list ports: %w", err)
	}
	d := Dashboard{
		Owner:       owner,
		Assigned:    []domain.Port{},
		Discovered:  []domain.Port{},
		Resolved:    []domain.Port{},
		Archived:    []domain.Port{},
		Withdrawals: []domain.WithdrawalRequest{},
	}
	for _, p := range ports {
		switch p.Status {
		case domain.StatusAssigned:
			d.Assigned = append(d.Assigned, p)
		case domain.StatusDiscovered:
			d.Discovered = append(d.Discovered, p)
		case domain.StatusResolved:
			d.Resolved = append(d.Resolved, p)
		case domain.StatusArchived:
			d.Archived = append(d.Archived, p)
		}
	}
	d.Counts = PortCounts{
		Assigned:   len(d.Assigned),
		Discovered: len(d.Discovered),
		Resolved:   len(d.Resolved),
		Archived:   len(d.Archived),
	}
	withdrawals := e.Repo.Withdrawals()
	for _, w := range withdrawals {
		if domain.NormalizeUsername(w.Username) == owner {
			d.Withdrawals = append(d.Withdrawals, w)
		}
	}
	d.PendingWithdrawals = domain.FromCents(wallet.PendingCents(withdrawals, owner))
	computed := wallet.Compute(ports, withdrawals, owner)
	d.Wallet, err = e.Wallet.Reconcile(ctx, owner, computed)
	if err != nil {
		return d, err
	}
	return d, nil
}

// WalletFor returns the wallet shown to owner without the port lists.
func (e Engine) WalletFor(ctx context.Context, owner string) (domain.WalletSnapshot, error) {
	ports, err := e.Repo.ListPortsByOwner(owner)
	if err != nil {
		return domain.WalletSnapshot{}, fmt.Errorf("list ports: %w", err)
	}
	computed := wallet.Compute(ports, e.Repo.Withdrawals(), owner)
	return e.Wallet.Reconcile(ctx, owner, computed)
}

type AdminTotals struct {
	Ports      int `json:"ports"`
	Assigned   int `json:"assigned"`
	Discovered int `json:"discovered"`
	Resolved   int `json:"resolved"`
	Archived   int `json:"archived"`
	Unresolved int `json:"unresolved"`
}

type AdminStats struct {
	Usernames          []string    `json:"usernames"`
	Totals             AdminTotals `json:"totals"`
	PendingWithdrawals int         `json:"pending_withdrawals"`
}

func (e Engine) AdminStats(ctx context.Context) (AdminStats, error) {
	ports, err := e.Repo.ListPorts()
	if err != nil {
		return AdminStats{}, fmt.Errorf("list ports: %w", err)
	}
	var t AdminTotals
	t.Ports = len(ports)
	for _, p := range ports {
		switch p.Status {
		case domain.StatusAssigned:
			t.Assigned++
		case domain.StatusDiscovered:
			t.Discovered++
		case domain.StatusResolved:
			t.Resolved++
		case domain.StatusArchived:
			t.Archived++
		}
	}
	t.Unresolved = t.Ports - t.Resolved
	pending := 0
	for _, w := range e.Repo.Withdrawals() {
		if w.Status == domain.WithdrawalPending {
			pending++
		}
	}
	return AdminStats{Usernames: e.NonAdminUsernames(), Totals: t, PendingWithdrawals: pending}, nil
}

// NonAdminUsernames lists registered non-admin users, sorted and deduplicated.
func (e Engine) NonAdminUsernames() []string {
	seen := map[string]bool{}
	out := []string{}
	for _, u := range e.Repo.Users() {
		if u.IsAdmin || seen[u.Username] {
			continue
		}
		seen[u.Username] = true
		out = append(out, u.Username)
	}
	sort.Strings(out)
	return out
}

func (e Engine) RegisterUser(ctx context.Context, username string, isAdmin bool) (domain.User, error) {
	name := domain.NormalizeUsername(username)
	if name == "" {
		return domain.User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	u := domain.User{Username: name, IsAdmin: isAdmin, CreatedAt: e.stamp()}
	err := e.Locks.With(ctx, "doc-users", e.LockTTL, func() error {
		return e.Repo.AddUser(u)
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) ListUsers() []domain.User {
	return e.Repo.Users()
}
