package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portline/internal/domain"
	"portline/internal/events"
	"portline/internal/lease"
	"portline/internal/wallet"
)

const withdrawalsLease = "doc-withdrawals"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicatePending  = errors.New("a matching withdrawal is already pending")
	ErrWithdrawalMissing = errors.New("withdrawal not found")
)

type WithdrawalOptions struct {
	Owner  string
	Amount float64
	Key    string
}

// RequestWithdrawal appends a pending request after checking it against the
// available balance. Pending requests do not reduce the balance.
func (e Engine) RequestWithdrawal(ctx context.Context, opts WithdrawalOptions) (domain.WithdrawalRequest, error) {
	owner := domain.NormalizeUsername(opts.Owner)
	if owner == "" {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if opts.Amount <= 0 || math.IsNaN(opts.Amount) || math.IsInf(opts.Amount, 0) {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	amount := domain.Cents(opts.Amount)
	w, err := e.WalletFor(ctx, owner)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if amount > domain.Cents(w.AvailableBalance) {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: requested %.2f, available %.2f", ErrInsufficientFunds, domain.FromCents(amount), w.AvailableBalance)
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = fmt.Sprintf("withdraw:%s:%.2f", owner, domain.FromCents(amount))
	}

	var created domain.WithdrawalRequest
	err = e.Locks.With(ctx, withdrawalsLease, e.LockTTL, func() error {
		items := e.Repo.Withdrawals()
		next := 0
		for _, it := range items {
			if domain.NormalizeUsername(it.Username) == owner && it.Status == domain.WithdrawalPending && domain.Cents(it.Amount) == amount {
				return ErrDuplicatePending
			}
			next = max(next, it.ID)
		}
		created = domain.WithdrawalRequest{
			SchemaVersion: domain.SchemaVersion,
			ID:            next + 1,
			Username:      owner,
			Amount:        domain.FromCents(amount),
			Status:        domain.WithdrawalPending,
			CreatedAt:     e.stamp(),
			Key:           key,
		}
		return e.Repo.SaveWithdrawals(append(items, created))
	})
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	e.log().Info("withdrawal requested", zap.String("owner", owner), zap.Int("withdrawal_id", created.ID), zap.Float64("amount", created.Amount))
	return created, nil
}

// SetWithdrawalStatus approves or rejects a request and stamps processed_at.
func (e Engine) SetWithdrawalStatus(ctx context.Context, id int, status, actorID string) (domain.WithdrawalRequest, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != domain.WithdrawalApproved && status != domain.WithdrawalRejected {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: status must be approved or rejected", ErrInvalidInput)
	}
	var changed domain.WithdrawalRequest
	err := e.Locks.With(ctx, withdrawalsLease, e.LockTTL, func() error {
		items := e.Repo.Withdrawals()
		idx := -1
		for i := range items {
			if items[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %d", ErrWithdrawalMissing, id)
		}
		now := e.stamp()
		items[idx].Status = status
		items[idx].ProcessedAt = &now
		changed = items[idx]
		return e.Repo.SaveWithdrawals(items)
	})
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	e.audit(ctx, "withdrawal."+status, "withdrawal", fmt.Sprint(id), actorID, events.EventPayload{
		"username": changed.Username,
		"amount":   changed.Amount,
	})
	return changed, nil
}

type WithdrawalGroups struct {
	Pending  []domain.WithdrawalRequest `json:"pending"`
	Approved []domain.WithdrawalRequest `json:"approved"`
	Rejected []domain.WithdrawalRequest `json:"rejected"`
	Total    int                        `json:"total"`
}

// ListWithdrawals groups every request by status, newest first.
func (e Engine) ListWithdrawals() WithdrawalGroups {
	items := e.Repo.Withdrawals()
	g := WithdrawalGroups{
		Pending:  []domain.WithdrawalRequest{},
		Approved: []domain.WithdrawalRequest{},
		Rejected: []domain.WithdrawalRequest{},
		Total:    len(items),
	}
	for _, it := range items {
		switch it.Status {
		case domain.WithdrawalApproved:
			g.Approved = append(g.Approved, it)
		case domain.WithdrawalRejected:
			g.Rejected = append(g.Rejected, it)
		default:
			g.Pending = append(g.Pending, it)
		}
	}
	for _, list := range [][]domain.WithdrawalRequest{g.Pending, g.Approved, g.Rejected} {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].CreatedAt != list[j].CreatedAt {
				return list[i].CreatedAt > list[j].CreatedAt
			}
			return list[i].ID > list[j].ID
		})
	}
	return g
}

// ResetWallet forces the reconciled account's snapshots to a baseline.
func (e Engine) ResetWallet(ctx context.Context, owner string, totalEarned float64, actorID string) (domain.WalletSnapshot, error) {
	w, err := e.Wallet.Reset(ctx, owner, totalEarned)
	if err != nil {
		return w, err
	}
	e.audit(ctx, "wallet.reset", "wallet", domain.NormalizeUsername(owner), actorID, events.EventPayload{"total_earned": w.TotalEarned})
	return w, nil
}

type BalanceReset struct {
	Owner        string                `json:"owner"`
	DeletedPorts int                   `json:"deleted_ports"`
	LedgerPort   domain.Port           `json:"ledger_port"`
	Wallet       domain.WalletSnapshot `json:"wallet"`
}

// ResetBalance zeroes owner's available balance: their ports are replaced by
// one ledger port worth exactly the approved withdrawals.
func (e Engine) ResetBalance(ctx context.Context, owner, actorID string) (BalanceReset, error) {
	owner = domain.NormalizeUsername(owner)
	if owner == "" {
		return BalanceReset{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	ports, err := e.Repo.ListPortsByOwner(owner)
	if err != nil {
		return BalanceReset{}, fmt.Errorf("list ports: %w", err)
	}
	// Every port lease is taken before anything is written; a port held by
	// an in-flight mutation fails the whole reset.
	held := make([]*lease.Lease, 0, len(ports))
	defer func() {
		for _, l := range held {
			l.Release()
		}
	}()
	for _, p := range ports {
		l, ok := e.acquire(p.ID)
		if !ok {
			return BalanceReset{}, fmt.Errorf("reset balance for %s: port %s: %w", owner, p.ID, lease.ErrBusy)
		}
		held = append(held, l)
	}
	approved := wallet.ApprovedCents(e.Repo.Withdrawals(), owner)
	ledger := NewLedgerPort(owner, domain.FromCents(approved), e.stamp(), "balance reset")
	if err := e.Repo.InsertPort(ledger); err != nil {
		return BalanceReset{}, fmt.Errorf("write ledger port: %w", err)
	}
	deleted := 0
	for _, p := range ports {
		if err := e.Repo.DeletePort(p.ID); err != nil {
			return BalanceReset{}, fmt.Errorf("delete port %s: %w", p.ID, err)
		}
		deleted++
	}
	out := BalanceReset{Owner: owner, DeletedPorts: deleted, LedgerPort: ledger}
	if e.Wallet.Applies(owner) {
		out.Wallet, err = e.Wallet.Reset(ctx, owner, ledger.Reward)
	} else {
		out.Wallet, err = e.WalletFor(ctx, owner)
	}
	if err != nil {
		return out, err
	}
	e.audit(ctx, "balance.reset", "user", owner, actorID, events.EventPayload{
		"deleted_ports": deleted,
		"approved_sum":  ledger.Reward,
	})
	return out, nil
}

// NewLedgerPort builds the synthetic resolved port that carries a balance
// forward after ports are purged.
func NewLedgerPort(owner string, reward float64, now, note string) domain.Port {
	resolvedAt := now
	discoveredAt := now
	return domain.Port{
		SchemaVersion:   domain.SchemaVersion,
		ID:              "ledger-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Owner:           domain.NormalizeUsername(owner),
		PortNumber:      domain.LedgerPortNumber,
		Reward:          domain.Round2(reward),
		Status:          domain.StatusResolved,
		ResolveDelaySec: 0,
		CreatedAt:       now,
		DiscoveredAt:    &discoveredAt,
		ResolvedAt:      &resolvedAt,
		Version:         1,
		IsLedger:        true,
		Note:            note,
	}
}

func (e Engine) audit(ctx context.Context, evtType, kind, id, actorID string, payload events.EventPayload) {
	if e.Audit.Store == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	if _, err := e.Audit.Append(ctx, evtType, kind, id, actorID, payload); err != nil {
		e.log().Warn("audit append failed", zap.String("type", evtType), zap.Error(err))
	}
}
