package wallet

import (
	"portline/internal/domain"
)

// Compute derives a wallet from resolved rewards and approved withdrawals.
// All arithmetic happens in cents.
func Compute(ports []domain.Port, withdrawals []domain.WithdrawalRequest, owner string) domain.WalletSnapshot {
	earned := ResolvedCents(ports, owner)
	approved := ApprovedCents(withdrawals, owner)
	available := earned - approved
	if available < 0 {
		available = 0
	}
	return domain.WalletSnapshot{
		AvailableBalance: domain.FromCents(available),
		TotalEarned:      domain.FromCents(earned),
	}
}

// ResolvedCents sums the rewards of owner's resolved ports.
func ResolvedCents(ports []domain.Port, owner string) int64 {
	var sum int64
	for _, p := range ports {
		if p.Status == domain.StatusResolved && p.OwnedBy(owner) {
			sum += domain.Cents(p.Reward)
		}
	}
	return sum
}

// ApprovedCents sums owner's approved withdrawals.
func ApprovedCents(withdrawals []domain.WithdrawalRequest, owner string) int64 {
	owner = domain.NormalizeUsername(owner)
	var sum int64
	for _, w := range withdrawals {
		if w.Status == domain.WithdrawalApproved && domain.NormalizeUsername(w.Username) == owner {
			sum += domain.Cents(w.Amount)
		}
	}
	return sum
}

// PendingCents sums owner's pending withdrawals.
func PendingCents(withdrawals []domain.WithdrawalRequest, owner string) int64 {
	owner = domain.NormalizeUsername(owner)
	var sum int64
	for _, w := range withdrawals {
		if w.Status == domain.WithdrawalPending && domain.NormalizeUsername(w.Username) == owner {
			sum += domain.Cents(w.Amount)
		}
	}
	return sum
}

// Merge takes the field-wise maximum of every present snapshot and clamps
// available to total.
func Merge(computed domain.WalletSnapshot, others ...*domain.WalletSnapshot) domain.WalletSnapshot {
	total := domain.Cents(computed.TotalEarned)
	available := domain.Cents(computed.AvailableBalance)
	for _, o := range others {
		if o == nil {
			continue
		}
		total = max(total, domain.Cents(o.TotalEarned))
		available = max(available, domain.Cents(o.AvailableBalance))
	}
	if available < 0 {
		available = 0
	}
	if total < 0 {
		total = 0
	}
	available = min(available, total)
	return domain.WalletSnapshot{
		AvailableBalance: domain.FromCents(available),
		TotalEarned:      domain.FromCents(total),
	}
}
