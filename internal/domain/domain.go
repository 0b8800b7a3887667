package domain

import (
	"math"
	"strings"
)

// SchemaVersion is stamped on every document written by this build.
const SchemaVersion = 1

const (
	StatusAssigned   = "assigned"
	StatusDiscovered = "discovered"
	StatusResolved   = "resolved"
	StatusArchived   = "archived"
)

const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// LedgerPortNumber labels the synthetic ports written by cleanup and balance resets.
const LedgerPortNumber = 65000

type Port struct {
	SchemaVersion    int     `json:"schema_version"`
	ID               string  `json:"id"`
	Owner            string  `json:"owner"`
	PortNumber       int     `json:"port_number"`
	Reward           float64 `json:"reward"`
	Status           string  `json:"status" enum:"assigned,discovered,resolved,archived"`
	ResolveDelaySec  int     `json:"resolve_delay_sec"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	DiscoveredAt     *string `json:"discovered_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at" format:"date-time"`
	ResolveStartedAt *string `json:"resolve_started_at" format:"date-time"`
	Version          int     `json:"version"`
	IsLedger         bool    `json:"is_ledger,omitempty"`
	Note             string  `json:"note,omitempty"`
}

// OwnedBy compares owners case-insensitively.
func (p Port) OwnedBy(username string) bool {
	return strings.EqualFold(strings.TrimSpace(p.Owner), strings.TrimSpace(username))
}

type WithdrawalRequest struct {
	SchemaVersion int     `json:"schema_version"`
	ID            int     `json:"id"`
	Username      string  `json:"username"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
	Key           string  `json:"key,omitempty"`
}

type User struct {
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

type WalletSnapshot struct {
	SchemaVersion    int     `json:"schema_version,omitempty"`
	AvailableBalance float64 `json:"available_balance"`
	TotalEarned      float64 `json:"total_earned"`
	UpdatedAt        string  `json:"updated_at,omitempty" format:"date-time"`
}

// Same reports whether two snapshots carry the same balances.
func (w WalletSnapshot) Same(o WalletSnapshot) bool {
	return Cents(w.AvailableBalance) == Cents(o.AvailableBalance) && Cents(w.TotalEarned) == Cents(o.TotalEarned)
}

const (
	IdemPending   = "pending"
	IdemCompleted = "completed"
)

type IdempotencyRecord struct {
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	TS         string         `json:"ts"`
	ReservedAt string         `json:"reserved_at,omitempty"`
}

type IdempotencyDoc struct {
	SchemaVersion int                          `json:"schema_version"`
	Keys          map[string]IdempotencyRecord `json:"keys"`
}

type UserLedger struct {
	AvailablePre     float64 `json:"available_pre"`
	ApprovedSum      float64 `json:"approved_sum"`
	ResolvedTotalPre float64 `json:"resolved_total_pre"`
}

type LedgerSnapshot struct {
	SchemaVersion int                   `json:"schema_version"`
	TS            string                `json:"ts"`
	Users         map[string]UserLedger `json:"users"`
}

type CleanupManifest struct {
	SchemaVersion int      `json:"schema_version"`
	TS            string   `json:"ts"`
	Staged        []string `json:"staged"`
}

type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ValidStatus reports whether s is a port lifecycle state.
func ValidStatus(s string) bool {
	switch s {
	case StatusAssigned, StatusDiscovered, StatusResolved, StatusArchived:
		return true
	}
	return false
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Cents converts an amount to integer cents, rounding half away from zero.
func Cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// FromCents converts integer cents back to a two-decimal amount.
func FromCents(c int64) float64 {
	return float64(c) / 100
}

// Round2 rounds an amount to two decimals.
func Round2(v float64) float64 {
	return FromCents(Cents(v))
}
