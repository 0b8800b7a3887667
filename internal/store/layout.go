package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout names every persisted document under one data directory.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	if root == "" {
		root = "data"
	}
	return Layout{Root: root}
}

func (l Layout) PortsDir() string   { return filepath.Join(l.Root, "ports", "generated_ports") }
func (l Layout) LocksDir() string   { return filepath.Join(l.Root, "ports", "locks") }
func (l Layout) StagingDir() string { return filepath.Join(l.Root, "ports", "staging") }
func (l Layout) LedgerDir() string  { return filepath.Join(l.Root, "ledger") }

func (l Layout) PortFile(id string) string {
	return filepath.Join(l.PortsDir(), PortFileName(id))
}

func (l Layout) StagedPortFile(id string) string {
	return filepath.Join(l.StagingDir(), PortFileName(id))
}

func (l Layout) ProcessedRequests() string {
	return filepath.Join(l.Root, "ports", "processed_requests.json")
}

func (l Layout) CleanupManifest() string {
	return filepath.Join(l.Root, "ports", "cleanup_manifest.json")
}

func (l Layout) Users() string { return filepath.Join(l.Root, "users.json") }

// Withdrawals prefers withdrawals.json and falls back to the misspelled
// withdrawls.json when only that one exists.
func (l Layout) Withdrawals() string {
	canonical := filepath.Join(l.Root, "withdrawals.json")
	legacy := filepath.Join(l.Root, "withdrawls.json")
	if exists(canonical) {
		return canonical
	}
	if exists(legacy) {
		return legacy
	}
	return canonical
}

func (l Layout) Wallet(account string) string {
	return filepath.Join(l.Root, fmt.Sprintf("wallet_%s.json", strings.ToLower(account)))
}

func (l Layout) LatestLedgerSnapshot() string {
	return filepath.Join(l.LedgerDir(), "wallet_snapshot_latest.json")
}

func (l Layout) DatedLedgerSnapshot(stamp string) string {
	return filepath.Join(l.LedgerDir(), fmt.Sprintf("wallet_%s.json", stamp))
}

func (l Layout) CleanupLog() string { return filepath.Join(l.LedgerDir(), "cleanup_log.json") }
func (l Layout) AuditLog() string   { return filepath.Join(l.LedgerDir(), "audit_log.json") }

// PortFileName is the file name of a port document.
func PortFileName(id string) string { return "port_" + id + ".json" }

// PortIDFromFile extracts the id from a port document path.
func PortIDFromFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimPrefix(base, "port_"), ".json")
}

// EnsureWorkspace creates the directory tree.
func (l Layout) EnsureWorkspace() error {
	for _, dir := range []string{l.PortsDir(), l.LocksDir(), l.StagingDir(), l.LedgerDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
