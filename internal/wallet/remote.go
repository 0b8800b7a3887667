package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"portline/internal/domain"
	"portline/internal/migrate"
	"portline/internal/store"
)

// RemoteStore mirrors the reconciled wallet outside the local data directory.
// Fetch reports false when no snapshot exists yet.
type RemoteStore interface {
	Name() string
	Fetch(ctx context.Context) (domain.WalletSnapshot, bool, error)
	Push(ctx context.Context, w domain.WalletSnapshot) error
}

// FileRemote keeps the mirror in a plain file, typically on another volume.
type FileRemote struct {
	Path  string
	Store *store.Store
}

func (f FileRemote) Name() string { return "file" }

func (f FileRemote) Fetch(ctx context.Context) (domain.WalletSnapshot, bool, error) {
	raw, ok := f.Store.ReadRaw(f.Path)
	if !ok {
		return domain.WalletSnapshot{}, false, nil
	}
	w, err := migrate.Wallet(raw)
	if err != nil {
		return domain.WalletSnapshot{}, false, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return w, true, nil
}

func (f FileRemote) Push(ctx context.Context, w domain.WalletSnapshot) error {
	return f.Store.Write(f.Path, w)
}

func encodeSnapshot(w domain.WalletSnapshot) ([]byte, error) {
	w.SchemaVersion = domain.SchemaVersion
	return json.MarshalIndent(w, "", "  ")
}
