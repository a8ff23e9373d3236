package repository

import (
	"context"
	"errors"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// VaultRepository stores the client's vault blob as one opaque record.
type VaultRepository struct {
	store RecordStore
}

func NewVaultRepository(store RecordStore) *VaultRepository {
	return &VaultRepository{store: store}
}

// Read returns the stored blob, or "" when nothing was saved yet.
func (r *VaultRepository) Read(ctx context.Context) (string, error) {
	data, err := r.store.Read(ctx, KeyVault)
	if errors.Is(err, encstore.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write replaces the stored blob.
func (r *VaultRepository) Write(ctx context.Context, blob string) error {
	return r.store.Write(ctx, KeyVault, []byte(blob))
}
