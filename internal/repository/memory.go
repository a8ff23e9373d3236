package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string][]byte
	backups map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string][]byte),
		backups: make(map[string][]byte),
	}
}

func (r *MemoryRepository) Load(_ context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.records[key]
	if !ok {
		return nil, encstore.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (r *MemoryRepository) Save(_ context.Context, key string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = append([]byte(nil), data...)
	return nil
}

func (r *MemoryRepository) Backup(_ context.Context, key string, data []byte, at time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := key + ".backup." + strconv.FormatInt(at.UnixMilli(), 10)
	r.backups[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Backups returns a copy of every snapshot taken so far, keyed by reference.
func (r *MemoryRepository) Backups() map[string][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]byte, len(r.backups))
	for k, v := range r.backups {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
