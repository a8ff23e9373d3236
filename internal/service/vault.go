package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VaultRepository defines the persistence operations needed by VaultService.
type VaultRepository interface {
	// Read returns "" when nothing was stored yet.
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, blob string) error
}

// BackupSender ships a copy of the vault off the host.
type BackupSender interface {
	SendBackup(ctx context.Context, filename string, content []byte) error
}

// VaultService stores the client's vault blob and optionally sends a copy
// to the backup channel after each save.
type VaultService struct {
	repo   VaultRepository
	backup BackupSender
	log    *zap.Logger
	now    func() time.Time
}

// VaultOption configures a VaultService.
type VaultOption func(*VaultService)

// WithBackupSender enables best-effort backups after every save.
func WithBackupSender(b BackupSender) VaultOption {
	return func(v *VaultService) { v.backup = b }
}

func WithVaultClock(now func() time.Time) VaultOption {
	return func(v *VaultService) { v.now = now }
}

func NewVaultService(repo VaultRepository, log *zap.Logger, opts ...VaultOption) *VaultService {
	v := &VaultService{repo: repo, log: log, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Get returns the stored blob.
func (v *VaultService) Get(ctx context.Context) (string, error) {
	return v.repo.Read(ctx)
}

// Save stores data, any JSON value, re-indented with four spaces.
func (v *VaultService) Save(ctx context.Context, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "    "); err != nil {
		return fmt.Errorf("vault data is not valid JSON: %w", err)
	}
	if err := v.repo.Write(ctx, buf.String()); err != nil {
		return err
	}

	if v.backup == nil {
		return nil
	}
	name := fmt.Sprintf("my-passwords-%s.json", v.now().UTC().Format("20060102-150405"))
	if err := v.backup.SendBackup(ctx, name, buf.Bytes()); err != nil {
		v.log.Warn("vault backup failed", zap.Error(err))
		return nil
	}
	v.log.Info("vault backup sent", zap.String("file", name))
	return nil
}
