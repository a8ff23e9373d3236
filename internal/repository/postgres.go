package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// PostgresRepository stores records in the records table and migration
// snapshots in record_backups.
type PostgresRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository with the given database connection.
// The schema is expected to exist (see db.InitPostgres).
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{DB: db}
}

// Load returns the record body, or encstore.ErrNotExist if there is no row.
func (r *PostgresRepository) Load(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT body FROM records WHERE key = $1`,
		key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, encstore.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return body, nil
}

// Save upserts the record body.
func (r *PostgresRepository) Save(ctx context.Context, key string, data []byte) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO records (key, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, key, data)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Backup inserts a snapshot row and returns its id.
func (r *PostgresRepository) Backup(ctx context.Context, key string, data []byte, at time.Time) (string, error) {
	id := uuid.New()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO record_backups (id, key, body, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, key, data, at.UTC())
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", key, err)
	}
	return id.String(), nil
}
