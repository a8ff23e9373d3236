package repository

import (
	"database/sql"
	"fmt"

	"github.com/kirill-eremin-production/my-passwords/internal/config"
	"github.com/kirill-eremin-production/my-passwords/internal/db"
	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// Opened is a record backend together with the connection behind it.
type Opened struct {
	encstore.Backend
	// DB is set for the postgres backend.
	DB *sql.DB
}

// Close releases the database connection, if any.
func (o *Opened) Close() error {
	if o.DB == nil {
		return nil
	}
	return o.DB.Close()
}

// Open builds the backend selected by options.StoreBackend.
func Open(options *config.Options) (*Opened, error) {
	switch options.StoreBackend {
	case config.BackendFile:
		r, err := NewFileRepository(options.StoreDir)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: r}, nil
	case config.BackendPostgres:
		conn, err := db.InitPostgres(options.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: NewPostgresRepository(conn), DB: conn}, nil
	case config.BackendMemory:
		return &Opened{Backend: NewMemoryRepository()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", options.StoreBackend)
	}
}
