package repository

import (
	"path/filepath"
	"testing"

	"github.com/kirill-eremin-production/my-passwords/internal/config"
)

func TestOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	tests := []struct {
		name    string
		options config.Options
		check   func(t *testing.T, o *Opened)
		wantErr bool
	}{
		{
			name:    "file",
			options: config.Options{StoreBackend: config.BackendFile, StoreDir: dir},
			check: func(t *testing.T, o *Opened) {
				r, ok := o.Backend.(*FileRepository)
				if !ok || r.Dir != dir {
					t.Errorf("expected file repository in %s, got %#v", dir, o.Backend)
				}
			},
		},
		{
			name:    "memory",
			options: config.Options{StoreBackend: config.BackendMemory},
			check: func(t *testing.T, o *Opened) {
				if _, ok := o.Backend.(*MemoryRepository); !ok {
					t.Errorf("expected memory repository, got %T", o.Backend)
				}
				if o.DB != nil {
					t.Error("expected no database handle")
				}
			},
		},
		{
			name:    "unknown",
			options: config.Options{StoreBackend: "s3"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Open(&tt.options)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer o.Close()
			tt.check(t, o)
		})
	}
}
