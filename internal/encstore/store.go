// Package encstore persists opaque blobs encrypted under a key derived from
// a server-side secret. Every write produces the current format; older
// formats are upgraded transparently on first read after a raw backup.
package encstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"

	"github.com/kirill-eremin-production/my-passwords/internal/metrics"
)

// MinIterations is the PBKDF2 floor for new records.
const MinIterations = 100_000

// Backend stores raw record bytes by key.
type Backend interface {
	// Load returns ErrNotExist when nothing is stored under key.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the content under key atomically.
	Save(ctx context.Context, key string, data []byte) error
	// Backup keeps a copy of data taken at the given time and returns a
	// reference to it.
	Backup(ctx context.Context, key string, data []byte, at time.Time) (string, error)
}

// Info describes a stored record without decrypting it.
type Info struct {
	Key        string
	Format     Format
	Algorithm  string
	Iterations int
	WrittenAt  time.Time
	Size       int
}

// Store encrypts records before handing them to a Backend.
type Store struct {
	secret     []byte
	iterations int
	backend    Backend
	log        *zap.Logger
	now        func() time.Time
	random     io.Reader
	kdf        *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithIterations sets the PBKDF2 iteration count for new records. Values below
// MinIterations are raised to it.
func WithIterations(n int) Option {
	return func(s *Store) {
		if n < MinIterations {
			n = MinIterations
		}
		s.iterations = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// WithKDFConcurrency bounds how many key derivations run at once.
func WithKDFConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.kdf = semaphore.NewWeighted(int64(n))
		}
	}
}

// New returns a Store. The secret is not validated here; callers decide
// whether a weak key is fatal via CheckKey.
func New(secret string, backend Backend, opts ...Option) *Store {
	s := &Store{
		secret:     []byte(secret),
		iterations: MinIterations,
		backend:    backend,
		log:        zap.NewNop(),
		now:        time.Now,
		random:     rand.Reader,
		kdf:        semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		locks:      make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lock(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) deriveKey(ctx context.Context, salt []byte, iterations, size int) ([]byte, error) {
	if err := s.kdf.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.kdf.Release(1)

	start := time.Now()
	key := pbkdf2.Key(s.secret, salt, iterations, size, sha256.New)
	metrics.KeyDerivationSeconds.Observe(time.Since(start).Seconds())
	return key, nil
}

// Write encrypts plaintext in the current format and stores it under key.
func (s *Store) Write(ctx context.Context, key string, plaintext []byte) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	err := s.writeLocked(ctx, key, plaintext)
	metrics.RecordStoreOperation(metrics.OpWrite, err)
	return err
}

func (s *Store) writeLocked(ctx context.Context, key string, plaintext []byte) error {
	raw, err := s.seal(ctx, plaintext)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	derived, err := s.deriveKey(ctx, salt, s.iterations, keySize)
	if err != nil {
		return nil, err
	}
	rec := Record{
		Salt:          salt,
		FormatVersion: 3,
		KDFIterations: s.iterations,
		Algorithm:     AlgorithmGCM,
		WrittenAt:     s.now().UTC(),
	}
	if err := sealV3(derived, plaintext, &rec, s.random); err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// Read returns the plaintext stored under key, or ErrNotExist. Records in an
// older format are backed up and rewritten before Read returns.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	l := s.lock(key)

	l.RLock()
	raw, format, err := s.loadRaw(ctx, key)
	var plain []byte
	if err == nil && format == CurrentFormat {
		plain, err = s.openCurrent(ctx, raw)
	}
	l.RUnlock()

	if err != nil || format == CurrentFormat {
		if !errors.Is(err, ErrNotExist) {
			metrics.RecordStoreOperation(metrics.OpRead, err)
		}
		return plain, err
	}

	l.Lock()
	defer l.Unlock()
	plain, _, err = s.migrateLocked(ctx, key)
	metrics.RecordStoreOperation(metrics.OpRead, err)
	return plain, err
}

// Update runs fn over the current plaintext (nil when the record is absent)
// and writes its result, all under the key's write lock. Returning nil bytes
// from fn skips the write.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	current, _, err := s.migrateLocked(ctx, key)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	err = s.writeLocked(ctx, key, next)
	metrics.RecordStoreOperation(metrics.OpWrite, err)
	return err
}

// Migrate upgrades the record under key to the current format. It reports
// whether a rewrite happened; absent records are not an error.
func (s *Store) Migrate(ctx context.Context, key string) (bool, error) {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	_, migrated, err := s.migrateLocked(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return migrated, err
}

// Inspect reports the format of the record under key without decrypting it.
func (s *Store) Inspect(ctx context.Context, key string) (Info, error) {
	l := s.lock(key)
	l.RLock()
	defer l.RUnlock()

	raw, format, err := s.loadRaw(ctx, key)
	if err != nil {
		return Info{}, err
	}
	info := Info{Key: key, Format: format, Size: len(raw)}
	switch format {
	case FormatV2, FormatV3:
		rec, err := decodeRecord(raw, format)
		if err != nil {
			return Info{}, err
		}
		info.Algorithm = rec.Algorithm
		info.Iterations = rec.KDFIterations
		info.WrittenAt = rec.WrittenAt
	case FormatV1:
		if _, err := decodeV1(raw); err != nil {
			return Info{}, err
		}
		info.Algorithm = AlgorithmCBC
		info.Iterations = MinIterations
	}
	return info, nil
}

func (s *Store) loadRaw(ctx context.Context, key string) ([]byte, Format, error) {
	raw, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	format, err := Detect(raw)
	if err != nil {
		return nil, 0, err
	}
	return raw, format, nil
}

func (s *Store) openCurrent(ctx context.Context, raw []byte) ([]byte, error) {
	rec, err := decodeRecord(raw, FormatV3)
	if err != nil {
		return nil, err
	}
	derived, err := s.deriveKey(ctx, rec.Salt, rec.KDFIterations, keySize)
	if err != nil {
		return nil, err
	}
	return openV3(derived, &rec)
}

// migrateLocked must be called with the key's write lock held. It returns the
// plaintext and whether the stored record was rewritten.
func (s *Store) migrateLocked(ctx context.Context, key string) ([]byte, bool, error) {
	raw, format, err := s.loadRaw(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if format == CurrentFormat {
		plain, err := s.openCurrent(ctx, raw)
		return plain, false, err
	}

	upgrade, ok := migrations[format]
	if !ok {
		return nil, false, fmt.Errorf("%w: no migration from %s", ErrCorruptRecord, format)
	}
	plain, err := upgrade(ctx, s, raw)
	if err != nil {
		metrics.RecordStoreOperation(metrics.OpMigrate, err)
		return nil, false, err
	}

	backup, err := s.backend.Backup(ctx, key, raw, s.now())
	if err != nil {
		metrics.RecordStoreOperation(metrics.OpMigrate, err)
		return nil, false, fmt.Errorf("backup %s before migration: %w", key, err)
	}
	if err := s.writeLocked(ctx, key, plain); err != nil {
		metrics.RecordStoreOperation(metrics.OpMigrate, err)
		return nil, false, err
	}

	metrics.RecordStoreOperation(metrics.OpMigrate, nil)
	metrics.MigrationsTotal.WithLabelValues(format.String()).Inc()
	s.log.Info("record migrated",
		zap.String("key", key),
		zap.Stringer("from", format),
		zap.Stringer("to", CurrentFormat),
		zap.String("backup", backup),
	)
	return plain, true, nil
}

// migration turns stored bytes of one format into plaintext ready to be
// rewritten in the current format.
type migration func(ctx context.Context, s *Store, raw []byte) ([]byte, error)

var migrations = map[Format]migration{
	FormatLegacyPlain: migrateLegacyPlain,
	FormatV1:          migrateV1,
	FormatV2:          migrateV2,
}

func migrateLegacyPlain(_ context.Context, _ *Store, raw []byte) ([]byte, error) {
	return raw, nil
}

func migrateV1(ctx context.Context, s *Store, raw []byte) ([]byte, error) {
	fields, err := decodeV1(raw)
	if err != nil {
		return nil, err
	}
	derived, err := s.deriveKey(ctx, fields.salt, MinIterations, keySize)
	if err != nil {
		return nil, err
	}
	return openV1(derived, fields.data)
}

func migrateV2(ctx context.Context, s *Store, raw []byte) ([]byte, error) {
	rec, err := decodeRecord(raw, FormatV2)
	if err != nil {
		return nil, err
	}
	derived, err := s.deriveKey(ctx, rec.Salt, rec.KDFIterations, keySize+macKeySize)
	if err != nil {
		return nil, err
	}
	return openV2(derived, &rec)
}
