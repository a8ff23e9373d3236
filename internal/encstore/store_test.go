package encstore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/pbkdf2"
)

const testSecret = "correct-horse-battery-staple"

type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	backups map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string][]byte{}, backups: map[string][]byte{}}
}

func (m *memBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrNotExist
	}
	return append([]byte(nil), b...), nil
}

func (m *memBackend) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) Backup(_ context.Context, key string, data []byte, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := key + ".backup." + strconv.FormatInt(at.UnixMilli(), 10)
	m.backups[ref] = append([]byte(nil), data...)
	return ref, nil
}

func pkcs7Pad(b []byte) []byte {
	pad := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func cbcEncrypt(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padded := pkcs7Pad(append([]byte(nil), plain...))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// makeV1 builds a record the way the first release wrote them.
func makeV1(t *testing.T, secret string, plain []byte) []byte {
	t.Helper()
	salt := bytes.Repeat([]byte{7}, saltSize)
	iv := bytes.Repeat([]byte{9}, cbcIVSize)
	derived := pbkdf2.Key([]byte(secret), salt, MinIterations, keySize, sha256.New)
	material := evpBytesToKey(derived, keySize+cbcIVSize)
	data := cbcEncrypt(t, material[:keySize], material[keySize:], plain)

	raw, err := json.Marshal(legacyRecord{
		Salt:    base64.StdEncoding.EncodeToString(salt),
		IV:      base64.StdEncoding.EncodeToString(iv),
		Data:    base64.StdEncoding.EncodeToString(data),
		Version: "1.0",
	})
	require.NoError(t, err)
	return raw
}

func makeV2(t *testing.T, secret string, plain []byte) []byte {
	t.Helper()
	rec := Record{
		Salt:          bytes.Repeat([]byte{3}, saltSize),
		IV:            bytes.Repeat([]byte{5}, cbcIVSize),
		FormatVersion: 2,
		KDFIterations: MinIterations,
		Algorithm:     AlgorithmCBCHMAC,
	}
	derived := pbkdf2.Key([]byte(secret), rec.Salt, rec.KDFIterations, keySize+macKeySize, sha256.New)
	rec.Ciphertext = cbcEncrypt(t, derived[:keySize], rec.IV, plain)
	rec.MAC = v2MAC(derived[keySize:], &rec)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return raw
}

func fixedClock() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s := New(testSecret, backend)

	plain := []byte(`{"github":"hunter2"}`)
	require.NoError(t, s.Write(ctx, "my-passwords", plain))

	got, err := s.Read(ctx, "my-passwords")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	raw := backend.data["my-passwords"]
	assert.NotContains(t, string(raw), "hunter2")
	format, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatV3, format)
}

func TestStore_FreshSaltAndNoncePerWrite(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s := New(testSecret, backend)

	require.NoError(t, s.Write(ctx, "a", []byte("same")))
	require.NoError(t, s.Write(ctx, "b", []byte("same")))

	var ra, rb Record
	require.NoError(t, json.Unmarshal(backend.data["a"], &ra))
	require.NoError(t, json.Unmarshal(backend.data["b"], &rb))
	assert.NotEqual(t, ra.Salt, rb.Salt)
	assert.NotEqual(t, ra.IV, rb.IV)
	assert.NotEqual(t, ra.Ciphertext, rb.Ciphertext)
}

func TestStore_ReadMissing(t *testing.T) {
	s := New(testSecret, newMemBackend())
	_, err := s.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestStore_WrongKey(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	require.NoError(t, New(testSecret, backend).Write(ctx, "k", []byte("secret data")))

	_, err := New("another-secret-value-123", backend).Read(ctx, "k")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestStore_TamperedRecord(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{name: "ciphertext bit flip", mutate: func(r *Record) { r.Ciphertext[0] ^= 0x01 }},
		{name: "iterations changed", mutate: func(r *Record) { r.KDFIterations++ }},
		{name: "salt changed", mutate: func(r *Record) { r.Salt[0] ^= 0xff }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend()
			s := New(testSecret, backend)
			require.NoError(t, s.Write(ctx, "k", []byte("payload")))

			var rec Record
			require.NoError(t, json.Unmarshal(backend.data["k"], &rec))
			tt.mutate(&rec)
			raw, err := json.Marshal(rec)
			require.NoError(t, err)
			backend.data["k"] = raw

			_, err = s.Read(ctx, "k")
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestStore_CorruptRecords(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "v1 missing fields", raw: `{"salt":"AAAA"}`},
		{name: "v1 bad base64", raw: `{"salt":"!!","iv":"AAAA","data":"AAAA","version":"1.0"}`},
		{name: "v3 missing ciphertext", raw: `{"format_version":3,"salt":"AAAA","kdf_iterations":100000,"algorithm":"aes-256-gcm"}`},
		{name: "unknown version", raw: `{"format_version":9}`},
		{name: "version not numeric", raw: `{"format_version":"three"}`},
		{name: "absurd iterations", raw: `{"format_version":3,"salt":"AAAA","iv":"AAAAAAAAAAAAAAAA","ciphertext":"AAAA","kdf_iterations":999999999,"algorithm":"aes-256-gcm"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend()
			backend.data["k"] = []byte(tt.raw)
			_, err := New(testSecret, backend).Read(context.Background(), "k")
			assert.ErrorIs(t, err, ErrCorruptRecord)
			assert.Empty(t, backend.backups, "corrupt records must not be rewritten")
		})
	}
}

func TestStore_Migrations(t *testing.T) {
	ctx := context.Background()
	plain := []byte(`{"bank":"1234"}`)

	tests := []struct {
		name string
		from Format
		raw  func(t *testing.T) []byte
	}{
		{name: "legacy plaintext", from: FormatLegacyPlain, raw: func(*testing.T) []byte { return plain }},
		{name: "v1", from: FormatV1, raw: func(t *testing.T) []byte { return makeV1(t, testSecret, plain) }},
		{name: "v2", from: FormatV2, raw: func(t *testing.T) []byte { return makeV2(t, testSecret, plain) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			backend := newMemBackend()
			original := tt.raw(t)
			backend.data["vault"] = original

			format, err := Detect(original)
			require.NoError(t, err)
			require.Equal(t, tt.from, format)

			s := New(testSecret, backend, WithClock(fixedClock), WithLogger(zap.New(core)))
			got, err := s.Read(ctx, "vault")
			require.NoError(t, err)
			assert.Equal(t, plain, got)

			format, err = Detect(backend.data["vault"])
			require.NoError(t, err)
			assert.Equal(t, FormatV3, format)

			ref := fmt.Sprintf("vault.backup.%d", fixedClock().UnixMilli())
			assert.Equal(t, original, backend.backups[ref])

			entries := logs.FilterMessage("record migrated").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.from.String(), entries[0].ContextMap()["from"])

			again, err := s.Read(ctx, "vault")
			require.NoError(t, err)
			assert.Equal(t, plain, again)
			assert.Len(t, backend.backups, 1)
		})
	}
}

func TestStore_V1WrongKeyIsNotRewritten(t *testing.T) {
	backend := newMemBackend()
	original := makeV1(t, testSecret, []byte("data"))
	backend.data["k"] = original

	_, err := New("a-different-secret-value", backend).Read(context.Background(), "k")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Equal(t, original, backend.data["k"])
	assert.Empty(t, backend.backups)
}

func TestStore_Migrate(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s := New(testSecret, backend)

	migrated, err := s.Migrate(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, migrated)

	backend.data["k"] = makeV2(t, testSecret, []byte("x"))
	migrated, err = s.Migrate(ctx, "k")
	require.NoError(t, err)
	assert.True(t, migrated)

	migrated, err = s.Migrate(ctx, "k")
	require.NoError(t, err)
	assert.False(t, migrated)
}

func TestStore_UpdateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New(testSecret, newMemBackend(), WithKDFConcurrency(2))

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", func(cur []byte) ([]byte, error) {
				n := 0
				if cur != nil {
					var err error
					n, err = strconv.Atoi(string(cur))
					if err != nil {
						return nil, err
					}
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Read(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers), string(got))
}

func TestStore_UpdateNilSkipsWrite(t *testing.T) {
	backend := newMemBackend()
	s := New(testSecret, backend)

	err := s.Update(context.Background(), "k", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotContains(t, backend.data, "k")
}

func TestStore_Inspect(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s := New(testSecret, backend, WithIterations(10), WithClock(fixedClock))
	require.NoError(t, s.Write(ctx, "k", []byte("v")))

	info, err := s.Inspect(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, FormatV3, info.Format)
	assert.Equal(t, AlgorithmGCM, info.Algorithm)
	assert.Equal(t, MinIterations, info.Iterations)
	assert.True(t, fixedClock().Equal(info.WrittenAt))

	backend.data["old"] = makeV1(t, testSecret, []byte("v"))
	info, err = s.Inspect(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, FormatV1, info.Format)
	assert.Equal(t, AlgorithmCBC, info.Algorithm)
}

func TestStore_ContextCancelledBeforeDerivation(t *testing.T) {
	s := New(testSecret, newMemBackend(), WithKDFConcurrency(1))
	require.NoError(t, s.kdf.Acquire(context.Background(), 1))
	defer s.kdf.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Write(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, context.Canceled)
}
