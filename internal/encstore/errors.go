package encstore

import "errors"

var (
	// ErrNotExist is returned by a Backend (and by Store.Read) when no record
	// is stored under the requested key.
	ErrNotExist = errors.New("record does not exist")
	// ErrCorruptRecord means the stored bytes look like an encrypted record
	// but required fields are missing or malformed.
	ErrCorruptRecord = errors.New("corrupt encrypted record")
	// ErrDecryptionFailed means authentication or padding checks failed,
	// usually because the secret is wrong or the record was tampered with.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrWeakKey is returned by CheckKey for short or placeholder secrets.
	ErrWeakKey = errors.New("weak encryption key")
)
