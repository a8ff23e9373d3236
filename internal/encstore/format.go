package encstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Format identifies the on-disk layout of a stored record.
type Format int

const (
	// FormatLegacyPlain is unencrypted content written before encryption existed.
	FormatLegacyPlain Format = iota
	// FormatV1 is {salt, iv, data, version:"1.0"} with an EVP_BytesToKey
	// derived AES-256-CBC key. The stored iv is not used for decryption.
	FormatV1
	// FormatV2 is AES-256-CBC with an HMAC-SHA256 tag over header and ciphertext.
	FormatV2
	// FormatV3 is AES-256-GCM with the header bound as additional data.
	FormatV3
)

// CurrentFormat is what every write produces.
const CurrentFormat = FormatV3

func (f Format) String() string {
	switch f {
	case FormatLegacyPlain:
		return "legacy-plain"
	case FormatV1:
		return "v1"
	case FormatV2:
		return "v2"
	case FormatV3:
		return "v3"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

const (
	AlgorithmCBC     = "aes-256-cbc"
	AlgorithmCBCHMAC = "aes-256-cbc-hmac-sha256"
	AlgorithmGCM     = "aes-256-gcm"
)

const (
	saltSize   = 32
	cbcIVSize  = 16
	nonceSize  = 12
	keySize    = 32
	macKeySize = 32
	macSize    = 32

	// maxIterations bounds the work a tampered header can demand.
	maxIterations = 10_000_000
)

// Record is the JSON envelope shared by V2 and V3.
type Record struct {
	Salt          []byte    `json:"salt"`
	IV            []byte    `json:"iv"`
	Ciphertext    []byte    `json:"ciphertext"`
	MAC           []byte    `json:"mac,omitempty"`
	FormatVersion int       `json:"format_version"`
	KDFIterations int       `json:"kdf_iterations"`
	Algorithm     string    `json:"algorithm"`
	WrittenAt     time.Time `json:"written_at"`
}

// header is the authenticated prefix for V2 and V3.
func (r *Record) header() []byte {
	return []byte(fmt.Sprintf("%d|%s|%d", r.FormatVersion, r.Algorithm, r.KDFIterations))
}

type legacyRecord struct {
	Salt    string `json:"salt"`
	IV      string `json:"iv"`
	Data    string `json:"data"`
	Version string `json:"version"`
}

// v1Fields holds the decoded fields of a V1 record.
type v1Fields struct {
	salt []byte
	data []byte
}

// Detect classifies raw stored bytes. Content that is not a JSON object, or a
// JSON object carrying neither "format_version" nor "salt", is legacy plaintext.
func Detect(raw []byte) (Format, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return FormatLegacyPlain, nil
	}

	if v, ok := fields["format_version"]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, fmt.Errorf("%w: format_version is not a number", ErrCorruptRecord)
		}
		switch n {
		case 2:
			return FormatV2, nil
		case 3:
			return FormatV3, nil
		default:
			return 0, fmt.Errorf("%w: unsupported format_version %d", ErrCorruptRecord, n)
		}
	}

	if _, ok := fields["salt"]; ok {
		return FormatV1, nil
	}
	return FormatLegacyPlain, nil
}

func decodeV1(raw []byte) (v1Fields, error) {
	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return v1Fields{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if rec.Salt == "" || rec.IV == "" || rec.Data == "" {
		return v1Fields{}, fmt.Errorf("%w: v1 record misses salt, iv or data", ErrCorruptRecord)
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return v1Fields{}, fmt.Errorf("%w: salt: %v", ErrCorruptRecord, err)
	}
	if _, err := base64.StdEncoding.DecodeString(rec.IV); err != nil {
		return v1Fields{}, fmt.Errorf("%w: iv: %v", ErrCorruptRecord, err)
	}
	data, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return v1Fields{}, fmt.Errorf("%w: data: %v", ErrCorruptRecord, err)
	}
	return v1Fields{salt: salt, data: data}, nil
}

func decodeRecord(raw []byte, want Format) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if len(rec.Salt) == 0 || len(rec.Ciphertext) == 0 {
		return Record{}, fmt.Errorf("%w: missing salt or ciphertext", ErrCorruptRecord)
	}
	if rec.KDFIterations <= 0 || rec.KDFIterations > maxIterations {
		return Record{}, fmt.Errorf("%w: kdf_iterations %d out of range", ErrCorruptRecord, rec.KDFIterations)
	}

	switch want {
	case FormatV2:
		if rec.Algorithm != AlgorithmCBCHMAC || len(rec.IV) != cbcIVSize || len(rec.MAC) != macSize {
			return Record{}, fmt.Errorf("%w: malformed v2 header", ErrCorruptRecord)
		}
	case FormatV3:
		if rec.Algorithm != AlgorithmGCM || len(rec.IV) != nonceSize {
			return Record{}, fmt.Errorf("%w: malformed v3 header", ErrCorruptRecord)
		}
	}
	return rec, nil
}
