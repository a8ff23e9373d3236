package encstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required to read v1 records
	"crypto/sha256"
	"fmt"
	"io"
)

func sealV3(key, plaintext []byte, rec *Record, random io.Reader) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	rec.IV = nonce
	rec.Ciphertext = gcm.Seal(nil, nonce, plaintext, rec.header())
	return nil
}

func openV3(key []byte, rec *Record) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, rec.IV, rec.Ciphertext, rec.header())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// v2MAC authenticates header, salt, iv and ciphertext.
func v2MAC(macKey []byte, rec *Record) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(rec.header())
	m.Write(rec.Salt)
	m.Write(rec.IV)
	m.Write(rec.Ciphertext)
	return m.Sum(nil)
}

// openV2 expects a 64-byte derived key: encryption half then MAC half.
func openV2(derived []byte, rec *Record) ([]byte, error) {
	encKey, macKey := derived[:keySize], derived[keySize:keySize+macKeySize]
	if !hmac.Equal(v2MAC(macKey, rec), rec.MAC) {
		return nil, ErrDecryptionFailed
	}
	return cbcDecrypt(encKey, rec.IV, rec.Ciphertext)
}

// openV1 decrypts with the key and iv produced by EVP_BytesToKey(MD5, 1 round)
// over the PBKDF2 output.
func openV1(derived []byte, data []byte) ([]byte, error) {
	material := evpBytesToKey(derived, keySize+cbcIVSize)
	return cbcDecrypt(material[:keySize], material[keySize:], data)
}

func cbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func evpBytesToKey(password []byte, n int) []byte {
	var out, prev []byte
	for len(out) < n {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:n]
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecryptionFailed
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, ErrDecryptionFailed
	}
	if !bytes.Equal(b[len(b)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, ErrDecryptionFailed
	}
	return b[:len(b)-pad], nil
}
