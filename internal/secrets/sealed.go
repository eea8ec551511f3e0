package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rendis/e2ekit/pkg/schema"
)

// EnvSealedKey names the passphrase for the sealed credentials file.
const EnvSealedKey = "E2EKIT_SECRETS_KEY"

const defaultIterations = 100_000

// sealedEnvelope is the on-disk form of a SealedFile.
type sealedEnvelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Data       []byte `json:"data"`
}

// SealedFile is a local credentials file encrypted with AES-256-GCM under a
// passphrase-derived key. It is a Source for Loader.
type SealedFile struct {
	path       string
	aead       cipher.AEAD
	salt       []byte
	iterations int

	mu     sync.RWMutex
	values map[string]string
}

// OpenSealedFile decrypts path with passphrase. A missing file yields an
// empty store that Save will create.
func OpenSealedFile(path, passphrase string) (*SealedFile, error) {
	if passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeCredentials, "passphrase is required")
	}

	env := sealedEnvelope{Version: 1, Iterations: defaultIterations}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		env.Salt = make([]byte, 16)
		if _, err := rand.Read(env.Salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCredentials, "%s is not a sealed credentials file", path).WithCause(err)
		}
	}

	aead, err := newAEAD(passphrase, env.Salt, env.Iterations)
	if err != nil {
		return nil, err
	}
	f := &SealedFile{path: path, aead: aead, salt: env.Salt, iterations: env.Iterations, values: map[string]string{}}
	if len(env.Data) > 0 {
		plain, err := f.decrypt(env.Data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &f.values); err != nil {
			return nil, schema.NewError(schema.ErrCodeCredentials, "sealed credentials are corrupt").WithCause(err)
		}
	}
	return f, nil
}

func newAEAD(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	if len(salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeCredentials, "salt is required with passphrase")
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	key, err := pbkdf2.Key(sha256.New, passphrase, salt, iterations, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func (f *SealedFile) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return f.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *SealedFile) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := f.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeCredentials, "ciphertext too short")
	}
	plaintext, err := f.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredentials, "decrypt %s: wrong passphrase or corrupt file", f.path)
	}
	return plaintext, nil
}

// Lookup implements Source.
func (f *SealedFile) Lookup(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok && v != "", nil
}

// Set stores a value in memory; call Save to persist.
func (f *SealedFile) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

// Delete removes a value in memory; call Save to persist.
func (f *SealedFile) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
}

// Keys returns the stored names, sorted. Values are never listed.
func (f *SealedFile) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save re-encrypts with a fresh nonce and atomically replaces the file.
func (f *SealedFile) Save() error {
	f.mu.RLock()
	plain, err := json.Marshal(f.values)
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	data, err := f.encrypt(plain)
	if err != nil {
		return err
	}
	out, err := json.Marshal(sealedEnvelope{Version: 1, Salt: f.salt, Iterations: f.iterations, Data: data})
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sealed-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
