package client

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	cacheDir  = "cache"
	cacheFile = "license_cache.bin"
	cacheInfo = "licensegate client cache v1"
)

var ErrCacheCorrupt = errors.New("license cache is corrupt or was written with another key")

// Cache holds the last verification result on disk. The client only ever
// clears it; verification is always decided online.
type Cache interface {
	Clear() error
}

// FileCache stores one Result encrypted with XChaCha20-Poly1305 under a key
// derived from the API secret and the device fingerprint.
type FileCache struct {
	path string
	aead cipher.AEAD
}

func NewFileCache(dataDir, secret, fingerprint string) (*FileCache, error) {
	if secret == "" {
		return nil, errors.New("cache secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(fingerprint), []byte(cacheInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cache cipher: %w", err)
	}
	return &FileCache{
		path: filepath.Join(dataDir, cacheDir, cacheFile),
		aead: aead,
	}, nil
}

func (c *FileCache) Path() string {
	return c.path
}

func (c *FileCache) Save(r Result) error {
	plain, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("cache nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, []byte(cacheInfo))

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// Load returns the cached result, or nil when nothing is cached.
func (c *FileCache) Load() (*Result, error) {
	sealed, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrCacheCorrupt
	}
	plain, err := c.aead.Open(nil, sealed[:n], sealed[n:], []byte(cacheInfo))
	if err != nil {
		return nil, ErrCacheCorrupt
	}
	var r Result
	if err := json.Unmarshal(plain, &r); err != nil {
		return nil, ErrCacheCorrupt
	}
	return &r, nil
}

// Clear removes the cache file and its directory when that is left empty.
func (c *FileCache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear cache: %w", err)
	}
	// Fails harmlessly when other files remain.
	_ = os.Remove(filepath.Dir(c.path))
	return nil
}
