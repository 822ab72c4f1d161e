package sandbox

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrustStore holds the ed25519 public keys module signatures are verified
// against. Keys are loaded from a directory of hex-encoded .pub files.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// LoadTrustStore reads every *.pub file in dir as a hex-encoded ed25519
// public key. A missing directory yields an empty store, not an error, so a
// fresh deployment can start before any keys are provisioned.
func LoadTrustStore(dir string) (*TrustStore, error) {
	ts := NewTrustStore()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ts, nil
		}
		return nil, fmt.Errorf("read trust dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // G304: dir comes from config
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", e.Name(), err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s is not a hex-encoded ed25519 public key", e.Name())
		}
		ts.Add(strings.TrimSuffix(e.Name(), ".pub"), ed25519.PublicKey(key))
	}

	return ts, nil
}

// Add registers a public key under the given name, replacing any previous
// key with that name.
func (t *TrustStore) Add(name string, key ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[name] = key
}

// Verify reports whether signature is a valid ed25519 signature over payload
// by any trusted key.
func (t *TrustStore) Verify(payload, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, key := range t.keys {
		if ed25519.Verify(key, payload, signature) {
			return true
		}
	}
	return false
}

// Names returns the names of all trusted keys, for admin listing.
func (t *TrustStore) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.keys))
	for name := range t.keys {
		names = append(names, name)
	}
	return names
}

// Len returns the number of trusted keys.
func (t *TrustStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}
