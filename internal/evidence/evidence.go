// Package evidence stores inspection photos and signed documents. Objects are
// addressed by the session they belong to and the hash of their content, so
// uploading the same bytes twice yields the same reference.
package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidRef = errors.New("invalid evidence session reference")

type Store interface {
	StoreEvidence(ctx context.Context, sessionRef string, data []byte, contentType string) (string, error)
}

// NewSessionRef returns a fresh reference grouping the evidence of one inspection.
func NewSessionRef() string {
	return uuid.NewString()
}

// Key builds the object key evidence/<sessionRef>/<blake2b-256 hex>.
func Key(sessionRef string, data []byte) (string, error) {
	if sessionRef == "" || strings.ContainsAny(sessionRef, "/\\") || strings.Contains(sessionRef, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, sessionRef)
	}
	sum := blake2b.Sum256(data)
	return "evidence/" + sessionRef + "/" + hex.EncodeToString(sum[:]), nil
}

// MemoryStore keeps objects in process. Used in tests and when no object
// storage is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) StoreEvidence(_ context.Context, sessionRef string, data []byte, _ string) (string, error) {
	key, err := Key(sessionRef, data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

// Object returns a stored object by reference.
func (m *MemoryStore) Object(ref string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[ref]
	return b, ok
}
