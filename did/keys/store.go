package keys

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
)

// Key is a stored key pair and the relationships it may serve.
type Key struct {
	ID       string
	Type     crypto.KeyType
	Public   []byte
	Private  []byte
	Purposes []did.Relationship
}

// HasPurpose reports whether the key was generated for p.
func (k *Key) HasPurpose(p did.Relationship) bool {
	return slices.Contains(k.Purposes, p)
}

// Wipe zeroes the private key.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	crypto.Zeroize(k.Private)
	k.Private = nil
}

func (k *Key) clone() *Key {
	return &Key{
		ID:       k.ID,
		Type:     k.Type,
		Public:   slices.Clone(k.Public),
		Private:  slices.Clone(k.Private),
		Purposes: slices.Clone(k.Purposes),
	}
}

// KeyStore holds private key material. Implementations may be backed by an
// HSM or a vault; Get then returns a handle the caller wipes after use.
type KeyStore interface {
	// Put stores k. It fails with did.ErrDuplicateKeyID if the id is taken.
	Put(ctx context.Context, k *Key) error
	// Get returns a copy of the key. The caller owns and wipes it.
	Get(ctx context.Context, id string) (*Key, error)
	// Delete removes the key and wipes its private half.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process KeyStore.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Key)}
}

func (s *MemoryStore) Put(_ context.Context, k *Key) error {
	if k == nil || k.ID == "" {
		return fmt.Errorf("key id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("%w: %s", did.ErrDuplicateKeyID, k.ID)
	}
	s.keys[k.ID] = k.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", did.ErrKeyNotFound, id)
	}
	return k.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: %s", did.ErrKeyNotFound, id)
	}
	k.Wipe()
	delete(s.keys, id)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
