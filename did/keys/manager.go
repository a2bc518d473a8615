// Package keys generates, stores and uses key pairs on behalf of DID
// controllers. Private key bytes stay inside the KeyStore and are wiped
// after every use.
package keys

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
)

// KeyInfo is the public view of a stored key.
type KeyInfo struct {
	ID       string
	Type     crypto.KeyType
	Public   []byte
	Purposes []did.Relationship
}

// Manager performs key operations. Operations on the same key id are
// serialized; different ids run in parallel, bounded by the worker pool.
type Manager struct {
	store  KeyStore
	pool   *semaphore.Weighted
	logger log.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes operations on one key id. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type keyLock struct {
	sync.Mutex
	refs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers bounds concurrent CPU-bound crypto operations.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager on top of store. A nil store means a fresh MemoryStore.
func NewManager(store KeyStore, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:  store,
		pool:   semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		logger: log.Root().With("module", "keys"),
		locks:  make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &keyLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// run executes fn on the worker pool.
func (m *Manager) run(ctx context.Context, fn func() error) error {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.pool.Release(1)
	return fn()
}

func checkPurposes(kt crypto.KeyType, purposes []did.Relationship) error {
	for _, p := range purposes {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown purpose %q", did.ErrPurposeNotAllowed, p)
		}
		if !kt.Can(p.Capability()) {
			return fmt.Errorf("%w: %s keys cannot serve %s", did.ErrPurposeNotAllowed, kt, p)
		}
	}
	return nil
}

// GenerateKey creates a key of type kt under keyID.
func (m *Manager) GenerateKey(ctx context.Context, keyID string, kt crypto.KeyType, purposes ...did.Relationship) (*KeyInfo, error) {
	if keyID == "" {
		return nil, errors.New("key id is required")
	}
	if !kt.Valid() {
		return nil, fmt.Errorf("%w: %q", crypto.ErrUnsupportedKeyType, kt)
	}
	if err := checkPurposes(kt, purposes); err != nil {
		return nil, err
	}

	unlock := m.lock(keyID)
	defer unlock()

	var kp *crypto.KeyPair
	err := m.run(ctx, func() (err error) {
		kp, err = crypto.GenerateKeyPair(kt)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer kp.Zeroize()

	key := &Key{ID: keyID, Type: kt, Public: kp.Public, Private: kp.Private, Purposes: slices.Clone(purposes)}
	if err := m.store.Put(ctx, key); err != nil {
		return nil, err
	}

	m.logger.Debug("generated key", "key", keyID, "type", kt, "purposes", purposes)
	return key.info(), nil
}

// ImportKey stores an existing private key under keyID.
func (m *Manager) ImportKey(ctx context.Context, keyID string, kt crypto.KeyType, private []byte, purposes ...did.Relationship) (*KeyInfo, error) {
	if err := checkPurposes(kt, purposes); err != nil {
		return nil, err
	}
	pub, err := crypto.PublicKey(kt, private)
	if err != nil {
		return nil, err
	}

	unlock := m.lock(keyID)
	defer unlock()

	key := &Key{ID: keyID, Type: kt, Public: pub, Private: slices.Clone(private), Purposes: slices.Clone(purposes)}
	defer key.Wipe()
	if err := m.store.Put(ctx, key); err != nil {
		return nil, err
	}
	return key.info(), nil
}

// PublicKey returns the public view of keyID.
func (m *Manager) PublicKey(ctx context.Context, keyID string) (*KeyInfo, error) {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	return key.info(), nil
}

// Sign signs msg with keyID. The key must have at least one signing purpose.
func (m *Manager) Sign(ctx context.Context, keyID string, msg []byte) ([]byte, error) {
	unlock := m.lock(keyID)
	defer unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	canSign := key.Type.Can(crypto.CapSign) && slices.ContainsFunc(key.Purposes, func(p did.Relationship) bool {
		return p.Capability() == crypto.CapSign
	})
	if !canSign {
		return nil, fmt.Errorf("%w: key %s has no signing purpose", did.ErrPurposeNotAllowed, keyID)
	}

	var sig []byte
	err = m.run(ctx, func() (err error) {
		sig, err = crypto.Sign(key.Type, key.Private, msg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign with key %s: %w", keyID, err)
	}
	return sig, nil
}

// Verify checks sig over msg against the public half of keyID. A wrong
// signature is reported as false with a nil error.
func (m *Manager) Verify(ctx context.Context, keyID string, msg, sig []byte) (bool, error) {
	unlock := m.lock(keyID)
	defer unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	key.Wipe()

	var ok bool
	err = m.run(ctx, func() (err error) {
		ok, err = crypto.Verify(key.Type, key.Public, msg, sig)
		return err
	})
	return ok, err
}

// SharedSecret runs key agreement between keyID and a peer public key.
func (m *Manager) SharedSecret(ctx context.Context, keyID string, peerPublic []byte) ([]byte, error) {
	unlock := m.lock(keyID)
	defer unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	if !key.HasPurpose(did.KeyAgreement) {
		return nil, fmt.Errorf("%w: key %s is not a key agreement key", did.ErrPurposeNotAllowed, keyID)
	}

	var secret []byte
	err = m.run(ctx, func() (err error) {
		secret, err = crypto.SharedSecret(key.Type, key.Private, peerPublic)
		return err
	})
	return secret, err
}

// RotateKey replaces oldID with a fresh key of the same type and purposes
// stored under newID. The old private key is wiped.
func (m *Manager) RotateKey(ctx context.Context, oldID, newID string) (*KeyInfo, error) {
	if oldID == newID {
		return nil, fmt.Errorf("%w: %s", did.ErrDuplicateKeyID, newID)
	}

	unlock := m.lock(oldID)
	old, err := m.store.Get(ctx, oldID)
	if err != nil {
		unlock()
		return nil, err
	}
	old.Wipe()
	unlock()

	info, err := m.GenerateKey(ctx, newID, old.Type, old.Purposes...)
	if err != nil {
		return nil, err
	}
	if err := m.DeleteKey(ctx, oldID); err != nil {
		return nil, err
	}

	m.logger.Info("rotated key", "old", oldID, "new", newID, "type", old.Type)
	return info, nil
}

// DeleteKey removes keyID and wipes its private key.
func (m *Manager) DeleteKey(ctx context.Context, keyID string) error {
	unlock := m.lock(keyID)
	defer unlock()

	if err := m.store.Delete(ctx, keyID); err != nil {
		return err
	}
	return nil
}

func (k *Key) info() *KeyInfo {
	return &KeyInfo{
		ID:       k.ID,
		Type:     k.Type,
		Public:   slices.Clone(k.Public),
		Purposes: slices.Clone(k.Purposes),
	}
}
