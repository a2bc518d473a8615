package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stablerwa/go-did-sdk/did"
)

// Memory is an in-process Registry. Writers to the same identifier take
// a per-identifier lock that honors the context deadline.
type Memory struct {
	mu      sync.RWMutex
	records map[did.Identifier]*Record

	locksMu sync.Mutex
	locks   map[did.Identifier]chan struct{}

	now func() time.Time
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[did.Identifier]*Record),
		locks:   make(map[did.Identifier]chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) lock(ctx context.Context, id did.Identifier) (func(), error) {
	m.locksMu.Lock()
	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	m.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx.Err())
	}
}

func (m *Memory) Create(ctx context.Context, doc *did.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", did.ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	unlock, err := m.lock(ctx, doc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[doc.ID]; ok {
		return fmt.Errorf("%w: %s", did.ErrRegistryConflict, doc.ID)
	}
	m.records[doc.ID] = &Record{Document: doc.Clone()}
	return nil
}

func (m *Memory) Get(ctx context.Context, id did.Identifier) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", did.ErrDocumentNotFound, id)
	}
	return &Record{
		Document:      rec.Document.Clone(),
		Deactivated:   rec.Deactivated,
		DeactivatedAt: rec.DeactivatedAt,
	}, nil
}

func (m *Memory) Update(ctx context.Context, doc *did.Document, expectedUpdated time.Time) error {
	if err := checkUpdate(doc, expectedUpdated); err != nil {
		return err
	}
	unlock, err := m.lock(ctx, doc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[doc.ID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", did.ErrDocumentNotFound, doc.ID)
	case rec.Deactivated:
		return fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, doc.ID)
	case !rec.Document.Updated.Equal(expectedUpdated):
		return fmt.Errorf("%w: %s: stored version %s", did.ErrVersionConflict, doc.ID, rec.Document.Updated.Format(time.RFC3339Nano))
	}

	m.records[doc.ID] = &Record{Document: doc.Clone()}
	return nil
}

func (m *Memory) Deactivate(ctx context.Context, id did.Identifier) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", did.ErrDocumentNotFound, id)
	case rec.Deactivated:
		return fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, id)
	}

	rec.Deactivated = true
	rec.DeactivatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
