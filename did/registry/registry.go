// Package registry stores the current DID document for each identifier.
//
// Writes replace the whole document. Updates are optimistic: the caller
// passes the Updated timestamp it read and the write fails with
// did.ErrVersionConflict if someone else got there first. Conflicts are never
// retried here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stablerwa/go-did-sdk/did"
)

// Record is what the registry holds for an identifier. A deactivated record
// is a tombstone: its document is the last version before deactivation.
type Record struct {
	Document      *did.Document
	Deactivated   bool
	DeactivatedAt time.Time
}

// Registry is the storage contract for DID documents.
type Registry interface {
	// Create stores a new document. It fails with did.ErrRegistryConflict if
	// the identifier already has one, deactivated or not.
	Create(ctx context.Context, doc *did.Document) error
	// Get returns the record for id or did.ErrDocumentNotFound.
	Get(ctx context.Context, id did.Identifier) (*Record, error)
	// Update replaces the document if the stored Updated equals expectedUpdated.
	Update(ctx context.Context, doc *did.Document, expectedUpdated time.Time) error
	// Deactivate tombstones the document.
	Deactivate(ctx context.Context, id did.Identifier) error
	// Close releases the backend.
	Close() error
}

// ctxErr maps a context failure to the registry taxonomy.
func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", did.ErrRegistryTimeout, err)
	}
	return err
}

func checkUpdate(doc *did.Document, expectedUpdated time.Time) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", did.ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	if !doc.Updated.After(expectedUpdated) {
		return fmt.Errorf("%w: updated must advance past %s", did.ErrInvalidDocument, expectedUpdated.Format(time.RFC3339Nano))
	}
	return nil
}
