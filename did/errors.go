package did

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDIDSyntax     = errors.New("invalid did syntax")
	ErrMethodNotSupported   = errors.New("did method not supported")
	ErrDuplicateMethodID    = errors.New("duplicate verification method id")
	ErrMethodNotFound       = errors.New("verification method not found")
	ErrMethodInUse          = errors.New("verification method still referenced by a relationship")
	ErrDuplicateServiceID   = errors.New("duplicate service id")
	ErrServiceNotFound      = errors.New("service not found")
	ErrInvalidDocument      = errors.New("invalid did document")
	ErrDuplicateKeyID       = errors.New("duplicate key id")
	ErrKeyNotFound          = errors.New("key not found")
	ErrPurposeNotAllowed    = errors.New("purpose not allowed for key")
	ErrCapabilityNotGranted = errors.New("capability not granted")
	ErrDocumentNotFound     = errors.New("did document not found")
	ErrRegistryConflict     = errors.New("did document already exists")
	ErrVersionConflict      = errors.New("did document version conflict")
	ErrResolutionTimeout    = errors.New("did resolution timed out")
	ErrRegistryTimeout      = errors.New("registry operation timed out")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrCredentialRevoked    = errors.New("credential revoked")
	ErrSignatureInvalid     = errors.New("signature invalid")

	// ErrDocumentDeactivated is returned for tombstoned documents. It matches
	// ErrDocumentNotFound with errors.Is.
	ErrDocumentDeactivated = fmt.Errorf("%w: document deactivated", ErrDocumentNotFound)
)

// Error carries the operation and identifier a failure belongs to.
type Error struct {
	Op  string
	DID string
	Err error
}

// NewError wraps err with op and the identifier. It returns nil for a nil err.
func NewError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, DID: id, Err: err}
}

func (e *Error) Error() string {
	if e.DID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.DID, e.Err)
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.Err
}
