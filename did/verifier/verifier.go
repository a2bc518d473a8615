// Package verifier checks signatures against keys published in DID documents.
package verifier

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/resolver"
)

// Resolver resolves DID URLs. *resolver.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, didURL string) (*resolver.Resolution, error)
}

// Verifier verifies signatures made with a DID's verification methods.
type Verifier struct {
	resolver Resolver
	logger   log.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New creates a Verifier on top of r.
func New(r Resolver, opts ...Option) *Verifier {
	v := &Verifier{
		resolver: r,
		logger:   log.Root().With("module", "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifySignature reports whether sig is a valid signature of msg by the
// verification method didURL points at, and that the method is authorized
// for purpose in its document. A signature that does not verify returns
// false with a nil error.
func (v *Verifier) VerifySignature(ctx context.Context, didURL string, msg, sig []byte, purpose did.Relationship) (bool, error) {
	if !purpose.Valid() {
		return false, did.NewError("verify", didURL, fmt.Errorf("%w: unknown purpose %q", did.ErrPurposeNotAllowed, purpose))
	}

	res, err := v.resolver.Resolve(ctx, didURL)
	if err != nil {
		return false, err
	}
	if res.Method == nil {
		return false, did.NewError("verify", didURL, fmt.Errorf("%w: %s does not name a verification method", did.ErrMethodNotFound, didURL))
	}

	if !res.Document.HasRelationship(purpose, res.Method.ID) {
		return false, did.NewError("verify", didURL, fmt.Errorf("%w: %s is not listed under %s", did.ErrCapabilityNotGranted, res.Method.ID, purpose))
	}

	kt, pub, err := res.Method.PublicKey()
	if err != nil {
		return false, did.NewError("verify", didURL, err)
	}
	if !kt.Can(crypto.CapSign) {
		return false, did.NewError("verify", didURL, fmt.Errorf("%w: %s key cannot sign", did.ErrCapabilityNotGranted, kt))
	}

	ok, err := crypto.Verify(kt, pub, msg, sig)
	if err != nil {
		return false, did.NewError("verify", didURL, err)
	}
	if !ok {
		v.logger.Debug("signature mismatch", "method", res.Method.ID, "purpose", purpose)
	}
	return ok, nil
}
