package vc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/stablerwa/go-did-sdk/credential/common/dto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/schema"
	"github.com/stablerwa/go-did-sdk/did"
)

// Signer signs with a managed key. Keys are addressed by the absolute id of
// the verification method that publishes them. *keys.Manager implements it.
type Signer interface {
	Sign(ctx context.Context, keyID string, msg []byte) ([]byte, error)
}

// Resolver returns the current document of a DID.
type Resolver interface {
	ResolveDocument(ctx context.Context, id did.Identifier) (*did.Document, error)
}

// SignatureVerifier checks a signature against a DID's verification method.
// *verifier.Verifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, didURL string, msg, sig []byte, purpose did.Relationship) (bool, error)
}

// StatusChecker reports whether a credential status entry is set.
type StatusChecker interface {
	IsRevoked(ctx context.Context, status Status) (bool, error)
}

// Engine issues and verifies credentials.
type Engine struct {
	signer    Signer
	resolver  Resolver
	verifier  SignatureVerifier
	status    StatusChecker
	schemas   *schema.Validator
	algorithm jsonmap.Algorithm
	now       func() time.Time
	logger    log.Logger
}

// EngineOpt configures an Engine.
type EngineOpt func(*Engine)

// WithStatusChecker enables credentialStatus checks during verification.
func WithStatusChecker(s StatusChecker) EngineOpt {
	return func(e *Engine) { e.status = s }
}

// WithSchemaValidator validates claims against credentialSchema on issue.
func WithSchemaValidator(v *schema.Validator) EngineOpt {
	return func(e *Engine) { e.schemas = v }
}

// WithCanonicalization selects the algorithm used for new proofs.
// Verification always follows the proof's cryptosuite.
func WithCanonicalization(a jsonmap.Algorithm) EngineOpt {
	return func(e *Engine) { e.algorithm = a }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOpt {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) EngineOpt {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a credential engine.
func NewEngine(signer Signer, resolver Resolver, verifier SignatureVerifier, opts ...EngineOpt) *Engine {
	e := &Engine{
		signer:    signer,
		resolver:  resolver,
		verifier:  verifier,
		algorithm: jsonmap.AlgorithmJCS,
		now:       time.Now,
		logger:    log.Root().With("module", "credential"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IssueRequest describes a credential to issue.
type IssueRequest struct {
	Issuer  did.Identifier
	Subject did.Identifier
	Claims  map[string]interface{}

	// Types are appended after VerifiableCredential.
	Types []string
	// Context entries are appended after the base context.
	Context []interface{}
	// ID defaults to a random urn:uuid.
	ID string
	// ExpirationDate is omitted when zero.
	ExpirationDate time.Time
	Status         *Status
	Schema         *Schema
	// VerificationMethod selects the signing method. It defaults to the
	// issuer's first assertionMethod.
	VerificationMethod string
}

// Issue builds, canonicalizes and signs a credential.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*Credential, error) {
	issuer := req.Issuer.String()
	fail := func(err error) (*Credential, error) {
		return nil, did.NewError("issue credential", issuer, err)
	}

	cred, vm, err := e.build(ctx, req)
	if err != nil {
		return nil, err
	}

	proof := dto.Proof{
		Type:               ProofType,
		Created:            cred.data.String("issuanceDate"),
		VerificationMethod: vm.ID,
		ProofPurpose:       string(did.AssertionMethod),
		Cryptosuite:        string(e.algorithm),
	}
	input, err := cred.data.SigningInput(proof, jsonmap.WithAlgorithm(e.algorithm))
	if err != nil {
		return fail(err)
	}

	sig, err := e.signer.Sign(ctx, vm.ID, input)
	if err != nil {
		return fail(err)
	}
	proof.SignatureValue = base58.Encode(sig)
	cred.data.SetProof(proof)

	e.logger.Info("credential issued", "id", cred.ID(), "issuer", issuer, "subject", req.Subject, "method", vm.ID)
	return cred, nil
}

// build validates req and returns the unsigned credential with the method
// that will sign it.
func (e *Engine) build(ctx context.Context, req IssueRequest) (*Credential, *did.VerificationMethod, error) {
	issuer := req.Issuer.String()
	fail := func(err error) (*Credential, *did.VerificationMethod, error) {
		return nil, nil, did.NewError("issue credential", issuer, err)
	}

	if req.Issuer.IsZero() {
		return fail(fmt.Errorf("%w: issuer is required", did.ErrInvalidDIDSyntax))
	}
	if req.Subject.IsZero() {
		return fail(fmt.Errorf("%w: subject is required", did.ErrInvalidDIDSyntax))
	}
	if _, ok := req.Claims["id"]; ok {
		return fail(fmt.Errorf("claims must not set id"))
	}

	if req.Schema != nil && e.schemas != nil {
		if err := e.schemas.Validate(req.Schema.ID, req.Claims); err != nil {
			return fail(err)
		}
	}

	doc, err := e.resolver.ResolveDocument(ctx, req.Issuer)
	if err != nil {
		return nil, nil, err
	}
	vm, err := assertionMethod(doc, req.VerificationMethod)
	if err != nil {
		return fail(err)
	}

	contents := CredentialContents{
		Context:        append([]interface{}{ContextV1}, req.Context...),
		ID:             req.ID,
		Types:          append([]string{TypeVerifiableCredential}, req.Types...),
		Issuer:         issuer,
		IssuanceDate:   e.now().UTC(),
		ExpirationDate: req.ExpirationDate,
		Subject:        []Subject{{ID: req.Subject.String(), CustomFields: req.Claims}},
	}
	if contents.ID == "" {
		contents.ID = "urn:uuid:" + uuid.NewString()
	}
	if req.Status != nil {
		contents.CredentialStatus = []Status{*req.Status}
	}
	if req.Schema != nil {
		contents.Schemas = []Schema{*req.Schema}
	}

	cred, err := NewCredential(contents)
	if err != nil {
		return fail(err)
	}
	return cred, vm, nil
}

// assertionMethod picks the signing method: the requested one if it is
// listed under assertionMethod, else the first listed.
func assertionMethod(doc *did.Document, requested string) (*did.VerificationMethod, error) {
	if requested != "" {
		vm, ok := doc.FindMethod(requested)
		if !ok {
			return nil, fmt.Errorf("%w: %s", did.ErrMethodNotFound, requested)
		}
		if !doc.HasRelationship(did.AssertionMethod, vm.ID) {
			return nil, fmt.Errorf("%w: %s is not an assertionMethod", did.ErrCapabilityNotGranted, vm.ID)
		}
		return vm, nil
	}

	methods := doc.MethodsFor(did.AssertionMethod)
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: %s has no assertionMethod", did.ErrCapabilityNotGranted, doc.ID)
	}
	return methods[0], nil
}

// Verify checks the credential's proof against the issuer's document, then
// its expiration date and, when configured, its status. It returns nil for
// a valid credential.
func (e *Engine) Verify(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return did.NewError("verify credential", "", errors.New("credential is nil"))
	}

	contents, err := cred.Contents()
	if err != nil {
		return did.NewError("verify credential", cred.Issuer(), fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err))
	}
	issuer := contents.Issuer
	fail := func(err error) error {
		return did.NewError("verify credential", issuer, err)
	}

	if err := e.verifyProof(ctx, cred.data, issuer, did.AssertionMethod, nil); err != nil {
		var derr *did.Error
		if errors.As(err, &derr) {
			return err
		}
		return fail(err)
	}

	if err := e.checkValidity(ctx, contents); err != nil {
		return fail(err)
	}

	e.logger.Debug("credential verified", "id", contents.ID, "issuer", issuer)
	return nil
}

// checkValidity checks the expiration date and, when configured, the status
// entries of a credential whose signature has been verified.
func (e *Engine) checkValidity(ctx context.Context, contents *CredentialContents) error {
	now := e.now()
	if !contents.ExpirationDate.IsZero() && !now.Before(contents.ExpirationDate) {
		return fmt.Errorf("%w: expired at %s", did.ErrCredentialExpired, contents.ExpirationDate.Format(time.RFC3339))
	}

	if e.status == nil {
		return nil
	}
	for _, status := range contents.CredentialStatus {
		revoked, err := e.status.IsRevoked(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to check credential status: %w", err)
		}
		if revoked {
			return fmt.Errorf("%w: %s entry %s", did.ErrCredentialRevoked, status.StatusPurpose, status.StatusListIndex)
		}
	}
	return nil
}

// ProofCheck inspects a proof before its signature is checked.
type ProofCheck func(dto.Proof) error

// VerifyProof checks that data carries a valid proof by controller for
// purpose. Presentations reuse it for the holder proof.
func (e *Engine) VerifyProof(ctx context.Context, data jsonmap.JSONMap, controller string, purpose did.Relationship, check ProofCheck) error {
	return e.verifyProof(ctx, data, controller, purpose, check)
}

func (e *Engine) verifyProof(ctx context.Context, data jsonmap.JSONMap, controller string, purpose did.Relationship, check ProofCheck) error {
	proof, err := data.Proof()
	if err != nil {
		return fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err)
	}
	if proof.Type != ProofType {
		return fmt.Errorf("%w: unsupported proof type %q", did.ErrSignatureInvalid, proof.Type)
	}
	if proof.ProofPurpose != string(purpose) {
		return fmt.Errorf("%w: proof purpose %q, want %q", did.ErrSignatureInvalid, proof.ProofPurpose, purpose)
	}

	u, err := did.ParseURL(proof.VerificationMethod)
	if err != nil {
		return fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err)
	}
	if u.DID.String() != controller {
		return fmt.Errorf("%w: proof made by %s, not %s", did.ErrSignatureInvalid, u.DID, controller)
	}
	if check != nil {
		if err := check(proof); err != nil {
			return err
		}
	}

	alg, err := jsonmap.ParseAlgorithm(proof.Cryptosuite)
	if err != nil {
		return fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err)
	}
	input, err := data.SigningInput(proof, jsonmap.WithAlgorithm(alg))
	if err != nil {
		return fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err)
	}
	sig, err := base58.Decode(proof.SignatureValue)
	if err != nil {
		return fmt.Errorf("%w: signatureValue is not base58: %v", did.ErrSignatureInvalid, err)
	}

	ok, err := e.verifier.VerifySignature(ctx, proof.VerificationMethod, input, sig, purpose)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: proof by %s does not verify", did.ErrSignatureInvalid, proof.VerificationMethod)
	}
	return nil
}
