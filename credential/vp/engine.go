package vp

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
	"github.com/stablerwa/go-did-sdk/credential/vc"
	"github.com/stablerwa/go-did-sdk/did"
)

// Engine builds and verifies presentations. Embedded credentials are
// verified by the credential engine it wraps.
type Engine struct {
	signer      vc.Signer
	resolver    vc.Resolver
	credentials *vc.Engine
	algorithm   jsonmap.Algorithm
	now         func() time.Time
	logger      log.Logger
}

// EngineOpt configures an Engine.
type EngineOpt func(*Engine)

// WithCanonicalization selects the algorithm used for new holder proofs.
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

// NewEngine creates a presentation engine.
func NewEngine(signer vc.Signer, resolver vc.Resolver, credentials *vc.Engine, opts ...EngineOpt) *Engine {
	e := &Engine{
		signer:      signer,
		resolver:    resolver,
		credentials: credentials,
		algorithm:   jsonmap.AlgorithmJCS,
		now:         time.Now,
		logger:      log.Root().With("module", "presentation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest describes a presentation to build.
type CreateRequest struct {
	Holder      did.Identifier
	Credentials []*vc.Credential
	// Challenge and Domain bind the proof to one verifier session.
	Challenge string
	Domain    string
	// VerificationMethod selects the signing method. It defaults to the
	// holder's first authentication method.
	VerificationMethod string
}

// Create builds a presentation and signs it with the holder's
// authentication key.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Presentation, error) {
	holder := req.Holder.String()
	fail := func(err error) (*Presentation, error) {
		return nil, did.NewError("create presentation", holder, err)
	}

	if req.Holder.IsZero() {
		return fail(fmt.Errorf("%w: holder is required", did.ErrInvalidDIDSyntax))
	}
	if len(req.Credentials) == 0 {
		return fail(errors.New("at least one credential is required"))
	}

	doc, err := e.resolver.ResolveDocument(ctx, req.Holder)
	if err != nil {
		return nil, err
	}
	vm, err := authenticationMethod(doc, req.VerificationMethod)
	if err != nil {
		return fail(err)
	}

	p, err := NewPresentation(PresentationContents{
		Context:               []interface{}{vc.ContextV1},
		ID:                    "urn:uuid:" + uuid.NewString(),
		Types:                 []string{TypeVerifiablePresentation},
		Holder:                holder,
		VerifiableCredentials: req.Credentials,
	})
	if err != nil {
		return fail(err)
	}

	proof := dto.Proof{
		Type:               vc.ProofType,
		Created:            e.now().UTC().Format(time.RFC3339),
		VerificationMethod: vm.ID,
		ProofPurpose:       string(did.Authentication),
		Cryptosuite:        string(e.algorithm),
		Challenge:          req.Challenge,
		Domain:             req.Domain,
	}
	input, err := p.data.SigningInput(proof, jsonmap.WithAlgorithm(e.algorithm))
	if err != nil {
		return fail(err)
	}
	sig, err := e.signer.Sign(ctx, vm.ID, input)
	if err != nil {
		return fail(err)
	}
	proof.SignatureValue = base58.Encode(sig)
	p.data.SetProof(proof)

	e.logger.Info("presentation created", "holder", holder, "credentials", len(req.Credentials), "method", vm.ID)
	return p, nil
}

func authenticationMethod(doc *did.Document, requested string) (*did.VerificationMethod, error) {
	if requested != "" {
		vm, ok := doc.FindMethod(requested)
		if !ok {
			return nil, fmt.Errorf("%w: %s", did.ErrMethodNotFound, requested)
		}
		if !doc.HasRelationship(did.Authentication, vm.ID) {
			return nil, fmt.Errorf("%w: %s is not an authentication method", did.ErrCapabilityNotGranted, vm.ID)
		}
		return vm, nil
	}

	methods := doc.MethodsFor(did.Authentication)
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: %s has no authentication method", did.ErrCapabilityNotGranted, doc.ID)
	}
	return methods[0], nil
}

// VerifyOpt configures presentation verification.
type VerifyOpt func(*verifyOptions)

type verifyOptions struct {
	challenge string
	domain    string
}

// WithChallenge requires the holder proof to carry challenge.
func WithChallenge(challenge string) VerifyOpt {
	return func(o *verifyOptions) { o.challenge = challenge }
}

// WithDomain requires the holder proof to carry domain.
func WithDomain(domain string) VerifyOpt {
	return func(o *verifyOptions) { o.domain = domain }
}

// Verify checks every embedded credential, then the holder proof against
// the holder's authentication relationship.
func (e *Engine) Verify(ctx context.Context, p *Presentation, opts ...VerifyOpt) error {
	if p == nil {
		return did.NewError("verify presentation", "", errors.New("presentation is nil"))
	}

	o := &verifyOptions{}
	for _, opt := range opts {
		opt(o)
	}

	contents, err := p.Contents()
	if err != nil {
		return did.NewError("verify presentation", p.Holder(), fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err))
	}
	holder := contents.Holder
	fail := func(err error) error {
		return did.NewError("verify presentation", holder, err)
	}
	if holder == "" {
		return fail(fmt.Errorf("%w: presentation has no holder", did.ErrSignatureInvalid))
	}

	for i, cred := range contents.VerifiableCredentials {
		if err := e.credentials.Verify(ctx, cred); err != nil {
			return fmt.Errorf("credential %d (%s): %w", i, cred.ID(), err)
		}
	}

	check := func(proof dto.Proof) error {
		if o.challenge != "" && proof.Challenge != o.challenge {
			return fmt.Errorf("%w: challenge mismatch", did.ErrSignatureInvalid)
		}
		if o.domain != "" && proof.Domain != o.domain {
			return fmt.Errorf("%w: domain mismatch", did.ErrSignatureInvalid)
		}
		return nil
	}
	if err := e.credentials.VerifyProof(ctx, p.data, holder, did.Authentication, check); err != nil {
		var derr *did.Error
		if errors.As(err, &derr) {
			return err
		}
		return fail(err)
	}

	e.logger.Debug("presentation verified", "holder", holder, "credentials", len(contents.VerifiableCredentials))
	return nil
}
