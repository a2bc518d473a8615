// Package service wires the DID components into one facade. It is the only
// layer that calls more than one of the key manager, registry, resolver,
// verifier and credential engine in a single operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	credentialstatus "github.com/stablerwa/go-did-sdk/credential/common/credential-status"
	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/schema"
	"github.com/stablerwa/go-did-sdk/credential/vc"
	"github.com/stablerwa/go-did-sdk/credential/vp"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/config"
	"github.com/stablerwa/go-did-sdk/did/keys"
	"github.com/stablerwa/go-did-sdk/did/registry"
	"github.com/stablerwa/go-did-sdk/did/resolver"
	"github.com/stablerwa/go-did-sdk/did/verifier"
	"github.com/stablerwa/go-did-sdk/didcomm"
)

// KeyConfig describes one key of a DID document.
type KeyConfig struct {
	// Fragment names the verification method. Empty means key-<n>.
	Fragment string
	// Type defaults to the configured default key type.
	Type     crypto.KeyType
	Purposes []did.Relationship
	Encoding did.KeyEncoding
}

// Service is the DID facade.
type Service struct {
	cfg           *config.Config
	registry      registry.Registry
	ownsRegistry  bool
	keys          *keys.Manager
	resolver      *resolver.Resolver
	verifier      *verifier.Verifier
	credentials   *vc.Engine
	presentations *vp.Engine
	packer        *didcomm.Packer
	now           func() time.Time
	logger        log.Logger
}

type options struct {
	registry      registry.Registry
	keyStore      keys.KeyStore
	statusChecker vc.StatusChecker
	schemas       *schema.Validator
	algorithm     jsonmap.Algorithm
	now           func() time.Time
	resolverOpts  []resolver.Option
	logger        log.Logger
}

// Option configures a Service.
type Option func(*options)

// WithRegistry uses r instead of the registry selected by the config. The
// caller keeps ownership: Close does not close r.
func WithRegistry(r registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithKeyStore sets the backing store of the key manager.
func WithKeyStore(s keys.KeyStore) Option {
	return func(o *options) { o.keyStore = s }
}

// WithStatusChecker enables credential revocation checks.
func WithStatusChecker(c vc.StatusChecker) Option {
	return func(o *options) { o.statusChecker = c }
}

// WithStatusList enables revocation checks against status list credentials
// fetched over HTTP.
func WithStatusList(opts ...credentialstatus.Option) Option {
	return func(o *options) { o.statusChecker = credentialstatus.NewClient(opts...) }
}

// WithSchemaValidator enables claim validation for credentials that name a schema.
func WithSchemaValidator(v *schema.Validator) Option {
	return func(o *options) { o.schemas = v }
}

// WithCanonicalization selects the canonicalization algorithm for new proofs.
func WithCanonicalization(a jsonmap.Algorithm) Option {
	return func(o *options) { o.algorithm = a }
}

// WithClock sets the time source for document timestamps and credential checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithResolverOptions passes extra options to the resolver.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(o *options) { o.resolverOpts = append(o.resolverOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and wires the components. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{
		algorithm: jsonmap.AlgorithmJCS,
		now:       time.Now,
		logger:    log.Root().With("module", "service"),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{cfg: cfg, registry: o.registry, now: o.now, logger: o.logger}
	if s.registry == nil {
		reg, err := openRegistry(cfg)
		if err != nil {
			return nil, err
		}
		s.registry = reg
		s.ownsRegistry = true
	}

	r, err := resolver.NewFromConfig(cfg, s.registry, o.resolverOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to build resolver: %w", err)
	}
	s.resolver = r
	s.keys = keys.NewManager(o.keyStore, keys.WithWorkers(cfg.CryptoWorkers))
	s.verifier = verifier.New(r)

	engineOpts := []vc.EngineOpt{
		vc.WithCanonicalization(o.algorithm),
		vc.WithClock(o.now),
	}
	if o.statusChecker != nil {
		engineOpts = append(engineOpts, vc.WithStatusChecker(o.statusChecker))
	}
	if o.schemas != nil {
		engineOpts = append(engineOpts, vc.WithSchemaValidator(o.schemas))
	}
	s.credentials = vc.NewEngine(s.keys, r, s.verifier, engineOpts...)
	s.presentations = vp.NewEngine(s.keys, r, s.credentials, vp.WithCanonicalization(o.algorithm), vp.WithClock(o.now))
	s.packer = didcomm.NewPacker(s.keys, r)

	s.logger.Info("did service ready", "method", cfg.Method, "cache", cfg.EnableCache, "postgres", cfg.PostgresDSN != "", "redis", cfg.RedisAddr != "")
	return s, nil
}

func openRegistry(cfg *config.Config) (registry.Registry, error) {
	if cfg.PostgresDSN == "" {
		return registry.NewMemory(), nil
	}
	reg, err := registry.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, nil
}

// Resolver exposes the resolver, e.g. to install cache observers in tests.
func (s *Service) Resolver() *resolver.Resolver {
	return s.resolver
}

// Keys exposes the key manager.
func (s *Service) Keys() *keys.Manager {
	return s.keys
}

// CreateDIDOpt configures CreateDID.
type CreateDIDOpt func(*createDIDOptions)

type createDIDOptions struct {
	specificID string
	services   []did.Service
}

// WithSpecificID fixes the method-specific id instead of generating one.
func WithSpecificID(id string) CreateDIDOpt {
	return func(o *createDIDOptions) { o.specificID = id }
}

// WithServices adds service endpoints to the new document.
func WithServices(svcs ...did.Service) CreateDIDOpt {
	return func(o *createDIDOptions) { o.services = append(o.services, svcs...) }
}

// CreateDID generates one key per config, builds a document listing each
// key under its purposes and stores it. Keys are discarded if the document
// cannot be stored.
func (s *Service) CreateDID(ctx context.Context, configs []KeyConfig, opts ...CreateDIDOpt) (did.Identifier, *did.Document, error) {
	o := &createDIDOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.specificID == "" {
		o.specificID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	id, err := did.New(s.cfg.Method, o.specificID)
	if err != nil {
		return did.Identifier{}, nil, did.NewError("create did", s.cfg.Method+":"+o.specificID, err)
	}
	fail := func(err error) (did.Identifier, *did.Document, error) {
		return did.Identifier{}, nil, did.NewError("create did", id.String(), err)
	}

	if len(configs) == 0 {
		return fail(errors.New("at least one key is required"))
	}
	configs, err = s.normalizeKeyConfigs(configs, did.NewDocument(id))
	if err != nil {
		return fail(err)
	}

	// Check first so an existing DID reports a conflict rather than a
	// duplicate key id from the key manager.
	if _, err := s.registry.Get(ctx, id); err == nil {
		return fail(fmt.Errorf("%w: %s", did.ErrRegistryConflict, id))
	} else if !errors.Is(err, did.ErrDocumentNotFound) {
		return fail(err)
	}

	doc := did.NewDocument(id)
	var created []string
	rollback := func() {
		for _, keyID := range created {
			if err := s.keys.DeleteKey(context.WithoutCancel(ctx), keyID); err != nil {
				s.logger.Warn("failed to discard key", "key", keyID, "err", err)
			}
		}
	}

	for _, kc := range configs {
		keyID, err := s.addKey(ctx, doc, kc)
		if keyID != "" {
			created = append(created, keyID)
		}
		if err != nil {
			rollback()
			return fail(err)
		}
	}
	for _, svc := range o.services {
		if err := doc.AddService(svc); err != nil {
			rollback()
			return fail(err)
		}
	}

	doc.Touch(s.now())
	if err := s.registry.Create(ctx, doc); err != nil {
		rollback()
		return fail(err)
	}

	s.logger.Info("did created", "did", id, "keys", len(configs))
	return id, doc.Clone(), nil
}

// normalizeKeyConfigs fills defaults and checks configs before any key is
// generated. A missing fragment becomes key-N, numbered after the methods
// already in doc and skipping any fragment that is taken.
func (s *Service) normalizeKeyConfigs(configs []KeyConfig, doc *did.Document) ([]KeyConfig, error) {
	taken := func(fragment string) bool {
		_, ok := doc.FindMethod(doc.ID.String() + "#" + fragment)
		return ok
	}
	reserved := make(map[string]bool, len(configs))
	for _, kc := range configs {
		if kc.Fragment != "" {
			reserved[kc.Fragment] = true
		}
	}

	out := make([]KeyConfig, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	next := len(doc.VerificationMethod)
	for _, kc := range configs {
		next++
		if kc.Fragment == "" {
			for reserved[fmt.Sprintf("key-%d", next)] || taken(fmt.Sprintf("key-%d", next)) {
				next++
			}
			kc.Fragment = fmt.Sprintf("key-%d", next)
			reserved[kc.Fragment] = true
		}
		if seen[kc.Fragment] {
			return nil, fmt.Errorf("%w: #%s", did.ErrDuplicateMethodID, kc.Fragment)
		}
		seen[kc.Fragment] = true

		if kc.Type == "" {
			kc.Type = s.cfg.DefaultKeyType
		}
		if !kc.Type.Valid() {
			return nil, fmt.Errorf("%w: %q", crypto.ErrUnsupportedKeyType, kc.Type)
		}
		if len(kc.Purposes) == 0 {
			return nil, fmt.Errorf("%w: key #%s has no purpose", did.ErrPurposeNotAllowed, kc.Fragment)
		}
		for _, p := range kc.Purposes {
			if !p.Valid() {
				return nil, fmt.Errorf("%w: unknown purpose %q", did.ErrPurposeNotAllowed, p)
			}
			if !kc.Type.Can(p.Capability()) {
				return nil, fmt.Errorf("%w: %s keys cannot serve %s", did.ErrPurposeNotAllowed, kc.Type, p)
			}
		}
		out = append(out, kc)
	}
	return out, nil
}

// addKey generates the key for kc and lists it in doc. The returned key id
// is set once the key exists, even if adding it to doc failed.
func (s *Service) addKey(ctx context.Context, doc *did.Document, kc KeyConfig) (string, error) {
	keyID := doc.ID.String() + "#" + kc.Fragment
	if _, ok := doc.FindMethod(keyID); ok {
		return "", fmt.Errorf("%w: %s", did.ErrDuplicateMethodID, keyID)
	}

	info, err := s.keys.GenerateKey(ctx, keyID, kc.Type, kc.Purposes...)
	if err != nil {
		return "", err
	}

	vm, err := did.NewVerificationMethod(doc.ID, kc.Fragment, kc.Type, info.Public, kc.Encoding)
	if err != nil {
		return keyID, err
	}
	if err := doc.AddVerificationMethod(*vm); err != nil {
		return keyID, err
	}
	for _, p := range kc.Purposes {
		if err := doc.AddRelationship(p, vm.ID); err != nil {
			return keyID, err
		}
	}
	return keyID, nil
}

// update applies mutate to a copy of the current document and stores it
// against the version it was read at. A concurrent writer makes it fail
// with did.ErrVersionConflict; callers re-read and retry.
func (s *Service) update(ctx context.Context, op string, id did.Identifier, mutate func(doc *did.Document) error) (*did.Document, error) {
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, did.NewError(op, id.String(), err)
	}
	if rec.Deactivated {
		return nil, did.NewError(op, id.String(), fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, id))
	}

	doc := rec.Document.Clone()
	if err := mutate(doc); err != nil {
		return nil, did.NewError(op, id.String(), err)
	}
	doc.Touch(s.now())
	if err := s.registry.Update(ctx, doc, rec.Document.Updated); err != nil {
		return nil, did.NewError(op, id.String(), err)
	}

	s.resolver.Invalidate(ctx, id)
	return doc.Clone(), nil
}

// AddVerificationMethod generates a new key and adds it to the document of id.
func (s *Service) AddVerificationMethod(ctx context.Context, id did.Identifier, kc KeyConfig) (*did.Document, error) {
	var keyID string
	doc, err := s.update(ctx, "add verification method", id, func(doc *did.Document) error {
		configs, err := s.normalizeKeyConfigs([]KeyConfig{kc}, doc)
		if err != nil {
			return err
		}
		keyID, err = s.addKey(ctx, doc, configs[0])
		return err
	})
	if err != nil {
		if keyID != "" {
			if derr := s.keys.DeleteKey(context.WithoutCancel(ctx), keyID); derr != nil {
				s.logger.Warn("failed to discard key", "key", keyID, "err", derr)
			}
		}
		return nil, err
	}

	s.logger.Info("verification method added", "did", id, "method", keyID)
	return doc, nil
}

// RemoveVerificationMethod drops the method from every relationship, then
// from the document, and deletes its private key.
func (s *Service) RemoveVerificationMethod(ctx context.Context, id did.Identifier, methodID string) (*did.Document, error) {
	var removed string
	doc, err := s.update(ctx, "remove verification method", id, func(doc *did.Document) error {
		vm, ok := doc.FindMethod(methodID)
		if !ok {
			return fmt.Errorf("%w: %s", did.ErrMethodNotFound, methodID)
		}
		removed = vm.ID
		for _, rel := range did.Relationships {
			if doc.HasRelationship(rel, vm.ID) {
				if err := doc.RemoveRelationship(rel, vm.ID); err != nil {
					return err
				}
			}
		}
		return doc.RemoveVerificationMethod(vm.ID)
	})
	if err != nil {
		return nil, err
	}

	if err := s.keys.DeleteKey(ctx, removed); err != nil && !errors.Is(err, did.ErrKeyNotFound) {
		s.logger.Warn("failed to delete key", "key", removed, "err", err)
	}
	s.logger.Info("verification method removed", "did", id, "method", removed)
	return doc, nil
}

// AddServiceEndpoint adds svc to the document of id.
func (s *Service) AddServiceEndpoint(ctx context.Context, id did.Identifier, svc did.Service) (*did.Document, error) {
	if svc.Type == "" {
		return nil, did.NewError("add service endpoint", id.String(), fmt.Errorf("%w: service type is required", did.ErrInvalidDocument))
	}
	doc, err := s.update(ctx, "add service endpoint", id, func(doc *did.Document) error {
		return doc.AddService(svc)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("service endpoint added", "did", id, "service", svc.ID, "type", svc.Type)
	return doc, nil
}

// RemoveServiceEndpoint removes the service serviceID from the document of id.
func (s *Service) RemoveServiceEndpoint(ctx context.Context, id did.Identifier, serviceID string) (*did.Document, error) {
	doc, err := s.update(ctx, "remove service endpoint", id, func(doc *did.Document) error {
		return doc.RemoveService(serviceID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("service endpoint removed", "did", id, "service", serviceID)
	return doc, nil
}

// DeactivateDID tombstones id and deletes the private keys of its methods.
// Credentials it issued stop verifying.
func (s *Service) DeactivateDID(ctx context.Context, id did.Identifier) error {
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return did.NewError("deactivate did", id.String(), err)
	}
	if err := s.registry.Deactivate(ctx, id); err != nil {
		return did.NewError("deactivate did", id.String(), err)
	}
	s.resolver.Invalidate(ctx, id)

	for _, vm := range rec.Document.VerificationMethod {
		if err := s.keys.DeleteKey(ctx, vm.ID); err != nil && !errors.Is(err, did.ErrKeyNotFound) {
			s.logger.Warn("failed to delete key", "key", vm.ID, "err", err)
		}
	}

	s.logger.Info("did deactivated", "did", id)
	return nil
}

// ResolveDID resolves a DID or DID URL.
func (s *Service) ResolveDID(ctx context.Context, didURL string) (*resolver.Resolution, error) {
	if strings.TrimSpace(didURL) == "" {
		return nil, did.NewError("resolve", "", fmt.Errorf("%w: empty did", did.ErrInvalidDIDSyntax))
	}
	return s.resolver.Resolve(ctx, didURL)
}

// VerifySignature checks sig over msg against the verification method at
// didURL for purpose. A wrong signature is false with a nil error.
func (s *Service) VerifySignature(ctx context.Context, didURL string, msg, sig []byte, purpose did.Relationship) (bool, error) {
	return s.verifier.VerifySignature(ctx, didURL, msg, sig, purpose)
}

// IssueCredential issues a credential signed by req.Issuer.
func (s *Service) IssueCredential(ctx context.Context, req vc.IssueRequest) (*vc.Credential, error) {
	if req.Issuer.IsZero() {
		return nil, did.NewError("issue credential", "", fmt.Errorf("%w: issuer is required", did.ErrInvalidDIDSyntax))
	}
	if req.Subject.IsZero() {
		return nil, did.NewError("issue credential", req.Issuer.String(), fmt.Errorf("%w: subject is required", did.ErrInvalidDIDSyntax))
	}
	return s.credentials.Issue(ctx, req)
}

// VerifyCredential checks the proof, expiry and status of cred.
func (s *Service) VerifyCredential(ctx context.Context, cred *vc.Credential) error {
	if cred == nil {
		return did.NewError("verify credential", "", errors.New("credential is nil"))
	}
	return s.credentials.Verify(ctx, cred)
}

// IssueCredentialJWT issues a credential encoded as a JWT.
func (s *Service) IssueCredentialJWT(ctx context.Context, req vc.IssueRequest) (string, error) {
	if req.Issuer.IsZero() {
		return "", did.NewError("issue credential", "", fmt.Errorf("%w: issuer is required", did.ErrInvalidDIDSyntax))
	}
	return s.credentials.IssueJWT(ctx, req)
}

// VerifyCredentialJWT verifies a JWT-encoded credential and returns it.
func (s *Service) VerifyCredentialJWT(ctx context.Context, token string) (*vc.Credential, error) {
	if strings.TrimSpace(token) == "" {
		return nil, did.NewError("verify credential", "", fmt.Errorf("%w: empty token", did.ErrSignatureInvalid))
	}
	return s.credentials.VerifyJWT(ctx, token)
}

// CreatePresentation wraps credentials in a presentation signed by the holder.
func (s *Service) CreatePresentation(ctx context.Context, req vp.CreateRequest) (*vp.Presentation, error) {
	return s.presentations.Create(ctx, req)
}

// VerifyPresentation checks every embedded credential and the holder proof.
func (s *Service) VerifyPresentation(ctx context.Context, p *vp.Presentation, opts ...vp.VerifyOpt) error {
	return s.presentations.Verify(ctx, p, opts...)
}

// EncryptMessage encrypts plaintext from the local keyAgreement key
// senderKeyID to the keyAgreement method recipientKeyID.
func (s *Service) EncryptMessage(ctx context.Context, senderKeyID, recipientKeyID string, plaintext []byte) (*didcomm.JWE, error) {
	return s.packer.Encrypt(ctx, senderKeyID, recipientKeyID, plaintext)
}

// DecryptMessage opens a message addressed to a local keyAgreement key.
func (s *Service) DecryptMessage(ctx context.Context, msg *didcomm.JWE) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", didcomm.ErrMalformed)
	}
	return s.packer.Decrypt(ctx, msg)
}

// Close releases the registry if the service opened it.
func (s *Service) Close() error {
	if s.ownsRegistry && s.registry != nil {
		return s.registry.Close()
	}
	return nil
}
