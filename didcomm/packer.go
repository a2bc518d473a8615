// Package didcomm encrypts messages between the key agreement keys of two
// DIDs. The content key is derived from a static-static key agreement, so a
// message that opens is also authenticated as coming from the sender key.
package didcomm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/crypto/hkdf"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/resolver"
)

var (
	// ErrMalformed is returned for messages that do not decode.
	ErrMalformed = errors.New("didcomm: malformed message")
	// ErrDecrypt is returned when a message fails authentication.
	ErrDecrypt = errors.New("didcomm: message authentication failed")
)

// KeyAgreer runs key agreement with a managed key. *keys.Manager implements it.
type KeyAgreer interface {
	SharedSecret(ctx context.Context, keyID string, peerPublic []byte) ([]byte, error)
}

// Resolver resolves DID URLs. *resolver.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, didURL string) (*resolver.Resolution, error)
}

// Packer encrypts and decrypts messages.
type Packer struct {
	agreer   KeyAgreer
	resolver Resolver
	logger   log.Logger
}

// Option configures a Packer.
type Option func(*Packer)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Packer) { p.logger = l }
}

// NewPacker creates a Packer.
func NewPacker(agreer KeyAgreer, r Resolver, opts ...Option) *Packer {
	p := &Packer{
		agreer:   agreer,
		resolver: r,
		logger:   log.Root().With("module", "didcomm"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type agreementKey struct {
	id      string
	keyType crypto.KeyType
	public  []byte
}

// keyAgreementKey resolves didURL to a method listed under keyAgreement.
func (p *Packer) keyAgreementKey(ctx context.Context, didURL string) (*agreementKey, error) {
	res, err := p.resolver.Resolve(ctx, didURL)
	if err != nil {
		return nil, err
	}
	if res.Method == nil {
		return nil, fmt.Errorf("%w: %s does not name a verification method", did.ErrMethodNotFound, didURL)
	}
	if !res.Document.HasRelationship(did.KeyAgreement, res.Method.ID) {
		return nil, fmt.Errorf("%w: %s is not a keyAgreement method", did.ErrCapabilityNotGranted, res.Method.ID)
	}

	kt, pub, err := res.Method.PublicKey()
	if err != nil {
		return nil, err
	}
	if !kt.Can(crypto.CapKeyAgreement) {
		return nil, fmt.Errorf("%w: %s keys cannot do key agreement", did.ErrCapabilityNotGranted, kt)
	}
	return &agreementKey{id: res.Method.ID, keyType: kt, public: pub}, nil
}

func curve(kt crypto.KeyType) string {
	if kt == crypto.Secp256k1 {
		return "secp256k1"
	}
	return string(kt)
}

// contentKey derives the AES-256 key for one sender/recipient pair.
func contentKey(shared []byte, skid, kid string) ([]byte, error) {
	key := make([]byte, 32)
	info := []byte(EncA256GCM + "|" + skid + "|" + kid)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("failed to derive content key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext from the local key senderKeyID to the
// recipient method recipientKeyID. Both must be keyAgreement methods of
// the same key type.
func (p *Packer) Encrypt(ctx context.Context, senderKeyID, recipientKeyID string, plaintext []byte) (*JWE, error) {
	sender, err := p.keyAgreementKey(ctx, senderKeyID)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := p.keyAgreementKey(ctx, recipientKeyID)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if sender.keyType != recipient.keyType {
		return nil, fmt.Errorf("%w: sender key is %s, recipient key is %s", crypto.ErrUnsupportedKeyType, sender.keyType, recipient.keyType)
	}

	shared, err := p.agreer.SharedSecret(ctx, sender.id, recipient.public)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(shared)
	key, err := contentKey(shared, sender.id, recipient.id)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	h := Header{Typ: MediaType, Alg: AlgStaticHKDF, Enc: EncA256GCM, Crv: curve(sender.keyType), Skid: sender.id, Kid: recipient.id}
	msg, err := newJWE(h, iv)
	if err != nil {
		return nil, err
	}
	msg.seal(gcm.Seal(nil, iv, plaintext, []byte(msg.Protected)), gcm.Overhead())

	p.logger.Debug("message encrypted", "skid", sender.id, "kid", recipient.id, "size", len(plaintext))
	return msg, nil
}

// Decrypt opens msg with the local key named by its kid header, after
// checking the sender key named by skid against the sender's document.
func (p *Packer) Decrypt(ctx context.Context, msg *JWE) ([]byte, error) {
	h, err := msg.Header()
	if err != nil {
		return nil, err
	}

	sender, err := p.keyAgreementKey(ctx, h.Skid)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := p.keyAgreementKey(ctx, h.Kid)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if sender.keyType != recipient.keyType || h.Crv != curve(sender.keyType) {
		return nil, fmt.Errorf("%w: curve %q does not match the published keys", ErrMalformed, h.Crv)
	}

	shared, err := p.agreer.SharedSecret(ctx, recipient.id, sender.public)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(shared)
	key, err := contentKey(shared, sender.id, recipient.id)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv, sealed, err := msg.sealed()
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformed, gcm.NonceSize())
	}

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(msg.Protected))
	if err != nil {
		return nil, fmt.Errorf("%w: from %s", ErrDecrypt, sender.id)
	}
	return plaintext, nil
}
