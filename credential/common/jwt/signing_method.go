package jwt

import (
	"context"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
)

// SigningMethod is a JWS algorithm whose private keys stay in a key manager
// and whose public keys are read from DID documents.
type SigningMethod struct {
	alg      string
	keyType  crypto.KeyType
	fallback gojwt.SigningMethod
}

var (
	// EdDSA signs with Ed25519 keys.
	EdDSA = &SigningMethod{alg: "EdDSA", keyType: crypto.Ed25519, fallback: gojwt.SigningMethodEdDSA}
	// ES256K signs with secp256k1 keys. Signatures are R || S over sha256.
	ES256K = &SigningMethod{alg: "ES256K", keyType: crypto.Secp256k1}
)

// Registering replaces the library's EdDSA method; keys that are not ours
// are handed back to it.
func init() {
	for _, m := range []*SigningMethod{EdDSA, ES256K} {
		gojwt.RegisterSigningMethod(m.alg, func() gojwt.SigningMethod { return m })
	}
}

// MethodFor returns the signing method for keys of type kt.
func MethodFor(kt crypto.KeyType) (*SigningMethod, error) {
	switch kt {
	case crypto.Ed25519:
		return EdDSA, nil
	case crypto.Secp256k1:
		return ES256K, nil
	default:
		return nil, fmt.Errorf("%w: no JWS algorithm for %s", crypto.ErrCapabilityNotSupported, kt)
	}
}

// Alg returns the JOSE algorithm name.
func (m *SigningMethod) Alg() string {
	return m.alg
}

type signingKey struct {
	ctx    context.Context
	signer Signer
	keyID  string
}

type verificationKey struct {
	ctx      context.Context
	verifier SignatureVerifier
	methodID string
	purpose  did.Relationship
}

// Sign signs signingString with a managed key.
func (m *SigningMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	k, ok := key.(*signingKey)
	if !ok {
		if m.fallback != nil {
			return m.fallback.Sign(signingString, key)
		}
		return nil, gojwt.ErrInvalidKeyType
	}

	sig, err := k.signer.Sign(k.ctx, k.keyID, []byte(signingString))
	if err != nil {
		return nil, err
	}
	// JWS carries no recovery id.
	if m.keyType == crypto.Secp256k1 && len(sig) == 65 {
		sig = sig[:64]
	}
	return sig, nil
}

// Verify checks sig against the verification method the key points at.
func (m *SigningMethod) Verify(signingString string, sig []byte, key interface{}) error {
	k, ok := key.(*verificationKey)
	if !ok {
		if m.fallback != nil {
			return m.fallback.Verify(signingString, sig, key)
		}
		return gojwt.ErrInvalidKeyType
	}

	valid, err := k.verifier.VerifySignature(k.ctx, k.methodID, []byte(signingString), sig, k.purpose)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: %s signature by %s does not verify", did.ErrSignatureInvalid, m.alg, k.methodID)
	}
	return nil
}
