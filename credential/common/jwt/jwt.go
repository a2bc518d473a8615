// Package jwt encodes verifiable documents as compact JWS tokens signed by
// DID verification methods. The kid header is the absolute id of the
// signing method.
package jwt

import (
	"context"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/did"
)

// Signer signs with a managed key. *keys.Manager implements it.
type Signer interface {
	Sign(ctx context.Context, keyID string, msg []byte) ([]byte, error)
}

// SignatureVerifier checks a signature against a DID's verification method.
// *verifier.Verifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, didURL string, msg, sig []byte, purpose did.Relationship) (bool, error)
}

// Sign encodes claims as a token signed by keyID, a key of type kt.
func Sign(ctx context.Context, signer Signer, keyID string, kt crypto.KeyType, claims gojwt.Claims) (string, error) {
	m, err := MethodFor(kt)
	if err != nil {
		return "", err
	}

	token := gojwt.NewWithClaims(m, claims)
	token.Header["typ"] = "JWT"
	token.Header["kid"] = keyID

	signed, err := token.SignedString(&signingKey{ctx: ctx, signer: signer, keyID: keyID})
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature against the method named by its kid
// header, which must serve purpose, and decodes the payload into claims.
// It returns the kid. Registered claims are validated unless opts say otherwise.
func Verify(ctx context.Context, verifier SignatureVerifier, token string, purpose did.Relationship, claims gojwt.Claims, opts ...gojwt.ParserOption) (string, error) {
	var kid string
	keyFunc := func(t *gojwt.Token) (interface{}, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kid header is required")
		}
		return &verificationKey{ctx: ctx, verifier: verifier, methodID: kid, purpose: purpose}, nil
	}

	opts = append([]gojwt.ParserOption{gojwt.WithValidMethods([]string{EdDSA.alg, ES256K.alg})}, opts...)
	if _, err := gojwt.ParseWithClaims(token, claims, keyFunc, opts...); err != nil {
		if isDIDError(err) {
			return kid, err
		}
		return kid, fmt.Errorf("%w: %w", did.ErrSignatureInvalid, err)
	}
	return kid, nil
}

// isDIDError reports whether err already carries a DID failure worth
// surfacing as is.
func isDIDError(err error) bool {
	var derr *did.Error
	if errors.As(err, &derr) {
		return true
	}
	for _, target := range []error{
		did.ErrSignatureInvalid,
		did.ErrCapabilityNotGranted,
		did.ErrPurposeNotAllowed,
		did.ErrMethodNotFound,
		did.ErrDocumentNotFound,
		did.ErrResolutionTimeout,
		gojwt.ErrTokenExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Document returns the object under claim without checking the signature.
func Document(token, claim string) (jsonmap.JSONMap, error) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	raw, ok := claims[claim]
	if !ok {
		return nil, fmt.Errorf("claim %s not found in token", claim)
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("claim %s is not a JSON object", claim)
	}
	return doc, nil
}
