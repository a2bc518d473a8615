package vc

import (
	"context"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/jwt"
	"github.com/stablerwa/go-did-sdk/did"
)

// ClaimVC is the JWT claim holding the credential.
const ClaimVC = "vc"

type credentialClaims struct {
	gojwt.RegisteredClaims
	VC map[string]interface{} `json:"vc,omitempty"`
}

// IssueJWT issues req as a JWT-encoded credential. The token signature
// replaces the embedded proof, so the vc claim carries none.
func (e *Engine) IssueJWT(ctx context.Context, req IssueRequest) (string, error) {
	issuer := req.Issuer.String()
	fail := func(err error) (string, error) {
		return "", did.NewError("issue credential", issuer, err)
	}

	cred, vm, err := e.build(ctx, req)
	if err != nil {
		return "", err
	}
	kt, err := vm.KeyType()
	if err != nil {
		return fail(err)
	}
	contents, err := cred.Contents()
	if err != nil {
		return fail(err)
	}

	claims := credentialClaims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   req.Subject.String(),
			ID:        contents.ID,
			IssuedAt:  gojwt.NewNumericDate(contents.IssuanceDate),
			NotBefore: gojwt.NewNumericDate(contents.IssuanceDate),
		},
		VC: cred.data,
	}
	if !contents.ExpirationDate.IsZero() {
		claims.ExpiresAt = gojwt.NewNumericDate(contents.ExpirationDate)
	}

	token, err := jwt.Sign(ctx, e.signer, vm.ID, kt, claims)
	if err != nil {
		return fail(err)
	}

	e.logger.Info("credential issued", "id", contents.ID, "issuer", issuer, "subject", req.Subject, "method", vm.ID, "format", "jwt")
	return token, nil
}

// VerifyJWT checks a JWT-encoded credential the way Verify checks an
// embedded proof and returns the credential it carries.
func (e *Engine) VerifyJWT(ctx context.Context, token string) (*Credential, error) {
	var claims credentialClaims
	kid, err := jwt.Verify(ctx, e.verifier, token, did.AssertionMethod, &claims, gojwt.WithoutClaimsValidation())
	if err != nil {
		var derr *did.Error
		if errors.As(err, &derr) {
			return nil, err
		}
		return nil, did.NewError("verify credential", claims.Issuer, err)
	}

	issuer := claims.Issuer
	fail := func(err error) (*Credential, error) {
		return nil, did.NewError("verify credential", issuer, err)
	}

	u, err := did.ParseURL(kid)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err))
	}
	if u.DID.String() != issuer {
		return fail(fmt.Errorf("%w: token signed by %s, not %s", did.ErrSignatureInvalid, u.DID, issuer))
	}
	if claims.VC == nil {
		return fail(fmt.Errorf("%w: token has no %s claim", did.ErrSignatureInvalid, ClaimVC))
	}

	data, err := jsonmap.JSONMap(claims.VC).ToJSON()
	if err != nil {
		return fail(err)
	}
	cred, err := ParseCredential(data)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", did.ErrSignatureInvalid, err))
	}
	if cred.Issuer() != issuer {
		return fail(fmt.Errorf("%w: credential issuer %s does not match token issuer", did.ErrSignatureInvalid, cred.Issuer()))
	}

	contents, err := cred.Contents()
	if err != nil {
		return fail(err)
	}
	if claims.ExpiresAt != nil && (contents.ExpirationDate.IsZero() || claims.ExpiresAt.Time.Before(contents.ExpirationDate)) {
		contents.ExpirationDate = claims.ExpiresAt.Time
	}
	if err := e.checkValidity(ctx, contents); err != nil {
		return fail(err)
	}

	e.logger.Debug("credential verified", "id", contents.ID, "issuer", issuer, "format", "jwt")
	return cred, nil
}

// ParseCredentialJWT returns the credential inside a token without
// checking the signature.
func ParseCredentialJWT(token string) (*Credential, error) {
	doc, err := jwt.Document(token, ClaimVC)
	if err != nil {
		return nil, err
	}
	data, err := doc.ToJSON()
	if err != nil {
		return nil, err
	}
	return ParseCredential(data)
}
