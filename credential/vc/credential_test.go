package vc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/schema"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/keys"
	"github.com/stablerwa/go-did-sdk/did/registry"
	"github.com/stablerwa/go-did-sdk/did/resolver"
	"github.com/stablerwa/go-did-sdk/did/verifier"
)

var (
	issuerDID  = did.MustParse("did:rwa:abc123")
	subjectDID = did.MustParse("did:rwa:subj1")
	fixedNow   = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	reg      *registry.Memory
	keys     *keys.Manager
	resolver *resolver.Resolver
	verifier *verifier.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.NewMemory()
	r := resolver.New(resolver.WithMethod(did.MethodRWA, resolver.NewLocalMethod(reg)))
	return &harness{
		reg:      reg,
		keys:     keys.NewManager(nil),
		resolver: r,
		verifier: verifier.New(r),
	}
}

// createDID registers id with one key per type, listed under rels.
func (h *harness) createDID(t *testing.T, id did.Identifier, kt crypto.KeyType, rels ...did.Relationship) string {
	t.Helper()
	ctx := context.Background()

	methodID := id.String() + "#key-1"
	info, err := h.keys.GenerateKey(ctx, methodID, kt, did.Authentication, did.AssertionMethod)
	require.NoError(t, err)

	doc := did.NewDocument(id)
	vm, err := did.NewVerificationMethod(id, "key-1", kt, info.Public, did.EncodingDefault)
	require.NoError(t, err)
	require.NoError(t, doc.AddVerificationMethod(*vm))
	for _, rel := range rels {
		require.NoError(t, doc.AddRelationship(rel, vm.ID))
	}
	doc.Touch(fixedNow)
	require.NoError(t, h.reg.Create(ctx, doc))
	return methodID
}

func (h *harness) engine(opts ...EngineOpt) *Engine {
	opts = append([]EngineOpt{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(h.keys, h.resolver, h.verifier, opts...)
}

func aliceRequest() IssueRequest {
	return IssueRequest{
		Issuer:  issuerDID,
		Subject: subjectDID,
		Claims:  map[string]interface{}{"name": "Alice"},
	}
}

func TestEngine_IssueAndVerify(t *testing.T) {
	for _, kt := range []crypto.KeyType{crypto.Ed25519, crypto.Secp256k1} {
		t.Run(kt.String(), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			methodID := h.createDID(t, issuerDID, kt, did.Authentication, did.AssertionMethod)
			e := h.engine()

			cred, err := e.Issue(ctx, aliceRequest())
			require.NoError(t, err)
			require.NoError(t, e.Verify(ctx, cred))

			proof, err := cred.Proof()
			require.NoError(t, err)
			assert.Equal(t, ProofType, proof.Type)
			assert.Equal(t, methodID, proof.VerificationMethod)
			assert.Equal(t, "assertionMethod", proof.ProofPurpose)
			assert.Equal(t, string(jsonmap.AlgorithmJCS), proof.Cryptosuite)
			assert.Equal(t, "2025-06-01T12:00:00Z", proof.Created)

			contents, err := cred.Contents()
			require.NoError(t, err)
			assert.Equal(t, issuerDID.String(), contents.Issuer)
			assert.Equal(t, []string{TypeVerifiableCredential}, contents.Types)
			assert.Contains(t, contents.ID, "urn:uuid:")
			require.Len(t, contents.Subject, 1)
			assert.Equal(t, "did:rwa:subj1", contents.Subject[0].ID)
			assert.Equal(t, "Alice", contents.Subject[0].CustomFields["name"])
			assert.True(t, contents.IssuanceDate.Equal(fixedNow))
		})
	}
}

func TestEngine_VerifyAfterJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)
	e := h.engine()

	req := aliceRequest()
	req.Claims = map[string]interface{}{"name": "Alice", "age": 30, "tags": []string{"kyc", "accredited"}}
	req.Types = []string{"KYCCredential"}
	req.ExpirationDate = fixedNow.Add(365 * 24 * time.Hour)
	cred, err := e.Issue(ctx, req)
	require.NoError(t, err)

	data, err := cred.ToJSON()
	require.NoError(t, err)
	parsed, err := ParseCredential(data)
	require.NoError(t, err)
	require.NoError(t, e.Verify(ctx, parsed))
}

func TestEngine_TamperingIsDetected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)
	e := h.engine()

	tests := []struct {
		name   string
		mutate func(m jsonmap.JSONMap)
	}{
		{name: "claim", mutate: func(m jsonmap.JSONMap) {
			m["credentialSubject"].(map[string]interface{})["name"] = "Mallory"
		}},
		{name: "subject", mutate: func(m jsonmap.JSONMap) {
			m["credentialSubject"].(map[string]interface{})["id"] = "did:rwa:other"
		}},
		{name: "proof created", mutate: func(m jsonmap.JSONMap) {
			m["proof"].(map[string]interface{})["created"] = "2030-01-01T00:00:00Z"
		}},
		{name: "signature", mutate: func(m jsonmap.JSONMap) {
			m["proof"].(map[string]interface{})["signatureValue"] = "3mJr7AoUXx2Wqd"
		}},
		{name: "signature not base58", mutate: func(m jsonmap.JSONMap) {
			m["proof"].(map[string]interface{})["signatureValue"] = "0OIl"
		}},
		{name: "issuer swapped", mutate: func(m jsonmap.JSONMap) {
			m["issuer"] = "did:rwa:someoneelse"
		}},
		{name: "proof purpose", mutate: func(m jsonmap.JSONMap) {
			m["proof"].(map[string]interface{})["proofPurpose"] = "authentication"
		}},
		{name: "unknown cryptosuite", mutate: func(m jsonmap.JSONMap) {
			m["proof"].(map[string]interface{})["cryptosuite"] = "mystery-2000"
		}},
		{name: "proof removed", mutate: func(m jsonmap.JSONMap) {
			delete(m, "proof")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := e.Issue(ctx, aliceRequest())
			require.NoError(t, err)

			tt.mutate(cred.data)
			err = e.Verify(ctx, cred)
			require.ErrorIs(t, err, did.ErrSignatureInvalid)

			var derr *did.Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, "verify credential", derr.Op)
		})
	}
}

func TestEngine_Expired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)
	e := h.engine()

	req := aliceRequest()
	req.ExpirationDate = fixedNow.Add(-time.Hour)
	cred, err := e.Issue(ctx, req)
	require.NoError(t, err)

	err = e.Verify(ctx, cred)
	assert.ErrorIs(t, err, did.ErrCredentialExpired)
}

func TestEngine_CapabilityNotGranted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	methodID := h.createDID(t, issuerDID, crypto.Ed25519, did.Authentication, did.AssertionMethod)
	e := h.engine()

	cred, err := e.Issue(ctx, aliceRequest())
	require.NoError(t, err)

	// The issuer withdraws assertionMethod from the key.
	rec, err := h.reg.Get(ctx, issuerDID)
	require.NoError(t, err)
	doc := rec.Document.Clone()
	require.NoError(t, doc.RemoveRelationship(did.AssertionMethod, methodID))
	doc.Touch(fixedNow.Add(time.Minute))
	require.NoError(t, h.reg.Update(ctx, doc, rec.Document.Updated))

	err = e.Verify(ctx, cred)
	assert.ErrorIs(t, err, did.ErrCapabilityNotGranted)

	_, err = e.Issue(ctx, aliceRequest())
	assert.ErrorIs(t, err, did.ErrCapabilityNotGranted)
}

func TestEngine_IssueRequestedMethod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.Authentication)
	e := h.engine()

	req := aliceRequest()
	req.VerificationMethod = "#key-1"
	_, err := e.Issue(ctx, req)
	assert.ErrorIs(t, err, did.ErrCapabilityNotGranted)

	req.VerificationMethod = "#key-9"
	_, err = e.Issue(ctx, req)
	assert.ErrorIs(t, err, did.ErrMethodNotFound)
}

func TestEngine_IssueValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine()

	_, err := e.Issue(ctx, IssueRequest{Subject: subjectDID})
	assert.ErrorIs(t, err, did.ErrInvalidDIDSyntax)

	_, err = e.Issue(ctx, IssueRequest{Issuer: issuerDID})
	assert.ErrorIs(t, err, did.ErrInvalidDIDSyntax)

	_, err = e.Issue(ctx, IssueRequest{Issuer: issuerDID, Subject: subjectDID, Claims: map[string]interface{}{"id": "x"}})
	assert.Error(t, err)

	_, err = e.Issue(ctx, aliceRequest())
	assert.ErrorIs(t, err, did.ErrDocumentNotFound)
}

func TestEngine_DeactivatedIssuer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)
	e := h.engine()

	cred, err := e.Issue(ctx, aliceRequest())
	require.NoError(t, err)
	require.NoError(t, h.reg.Deactivate(ctx, issuerDID))

	err = e.Verify(ctx, cred)
	assert.ErrorIs(t, err, did.ErrDocumentNotFound)
}

type statusFunc func(ctx context.Context, s Status) (bool, error)

func (f statusFunc) IsRevoked(ctx context.Context, s Status) (bool, error) { return f(ctx, s) }

func TestEngine_Status(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)

	status := &Status{
		ID:                   "https://status.example/1#94567",
		Type:                 "BitstringStatusListEntry",
		StatusPurpose:        "revocation",
		StatusListIndex:      "94567",
		StatusListCredential: "https://status.example/1",
	}
	revokedIdx := map[string]bool{"94567": true}
	checker := statusFunc(func(_ context.Context, s Status) (bool, error) {
		if s.StatusListCredential == "" {
			return false, errors.New("list unavailable")
		}
		return revokedIdx[s.StatusListIndex], nil
	})
	e := h.engine(WithStatusChecker(checker))

	req := aliceRequest()
	req.Status = status
	cred, err := e.Issue(ctx, req)
	require.NoError(t, err)

	contents, err := cred.Contents()
	require.NoError(t, err)
	require.Len(t, contents.CredentialStatus, 1)
	assert.Equal(t, *status, contents.CredentialStatus[0])

	err = e.Verify(ctx, cred)
	assert.ErrorIs(t, err, did.ErrCredentialRevoked)

	delete(revokedIdx, "94567")
	assert.NoError(t, e.Verify(ctx, cred))

	// Without a checker the status entry is not consulted.
	assert.NoError(t, h.engine().Verify(ctx, cred))

	req.Status = &Status{Type: "BitstringStatusListEntry", StatusListIndex: "1"}
	cred, err = e.Issue(ctx, req)
	require.NoError(t, err)
	err = e.Verify(ctx, cred)
	assert.ErrorContains(t, err, "list unavailable")
	assert.NotErrorIs(t, err, did.ErrCredentialRevoked)
}

func TestEngine_Schema(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createDID(t, issuerDID, crypto.Ed25519, did.AssertionMethod)

	v := schema.NewValidator()
	require.NoError(t, v.Register("https://schemas.example/person", []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)))
	e := h.engine(WithSchemaValidator(v))

	req := aliceRequest()
	req.Schema = &Schema{ID: "https://schemas.example/person", Type: "JsonSchema"}
	cred, err := e.Issue(ctx, req)
	require.NoError(t, err)
	contents, err := cred.Contents()
	require.NoError(t, err)
	assert.Equal(t, []Schema{*req.Schema}, contents.Schemas)

	req.Claims = map[string]interface{}{"name": 42}
	_, err = e.Issue(ctx, req)
	assert.ErrorIs(t, err, schema.ErrClaimsInvalid)
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty", input: "", wantErr: "JSON string is empty"},
		{name: "invalid json", input: "{invalid}", wantErr: "failed to unmarshal credential"},
		{name: "missing type", input: `{"issuer":"did:rwa:abc123"}`, wantErr: "VerifiableCredential"},
		{name: "missing issuer", input: `{"type":"VerifiableCredential"}`, wantErr: "issuer"},
		{name: "bad date", input: `{"type":"VerifiableCredential","issuer":"did:rwa:abc123","expirationDate":"tomorrow"}`, wantErr: "expirationDate"},
		{name: "bad subject", input: `{"type":"VerifiableCredential","issuer":"did:rwa:abc123","credentialSubject":5}`, wantErr: "subject"},
		{name: "issuer object", input: `{"type":["VerifiableCredential"],"issuer":{"id":"did:rwa:abc123","name":"RWA"},"validUntil":"2030-01-01T00:00:00Z","credentialStatus":{"type":"BitstringStatusListEntry","statusListIndex":7}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := ParseCredential([]byte(tt.input))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "did:rwa:abc123", cred.Issuer())

			contents, err := cred.Contents()
			require.NoError(t, err)
			assert.Equal(t, 2030, contents.ExpirationDate.Year())
			require.Len(t, contents.CredentialStatus, 1)
			assert.Equal(t, "7", contents.CredentialStatus[0].StatusListIndex)
		})
	}
}
