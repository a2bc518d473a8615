package didcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/keys"
	"github.com/stablerwa/go-did-sdk/did/registry"
	"github.com/stablerwa/go-did-sdk/did/resolver"
)

type fixture struct {
	reg    *registry.Memory
	keys   *keys.Manager
	packer *Packer
}

func newFixture() *fixture {
	reg := registry.NewMemory()
	km := keys.NewManager(nil)
	r := resolver.New(resolver.WithMethod(did.MethodRWA, resolver.NewLocalMethod(reg)))
	return &fixture{reg: reg, keys: km, packer: NewPacker(km, r)}
}

// addDID registers id with one key, key-1, listed under rel.
func (f *fixture) addDID(t *testing.T, id string, kt crypto.KeyType, rel did.Relationship) string {
	t.Helper()
	ctx := context.Background()

	ident := did.MustParse(id)
	keyID := id + "#key-1"
	info, err := f.keys.GenerateKey(ctx, keyID, kt, rel)
	require.NoError(t, err)

	doc := did.NewDocument(ident)
	vm, err := did.NewVerificationMethod(ident, "key-1", kt, info.Public, did.EncodingDefault)
	require.NoError(t, err)
	require.NoError(t, doc.AddVerificationMethod(*vm))
	require.NoError(t, doc.AddRelationship(rel, vm.ID))
	doc.Touch(time.Now())
	require.NoError(t, f.reg.Create(ctx, doc))
	return keyID
}

func TestPacker_RoundTrip(t *testing.T) {
	for _, kt := range []crypto.KeyType{crypto.X25519, crypto.Secp256k1} {
		t.Run(kt.String(), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			alice := f.addDID(t, "did:rwa:alice", kt, did.KeyAgreement)
			bob := f.addDID(t, "did:rwa:bob", kt, did.KeyAgreement)

			msg, err := f.packer.Encrypt(ctx, alice, bob, []byte(`{"type":"transfer","amount":10}`))
			require.NoError(t, err)

			h, err := msg.Header()
			require.NoError(t, err)
			assert.Equal(t, alice, h.Skid)
			assert.Equal(t, bob, h.Kid)
			assert.Equal(t, MediaType, h.Typ)
			assert.Equal(t, AlgStaticHKDF, h.Alg)

			data, err := msg.JSON()
			require.NoError(t, err)
			parsed, err := ParseJWE(data)
			require.NoError(t, err)

			plaintext, err := f.packer.Decrypt(ctx, parsed)
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"transfer","amount":10}`, string(plaintext))
		})
	}
}

func TestPacker_Tampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	alice := f.addDID(t, "did:rwa:alice", crypto.X25519, did.KeyAgreement)
	bob := f.addDID(t, "did:rwa:bob", crypto.X25519, did.KeyAgreement)
	carol := f.addDID(t, "did:rwa:carol", crypto.X25519, did.KeyAgreement)

	msg, err := f.packer.Encrypt(ctx, alice, bob, []byte("hello bob"))
	require.NoError(t, err)

	t.Run("ciphertext", func(t *testing.T) {
		forged := *msg
		other, err := f.packer.Encrypt(ctx, alice, bob, []byte("hello eve"))
		require.NoError(t, err)
		forged.Ciphertext = other.Ciphertext

		_, err = f.packer.Decrypt(ctx, &forged)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("claimed sender", func(t *testing.T) {
		forged := *msg
		h, err := msg.Header()
		require.NoError(t, err)
		h.Skid = carol
		relabeled, err := newJWE(h, nil)
		require.NoError(t, err)
		forged.Protected = relabeled.Protected

		_, err = f.packer.Decrypt(ctx, &forged)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseJWE([]byte(`{"protected":""}`))
		assert.ErrorIs(t, err, ErrMalformed)

		forged := *msg
		forged.Protected = "!!"
		_, err = f.packer.Decrypt(ctx, &forged)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("standard alg name", func(t *testing.T) {
		h, err := msg.Header()
		require.NoError(t, err)
		h.Alg = "ECDH-1PU"
		relabeled, err := newJWE(h, nil)
		require.NoError(t, err)

		forged := *msg
		forged.Protected = relabeled.Protected
		_, err = f.packer.Decrypt(ctx, &forged)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestPacker_KeyChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	alice := f.addDID(t, "did:rwa:alice", crypto.X25519, did.KeyAgreement)
	signer := f.addDID(t, "did:rwa:signer", crypto.Secp256k1, did.AssertionMethod)
	k1 := f.addDID(t, "did:rwa:kone", crypto.Secp256k1, did.KeyAgreement)

	_, err := f.packer.Encrypt(ctx, alice, signer, []byte("x"))
	assert.ErrorIs(t, err, did.ErrCapabilityNotGranted)

	_, err = f.packer.Encrypt(ctx, alice, "did:rwa:signer", []byte("x"))
	assert.ErrorIs(t, err, did.ErrMethodNotFound)

	_, err = f.packer.Encrypt(ctx, alice, k1, []byte("x"))
	assert.ErrorIs(t, err, crypto.ErrUnsupportedKeyType)

	_, err = f.packer.Encrypt(ctx, alice, "did:rwa:nobody#key-1", []byte("x"))
	assert.ErrorIs(t, err, did.ErrDocumentNotFound)
}
