package did

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
)

// Verification method type tags.
const (
	TypeEd25519VerificationKey2018        = "Ed25519VerificationKey2018"
	TypeX25519KeyAgreementKey2019         = "X25519KeyAgreementKey2019"
	TypeEcdsaSecp256k1VerificationKey2019 = "EcdsaSecp256k1VerificationKey2019"
	TypeJSONWebKey2020                    = "JsonWebKey2020"
)

var typeKeyTypes = map[string]crypto.KeyType{
	TypeEd25519VerificationKey2018:        crypto.Ed25519,
	TypeX25519KeyAgreementKey2019:         crypto.X25519,
	TypeEcdsaSecp256k1VerificationKey2019: crypto.Secp256k1,
}

// KeyEncoding selects how public key material is written into a document.
type KeyEncoding int

const (
	// EncodingDefault picks base58 for Ed25519/X25519 and hex for Secp256k1.
	EncodingDefault KeyEncoding = iota
	EncodingHex
	EncodingBase58
	EncodingJWK
)

// VerificationMethod is a public key plus metadata. Exactly one of the
// public key fields is set.
type VerificationMethod struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Controller      string      `json:"controller"`
	PublicKeyHex    string      `json:"publicKeyHex,omitempty"`
	PublicKeyBase58 string      `json:"publicKeyBase58,omitempty"`
	PublicKeyJwk    *crypto.JWK `json:"publicKeyJwk,omitempty"`
}

// NewVerificationMethod builds a method with id <controller>#<fragment>.
func NewVerificationMethod(controller Identifier, fragment string, kt crypto.KeyType, publicKey []byte, enc KeyEncoding) (*VerificationMethod, error) {
	if fragment == "" {
		return nil, fmt.Errorf("%w: empty method fragment", ErrInvalidDocument)
	}
	vm := &VerificationMethod{
		ID:         controller.String() + "#" + strings.TrimPrefix(fragment, "#"),
		Controller: controller.String(),
	}

	if enc == EncodingDefault {
		enc = EncodingBase58
		if kt == crypto.Secp256k1 {
			enc = EncodingHex
		}
	}

	switch enc {
	case EncodingJWK:
		jwk, err := crypto.PublicKeyToJWK(kt, publicKey)
		if err != nil {
			return nil, err
		}
		vm.Type = TypeJSONWebKey2020
		vm.PublicKeyJwk = jwk
		return vm, nil
	case EncodingHex:
		vm.PublicKeyHex = hex.EncodeToString(publicKey)
	case EncodingBase58:
		vm.PublicKeyBase58 = base58.Encode(publicKey)
	default:
		return nil, fmt.Errorf("unknown key encoding %d", enc)
	}

	switch kt {
	case crypto.Ed25519:
		vm.Type = TypeEd25519VerificationKey2018
	case crypto.X25519:
		vm.Type = TypeX25519KeyAgreementKey2019
	case crypto.Secp256k1:
		vm.Type = TypeEcdsaSecp256k1VerificationKey2019
	default:
		return nil, fmt.Errorf("%w: %q", crypto.ErrUnsupportedKeyType, kt)
	}

	return vm, nil
}

// Fragment returns the part of the id after '#'.
func (vm *VerificationMethod) Fragment() string {
	_, frag, _ := strings.Cut(vm.ID, "#")
	return frag
}

// PublicKey decodes the key material and returns it with its key type.
// Secp256k1 keys are returned in the encoding they were published with,
// except JWK which yields the compressed form.
func (vm *VerificationMethod) PublicKey() (crypto.KeyType, []byte, error) {
	set := 0
	for _, present := range []bool{vm.PublicKeyHex != "", vm.PublicKeyBase58 != "", vm.PublicKeyJwk != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return "", nil, fmt.Errorf("%w: method %s must carry exactly one public key field, has %d", ErrInvalidDocument, vm.ID, set)
	}

	if vm.PublicKeyJwk != nil {
		return vm.PublicKeyJwk.PublicKey()
	}

	kt, ok := typeKeyTypes[vm.Type]
	if !ok {
		return "", nil, fmt.Errorf("%w: unsupported verification method type %q", crypto.ErrUnsupportedKeyType, vm.Type)
	}

	var (
		pub []byte
		err error
	)
	if vm.PublicKeyHex != "" {
		pub, err = hex.DecodeString(strings.TrimPrefix(vm.PublicKeyHex, "0x"))
	} else {
		pub, err = base58.Decode(vm.PublicKeyBase58)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: method %s: failed to decode public key: %v", ErrInvalidDocument, vm.ID, err)
	}

	return kt, pub, nil
}

// KeyType returns the key type of the method's public key.
func (vm *VerificationMethod) KeyType() (crypto.KeyType, error) {
	kt, _, err := vm.PublicKey()
	return kt, err
}

// validate checks the method belongs to owner and its key material decodes.
func (vm *VerificationMethod) validate(owner Identifier) error {
	didPart, frag, ok := strings.Cut(vm.ID, "#")
	if !ok || frag == "" {
		return fmt.Errorf("%w: method id %q has no fragment", ErrInvalidDocument, vm.ID)
	}
	if didPart != owner.String() {
		return fmt.Errorf("%w: method id %q does not belong to %s", ErrInvalidDocument, vm.ID, owner)
	}
	if vm.Controller != owner.String() {
		return fmt.Errorf("%w: method %q controller %q does not match %s", ErrInvalidDocument, vm.ID, vm.Controller, owner)
	}
	if vm.Type == "" {
		return fmt.Errorf("%w: method %q has no type", ErrInvalidDocument, vm.ID)
	}
	if _, _, err := vm.PublicKey(); err != nil {
		return err
	}
	return nil
}

func (vm *VerificationMethod) clone() *VerificationMethod {
	if vm == nil {
		return nil
	}
	c := *vm
	if vm.PublicKeyJwk != nil {
		jwk := *vm.PublicKeyJwk
		c.PublicKeyJwk = &jwk
	}
	return &c
}
