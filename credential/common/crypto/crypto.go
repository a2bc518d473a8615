package crypto

import (
	"fmt"
)

// KeyPair holds raw key material for one key.
//
// Public is the encoded public key: 32 bytes for Ed25519 and X25519, a 33-byte
// compressed point for Secp256k1. Private is the 32-byte seed or scalar.
type KeyPair struct {
	Type    KeyType
	Public  []byte
	Private []byte
}

// Zeroize wipes the private half of the key pair.
func (k *KeyPair) Zeroize() {
	if k == nil {
		return
	}
	Zeroize(k.Private)
	k.Private = nil
}

// GenerateKeyPair creates a new key pair of the given type from crypto/rand.
func GenerateKeyPair(t KeyType) (*KeyPair, error) {
	var (
		pub, priv []byte
		err       error
	)

	switch t {
	case Ed25519:
		pub, priv, err = generateEd25519()
	case X25519:
		pub, priv, err = generateX25519()
	case Secp256k1:
		pub, priv, err = generateSecp256k1()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", t, err)
	}

	return &KeyPair{Type: t, Public: pub, Private: priv}, nil
}

// Sign signs message with the private key of the given type.
func Sign(t KeyType, privateKey, message []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
	if !t.Can(CapSign) {
		return nil, fmt.Errorf("%w: %s cannot sign", ErrCapabilityNotSupported, t)
	}

	switch t {
	case Ed25519:
		return signEd25519(privateKey, message)
	default:
		return SignMessage(privateKey, message)
	}
}

// Verify checks signature over message against publicKey.
//
// A well-formed key with a wrong signature returns false and no error. An error
// means the key itself is unusable.
func Verify(t KeyType, publicKey, message, signature []byte) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
	if !t.Can(CapSign) {
		return false, fmt.Errorf("%w: %s cannot verify signatures", ErrCapabilityNotSupported, t)
	}

	switch t {
	case Ed25519:
		return verifyEd25519(publicKey, message, signature)
	default:
		if _, err := ParsePublicKey(publicKey); err != nil {
			return false, err
		}
		return VerifySignature(publicKey, message, signature), nil
	}
}

// SharedSecret performs a Diffie-Hellman exchange between a local private key
// and a peer public key of the same type.
func SharedSecret(t KeyType, privateKey, peerPublicKey []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
	if !t.Can(CapKeyAgreement) {
		return nil, fmt.Errorf("%w: %s cannot do key agreement", ErrCapabilityNotSupported, t)
	}

	switch t {
	case X25519:
		return sharedSecretX25519(privateKey, peerPublicKey)
	default:
		return sharedSecretSecp256k1(privateKey, peerPublicKey)
	}
}

// PublicKey derives the public key from a private key of the given type.
func PublicKey(t KeyType, privateKey []byte) ([]byte, error) {
	switch t {
	case Ed25519:
		return publicEd25519(privateKey)
	case X25519:
		return publicX25519(privateKey)
	case Secp256k1:
		return publicSecp256k1(privateKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	clear(b)
}
