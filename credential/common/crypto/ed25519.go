package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519 private keys are kept as the 32-byte RFC 8032 seed.
func generateEd25519() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, priv.Seed())
	Zeroize(priv)

	return pub, seed, nil
}

func expandEd25519(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func signEd25519(seed, message []byte) ([]byte, error) {
	priv, err := expandEd25519(seed)
	if err != nil {
		return nil, err
	}
	defer Zeroize(priv)

	return ed25519.Sign(priv, message), nil
}

func verifyEd25519(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}

	return ed25519.Verify(publicKey, message, signature), nil
}

func publicEd25519(seed []byte) ([]byte, error) {
	priv, err := expandEd25519(seed)
	if err != nil {
		return nil, err
	}
	defer Zeroize(priv)

	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, priv.Public().(ed25519.PublicKey))

	return pub, nil
}
