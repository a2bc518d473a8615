package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

func generateX25519() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		Zeroize(priv)
		return nil, nil, err
	}

	return pub, priv, nil
}

func publicX25519(privateKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: x25519 private key must be %d bytes", ErrInvalidKey, curve25519.ScalarSize)
	}

	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

func sharedSecretX25519(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: x25519 private key must be %d bytes", ErrInvalidKey, curve25519.ScalarSize)
	}
	if len(peerPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: x25519 public key must be %d bytes", ErrInvalidKey, curve25519.PointSize)
	}

	// X25519 rejects low-order peer points with an all-zero output.
	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return secret, nil
}
