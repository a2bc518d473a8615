package crypto

import (
	"encoding/base64"
	"fmt"
)

// JWK represents a JSON Web Key structure holding a public key only.
type JWK struct {
	Kty string `json:"kty"`         // Key type
	Crv string `json:"crv"`         // Curve
	X   string `json:"x"`           // X coordinate
	Y   string `json:"y,omitempty"` // Y coordinate, EC keys only
}

const (
	ktyEC  = "EC"
	ktyOKP = "OKP"
)

// PublicKeyToJWK encodes a raw public key of type t as a JWK.
func PublicKeyToJWK(t KeyType, publicKey []byte) (*JWK, error) {
	enc := base64.RawURLEncoding

	switch t {
	case Ed25519, X25519:
		if len(publicKey) != 32 {
			return nil, fmt.Errorf("%w: %s public key must be 32 bytes", ErrInvalidKey, t)
		}
		return &JWK{Kty: ktyOKP, Crv: string(t), X: enc.EncodeToString(publicKey)}, nil
	case Secp256k1:
		pub, err := ParsePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		x := make([]byte, 32)
		y := make([]byte, 32)
		pub.X().FillBytes(x)
		pub.Y().FillBytes(y)
		return &JWK{Kty: ktyEC, Crv: "secp256k1", X: enc.EncodeToString(x), Y: enc.EncodeToString(y)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
}

// PublicKey decodes the JWK into its key type and raw public key bytes.
// Secp256k1 keys come back compressed.
func (j *JWK) PublicKey() (KeyType, []byte, error) {
	if j == nil {
		return "", nil, fmt.Errorf("%w: empty jwk", ErrInvalidKey)
	}
	enc := base64.RawURLEncoding

	x, err := enc.DecodeString(j.X)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to decode jwk x: %v", ErrInvalidKey, err)
	}

	switch {
	case j.Kty == ktyOKP && (j.Crv == string(Ed25519) || j.Crv == string(X25519)):
		if len(x) != 32 {
			return "", nil, fmt.Errorf("%w: %s jwk x must be 32 bytes", ErrInvalidKey, j.Crv)
		}
		return KeyType(j.Crv), x, nil
	case j.Kty == ktyEC && j.Crv == "secp256k1":
		y, err := enc.DecodeString(j.Y)
		if err != nil {
			return "", nil, fmt.Errorf("%w: failed to decode jwk y: %v", ErrInvalidKey, err)
		}
		if len(x) != 32 || len(y) != 32 {
			return "", nil, fmt.Errorf("%w: secp256k1 jwk coordinates must be 32 bytes", ErrInvalidKey)
		}
		uncompressed := append(append([]byte{0x04}, x...), y...)
		pub, err := ParsePublicKey(uncompressed)
		if err != nil {
			return "", nil, err
		}
		return Secp256k1, pub.SerializeCompressed(), nil
	default:
		return "", nil, fmt.Errorf("%w: kty %q crv %q", ErrUnsupportedKeyType, j.Kty, j.Crv)
	}
}
