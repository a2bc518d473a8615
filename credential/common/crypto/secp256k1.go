package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyToBytes converts a hex string with prefix 0x to a byte array.
func KeyToBytes(key string) ([]byte, error) {
	if !strings.HasPrefix(key, "0x") {
		return nil, errors.New("key is not in hex format")
	}

	return hex.DecodeString(key[2:])
}

func generateSecp256k1() ([]byte, []byte, error) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	return crypto.CompressPubkey(&privKey.PublicKey), crypto.FromECDSA(privKey), nil
}

func publicSecp256k1(privateKey []byte) ([]byte, error) {
	privKey, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	return crypto.CompressPubkey(&privKey.PublicKey), nil
}

// SignMessage signs the sha256 digest of message with a secp256k1 private key.
// The result is 65 bytes: R || S || V.
func SignMessage(privateKey, message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)

	privKey, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(hash[:], privKey)
	if err != nil {
		return nil, fmt.Errorf("secp256k1: sign error: %w", err)
	}

	return signature, nil
}

// ParsePrivateKey parses a private key of type secp256k1 from bytes
// The length of the private key is 32 bytes.
func ParsePrivateKey(privateKeyBytes []byte) (*ecdsa.PrivateKey, error) {
	if len(privateKeyBytes) != 32 {
		return nil, fmt.Errorf("%w: secp256k1 private key must be 32 bytes", ErrInvalidKey)
	}

	privKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return privKey, nil
}

// ParsePublicKey parses a compressed (33 bytes) or uncompressed (65 bytes)
// secp256k1 public key.
func ParsePublicKey(publicKey []byte) (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse secp256k1 public key: %v", ErrInvalidKey, err)
	}

	return pub, nil
}

// VerifySignature verifies a signature of type secp256k1.
// The public key may be compressed or uncompressed. A 65-byte signature is
// checked by recovering the signer key, a 64-byte one by plain ECDSA.
func VerifySignature(publicKey, message, signature []byte) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	compressed := pub.SerializeCompressed()

	if len(signature) != 65 {
		return verifySignatureWithoutV(compressed, message, signature)
	}
	// Only recovery ids 0 and 1 are produced by SignMessage.
	if signature[64] > 1 {
		return false
	}

	// Create hash of the message (same as in SignMessage)
	hash := sha256.Sum256(message)

	// Recover the public key from the signature
	recoveredPubKey, err := crypto.Ecrecover(hash[:], signature)
	if err != nil {
		return false
	}

	recoveredPubKeyObj, err := crypto.UnmarshalPubkey(recoveredPubKey)
	if err != nil {
		return false
	}

	return bytes.Equal(crypto.CompressPubkey(recoveredPubKeyObj), compressed)
}

func verifySignatureWithoutV(publicKey, message, signature []byte) bool {
	if len(signature) != 64 {
		return false
	}

	hash := sha256.Sum256(message)

	return crypto.VerifySignature(publicKey, hash[:], signature)
}

func sharedSecretSecp256k1(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != 32 {
		return nil, fmt.Errorf("%w: secp256k1 private key must be 32 bytes", ErrInvalidKey)
	}

	peer, err := secp256k1.ParsePubKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse peer public key: %v", ErrInvalidKey, err)
	}

	priv := secp256k1.PrivKeyFromBytes(privateKey)
	defer priv.Zero()

	return secp256k1.GenerateSharedSecret(priv, peer), nil
}
