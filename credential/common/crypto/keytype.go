package crypto

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedKeyType is returned for key types outside the supported set.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	// ErrCapabilityNotSupported is returned when a key type cannot perform an operation.
	ErrCapabilityNotSupported = errors.New("operation not supported by key type")
	// ErrInvalidKey is returned for malformed key material.
	ErrInvalidKey = errors.New("invalid key material")
)

// KeyType is the closed set of key algorithms the SDK understands.
type KeyType string

const (
	Ed25519   KeyType = "Ed25519"
	X25519    KeyType = "X25519"
	Secp256k1 KeyType = "Secp256k1"
)

// Capability is a bit set of operations a key type supports.
type Capability uint8

const (
	CapSign Capability = 1 << iota
	CapKeyAgreement
)

var capabilities = map[KeyType]Capability{
	Ed25519:   CapSign,
	X25519:    CapKeyAgreement,
	Secp256k1: CapSign | CapKeyAgreement,
}

// Valid reports whether t is one of the supported key types.
func (t KeyType) Valid() bool {
	_, ok := capabilities[t]
	return ok
}

// Can reports whether keys of type t support every capability in c.
func (t KeyType) Can(c Capability) bool {
	caps, ok := capabilities[t]
	return ok && caps&c == c
}

func (t KeyType) String() string {
	return string(t)
}

// ParseKeyType parses a key type name, case-insensitively.
func ParseKeyType(s string) (KeyType, error) {
	for t := range capabilities {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKeyType, s)
}
