package did

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
)

// Relationship is a verification relationship name as it appears in JSON.
type Relationship string

const (
	Authentication       Relationship = "authentication"
	AssertionMethod      Relationship = "assertionMethod"
	KeyAgreement         Relationship = "keyAgreement"
	CapabilityInvocation Relationship = "capabilityInvocation"
	CapabilityDelegation Relationship = "capabilityDelegation"
)

// Relationships lists every verification relationship in document order.
var Relationships = []Relationship{
	Authentication,
	AssertionMethod,
	KeyAgreement,
	CapabilityInvocation,
	CapabilityDelegation,
}

// ParseRelationship accepts the JSON name or its snake_case spelling.
func ParseRelationship(s string) (Relationship, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "")
	for _, r := range Relationships {
		if strings.ToLower(string(r)) == norm {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown relationship %q", ErrPurposeNotAllowed, s)
}

// Valid reports whether r is a known relationship.
func (r Relationship) Valid() bool {
	switch r {
	case Authentication, AssertionMethod, KeyAgreement, CapabilityInvocation, CapabilityDelegation:
		return true
	}
	return false
}

// Capability is the key capability a method needs to serve r.
func (r Relationship) Capability() crypto.Capability {
	if r == KeyAgreement {
		return crypto.CapKeyAgreement
	}
	return crypto.CapSign
}

// MethodRef is one relationship entry: a reference to a method in
// verificationMethod, or an embedded method.
type MethodRef struct {
	Ref      string
	Embedded *VerificationMethod
}

// MethodID returns the id the entry points at.
func (m MethodRef) MethodID() string {
	if m.Embedded != nil {
		return m.Embedded.ID
	}
	return m.Ref
}

// MarshalJSON implements json.Marshaler.
func (m MethodRef) MarshalJSON() ([]byte, error) {
	if m.Embedded != nil {
		return json.Marshal(m.Embedded)
	}
	return json.Marshal(m.Ref)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MethodRef) UnmarshalJSON(data []byte) error {
	*m = MethodRef{}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		m.Embedded = &VerificationMethod{}
		return json.Unmarshal(data, m.Embedded)
	}
	return json.Unmarshal(data, &m.Ref)
}
