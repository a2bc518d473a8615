package vc

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	credentialstatus "github.com/stablerwa/go-did-sdk/credential/common/credential-status"
	"github.com/stablerwa/go-did-sdk/credential/common/dto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
)

const (
	// ContextV1 is the base JSON-LD context of a verifiable credential.
	ContextV1 = "https://www.w3.org/2018/credentials/v1"
	// TypeVerifiableCredential must appear in every credential's type list.
	TypeVerifiableCredential = "VerifiableCredential"
	// ProofType is the proof type attached by the Engine.
	ProofType = "DataIntegrityProof"
)

// Status is a credentialStatus entry.
type Status = credentialstatus.Entry

// Subject represents the credentialSubject field.
type Subject struct {
	ID           string                 // Subject identifier
	CustomFields map[string]interface{} // Claims about the subject
}

// Schema represents a credential schema with an ID and type.
type Schema struct {
	ID   string // Schema identifier
	Type string // Schema type
}

// CredentialContents represents the structured contents of a Credential.
type CredentialContents struct {
	Context          []interface{} // JSON-LD contexts
	ID               string        // Credential identifier
	Types            []string      // Credential types
	Issuer           string        // Issuer identifier
	IssuanceDate     time.Time     // Issuance date
	ExpirationDate   time.Time     // Expiration date, zero if none
	CredentialStatus []Status      // Credential status entries
	Subject          []Subject     // Credential subjects
	Schemas          []Schema      // Credential schemas
}

// Credential is a verifiable credential held as its JSON object, so that
// verification canonicalizes exactly what the issuer signed.
type Credential struct {
	data jsonmap.JSONMap
}

// NewCredential serializes contents into an unsigned credential.
func NewCredential(contents CredentialContents) (*Credential, error) {
	m, err := serializeCredentialContents(&contents)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential contents: %w", err)
	}
	return &Credential{data: m}, nil
}

// ParseCredential parses a JSON credential.
func ParseCredential(raw []byte) (*Credential, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("JSON string is empty")
	}

	m, err := jsonmap.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	c := &Credential{data: m}
	contents, err := c.Contents()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(contents.Types, TypeVerifiableCredential) {
		return nil, fmt.Errorf("credential type must include %s", TypeVerifiableCredential)
	}
	if contents.Issuer == "" {
		return nil, fmt.Errorf("credential issuer is required")
	}
	return c, nil
}

// Contents parses the structured fields of the credential.
func (c *Credential) Contents() (*CredentialContents, error) {
	return parseCredentialContents(c.data)
}

// Proof returns the attached proof.
func (c *Credential) Proof() (dto.Proof, error) {
	return c.data.Proof()
}

// Issuer returns the issuer identifier string.
func (c *Credential) Issuer() string {
	contents := &CredentialContents{}
	_ = parseIssuer(c.data, contents)
	return contents.Issuer
}

// ID returns the credential id.
func (c *Credential) ID() string {
	return c.data.String("id")
}

// Data returns a deep copy of the credential JSON object.
func (c *Credential) Data() (jsonmap.JSONMap, error) {
	return c.data.Clone()
}

// ToJSON serializes the credential.
func (c *Credential) ToJSON() ([]byte, error) {
	return c.data.ToJSON()
}

func (c *Credential) MarshalJSON() ([]byte, error) {
	return c.data.ToJSON()
}

func (c *Credential) UnmarshalJSON(data []byte) error {
	parsed, err := ParseCredential(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}
