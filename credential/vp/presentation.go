package vp

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/stablerwa/go-did-sdk/credential/common/dto"
	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/util"
	"github.com/stablerwa/go-did-sdk/credential/vc"
)

// TypeVerifiablePresentation must appear in every presentation's type list.
const TypeVerifiablePresentation = "VerifiablePresentation"

// PresentationContents represents the structured contents of a Presentation.
type PresentationContents struct {
	Context               []interface{}
	ID                    string
	Types                 []string
	Holder                string
	VerifiableCredentials []*vc.Credential
}

// Presentation is a verifiable presentation held as its JSON object.
type Presentation struct {
	data jsonmap.JSONMap
}

// NewPresentation serializes contents into an unsigned presentation.
func NewPresentation(contents PresentationContents) (*Presentation, error) {
	m := make(jsonmap.JSONMap)
	if len(contents.Context) > 0 {
		ctx, err := util.SerializeContexts(contents.Context)
		if err != nil {
			return nil, fmt.Errorf("invalid @context: %w", err)
		}
		m["@context"] = ctx
	}
	if contents.ID != "" {
		m["id"] = contents.ID
	}
	if len(contents.Types) > 0 {
		m["type"] = contents.Types
	}
	if contents.Holder != "" {
		m["holder"] = contents.Holder
	}
	if len(contents.VerifiableCredentials) > 0 {
		creds := make([]interface{}, 0, len(contents.VerifiableCredentials))
		for i, c := range contents.VerifiableCredentials {
			if c == nil {
				return nil, fmt.Errorf("credential %d is nil", i)
			}
			data, err := c.Data()
			if err != nil {
				return nil, fmt.Errorf("failed to serialize credential %d: %w", i, err)
			}
			creds = append(creds, map[string]interface{}(data))
		}
		m["verifiableCredential"] = creds
	}

	normalized, err := m.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize presentation contents: %w", err)
	}
	return &Presentation{data: normalized}, nil
}

// ParsePresentation parses a JSON presentation.
func ParsePresentation(raw []byte) (*Presentation, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("presentation is empty")
	}

	m, err := jsonmap.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal presentation: %w", err)
	}

	p := &Presentation{data: m}
	contents, err := p.Contents()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(contents.Types, TypeVerifiablePresentation) {
		return nil, fmt.Errorf("presentation type must include %s", TypeVerifiablePresentation)
	}
	return p, nil
}

// Contents parses the structured fields of the presentation, including
// the embedded credentials.
func (p *Presentation) Contents() (*PresentationContents, error) {
	contents := &PresentationContents{}

	switch ctx := p.data["@context"].(type) {
	case nil:
	case string:
		contents.Context = []interface{}{ctx}
	case []interface{}:
		contents.Context = ctx
	default:
		return nil, fmt.Errorf("unsupported @context field: %T", ctx)
	}

	contents.ID = p.data.String("id")
	types, err := util.ParseTypes(p.data["type"])
	if err != nil {
		return nil, err
	}
	contents.Types = types

	switch holder := p.data["holder"].(type) {
	case nil:
	case string:
		contents.Holder = holder
	default:
		return nil, fmt.Errorf("holder must be a string, got %T", holder)
	}

	raw := p.data["verifiableCredential"]
	if raw == nil {
		return contents, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		list = []interface{}{raw}
	}
	for i, entry := range list {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("verifiableCredential %d must be an object, got %T", i, entry)
		}
		data, err := jsonmap.JSONMap(obj).ToJSON()
		if err != nil {
			return nil, err
		}
		cred, err := vc.ParseCredential(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse verifiableCredential %d: %w", i, err)
		}
		contents.VerifiableCredentials = append(contents.VerifiableCredentials, cred)
	}
	return contents, nil
}

// Holder returns the holder identifier string.
func (p *Presentation) Holder() string {
	return p.data.String("holder")
}

// Proof returns the holder proof.
func (p *Presentation) Proof() (dto.Proof, error) {
	return p.data.Proof()
}

// ToJSON serializes the presentation.
func (p *Presentation) ToJSON() ([]byte, error) {
	return p.data.ToJSON()
}

func (p *Presentation) MarshalJSON() ([]byte, error) {
	return p.data.ToJSON()
}

func (p *Presentation) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePresentation(data)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}
