package did

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Service is a service endpoint entry of a DID document.
type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	ServiceEndpoint Endpoint `json:"serviceEndpoint"`
}

// Endpoint is a single URI, an ordered list of URIs or a map. Exactly one
// form is set.
type Endpoint struct {
	URI  string
	URIs []string
	Map  map[string]any
}

// URIEndpoint returns an Endpoint holding a single URI.
func URIEndpoint(uri string) Endpoint {
	return Endpoint{URI: uri}
}

// MarshalJSON implements json.Marshaler.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	switch {
	case e.Map != nil:
		return json.Marshal(e.Map)
	case e.URIs != nil:
		return json.Marshal(e.URIs)
	default:
		return json.Marshal(e.URI)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	*e = Endpoint{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty service endpoint", ErrInvalidDocument)
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &e.URI)
	case '[':
		if err := json.Unmarshal(data, &e.URIs); err != nil {
			return fmt.Errorf("%w: service endpoint list must hold URIs: %v", ErrInvalidDocument, err)
		}
		if e.URIs == nil {
			e.URIs = []string{}
		}
		return nil
	case '{':
		return json.Unmarshal(data, &e.Map)
	default:
		return fmt.Errorf("%w: service endpoint must be a string, list or map", ErrInvalidDocument)
	}
}

func (e Endpoint) validate() error {
	switch {
	case e.Map != nil:
		if len(e.Map) == 0 {
			return fmt.Errorf("%w: empty service endpoint map", ErrInvalidDocument)
		}
		return nil
	case e.URIs != nil:
		if len(e.URIs) == 0 {
			return fmt.Errorf("%w: empty service endpoint list", ErrInvalidDocument)
		}
		for _, u := range e.URIs {
			if err := validateURI(u); err != nil {
				return err
			}
		}
		return nil
	default:
		return validateURI(e.URI)
	}
}

func validateURI(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: service endpoint %q is not an absolute URI", ErrInvalidDocument, s)
	}
	return nil
}

func (e Endpoint) clone() Endpoint {
	c := Endpoint{URI: e.URI}
	if e.URIs != nil {
		c.URIs = append([]string{}, e.URIs...)
	}
	if e.Map != nil {
		c.Map = copyJSONValue(e.Map).(map[string]any)
	}
	return c
}

func copyJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyJSONValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyJSONValue(val)
		}
		return s
	default:
		return v
	}
}

func (s *Service) validate(owner Identifier) error {
	didPart, frag, ok := strings.Cut(s.ID, "#")
	if !ok || frag == "" || didPart != owner.String() {
		return fmt.Errorf("%w: service id %q does not belong to %s", ErrInvalidDocument, s.ID, owner)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: service %q has no type", ErrInvalidDocument, s.ID)
	}
	return s.ServiceEndpoint.validate()
}
