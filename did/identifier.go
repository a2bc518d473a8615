package did

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const (
	// Scheme is the URI scheme of every decentralized identifier.
	Scheme = "did"
	// MethodRWA is the platform's own DID method.
	MethodRWA = "rwa"
)

var (
	methodPattern = regexp.MustCompile(`^[a-z0-9]+$`)

	// W3C generic syntax: *( *idchar ":" ) 1*idchar, idchar includes pct-encoded.
	specificIDPattern = regexp.MustCompile(`^(?:(?:[a-zA-Z0-9._-]|%[0-9A-Fa-f]{2})*:)*(?:[a-zA-Z0-9._-]|%[0-9A-Fa-f]{2})+$`)

	syntaxMu     sync.RWMutex
	methodSyntax = map[string]*regexp.Regexp{
		MethodRWA: regexp.MustCompile(`^[a-z0-9]+$`),
	}
)

// RegisterMethodSyntax sets the method-specific-id grammar for a method.
// The generic W3C grammar is still applied first.
func RegisterMethodSyntax(method string, pattern *regexp.Regexp) {
	syntaxMu.Lock()
	defer syntaxMu.Unlock()

	methodSyntax[method] = pattern
}

// ValidMethod reports whether name matches the DID method-name grammar.
func ValidMethod(name string) bool {
	return methodPattern.MatchString(name)
}

// Identifier is a parsed decentralized identifier. The zero value is not a valid DID.
type Identifier struct {
	Method           string
	MethodSpecificID string
}

// New builds an Identifier from its parts and validates it.
func New(method, specificID string) (Identifier, error) {
	id := Identifier{Method: method, MethodSpecificID: specificID}
	if err := id.validate(); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse parses the string according to the generic DID syntax,
// did:<method>:<method-specific-id>, then the method's own grammar if one is registered.
func Parse(s string) (Identifier, error) {
	rest, ok := strings.CutPrefix(s, Scheme+":")
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q: missing %q scheme", ErrInvalidDIDSyntax, s, Scheme)
	}

	method, specificID, ok := strings.Cut(rest, ":")
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q: missing method-specific id", ErrInvalidDIDSyntax, s)
	}

	return New(method, specificID)
}

func (i Identifier) validate() error {
	if i.Method == "" || i.MethodSpecificID == "" {
		return fmt.Errorf("%w: %q: empty segment", ErrInvalidDIDSyntax, i.String())
	}
	if !methodPattern.MatchString(i.Method) {
		return fmt.Errorf("%w: %q: method must match [a-z0-9]+", ErrInvalidDIDSyntax, i.String())
	}
	if !specificIDPattern.MatchString(i.MethodSpecificID) {
		return fmt.Errorf("%w: %q: illegal character in method-specific id", ErrInvalidDIDSyntax, i.String())
	}

	syntaxMu.RLock()
	pattern, ok := methodSyntax[i.Method]
	syntaxMu.RUnlock()
	if ok && !pattern.MatchString(i.MethodSpecificID) {
		return fmt.Errorf("%w: %q: method-specific id not valid for method %q", ErrInvalidDIDSyntax, i.String(), i.Method)
	}

	return nil
}

// String returns did:method:method-specific-id.
func (i Identifier) String() string {
	return Scheme + ":" + i.Method + ":" + i.MethodSpecificID
}

// IsZero reports whether i is the zero Identifier.
func (i Identifier) IsZero() bool {
	return i == Identifier{}
}

// MarshalText implements encoding.TextMarshaler.
func (i Identifier) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return []byte{}, nil
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identifier) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Identifier{}
		return nil
	}
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = id
	return nil
}
