package did

import (
	"fmt"
	"net/url"
	"strings"
)

// URL is a DID URL: a DID plus optional path, query and fragment.
type URL struct {
	DID      Identifier
	Path     string
	Query    url.Values
	Fragment string
}

// ParseURL parses did:method:id[/path][?query][#fragment].
func ParseURL(s string) (*URL, error) {
	rest, fragment, _ := strings.Cut(s, "#")
	rest, rawQuery, hasQuery := strings.Cut(rest, "?")

	didPart, path := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		didPart, path = rest[:i], rest[i:]
	}

	id, err := Parse(didPart)
	if err != nil {
		return nil, err
	}

	u := &URL{DID: id, Path: path, Fragment: fragment}
	if hasQuery {
		q, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad query: %v", ErrInvalidDIDSyntax, s, err)
		}
		u.Query = q
	}

	return u, nil
}

// String re-serializes the DID URL. Query parameters come out sorted by key.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.DID.String())
	b.WriteString(u.Path)
	if len(u.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(u.Query.Encode())
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// MethodID returns the absolute id of the fragment this URL points at,
// or an empty string when there is no fragment.
func (u *URL) MethodID() string {
	if u.Fragment == "" {
		return ""
	}
	return u.DID.String() + "#" + u.Fragment
}
