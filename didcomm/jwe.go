package didcomm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Header values of an authcrypt message.
//
// AlgStaticHKDF is a private alg name. The content key comes straight from a
// static-static key agreement through HKDF-SHA256; there is no ephemeral key
// and no Concat KDF, so the messages are not ECDH-1PU or ECDH-ES JWEs.
const (
	MediaType     = "application/didcomm-encrypted+json"
	AlgStaticHKDF = "rwa:ECDH-SS+HKDF-SHA256"
	EncA256GCM    = "A256GCM"
)

// Header is the protected header. Skid and Kid are the absolute ids of the
// sender and recipient key agreement methods.
type Header struct {
	Typ  string `json:"typ"`
	Alg  string `json:"alg"`
	Enc  string `json:"enc"`
	Crv  string `json:"crv"`
	Skid string `json:"skid"`
	Kid  string `json:"kid"`
}

// JWE is a flattened JSON serialization of an encrypted message.
type JWE struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

func base64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// newJWE encodes the header and iv. The protected header is additional
// data for the cipher, so it is fixed before sealing.
func newJWE(h Header, iv []byte) (*JWE, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return &JWE{Protected: base64url(raw), IV: base64url(iv)}, nil
}

// seal stores ciphertext || tag as produced by an AEAD.
func (j *JWE) seal(sealed []byte, tagSize int) {
	split := len(sealed) - tagSize
	j.Ciphertext = base64url(sealed[:split])
	j.Tag = base64url(sealed[split:])
}

// ParseJWE decodes a JSON-serialized message.
func ParseJWE(data []byte) (*JWE, error) {
	var j JWE
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.Protected == "" || j.IV == "" || j.Tag == "" {
		return nil, fmt.Errorf("%w: protected, iv and tag are required", ErrMalformed)
	}
	return &j, nil
}

// Header decodes the protected header.
func (j *JWE) Header() (Header, error) {
	var h Header
	raw, err := base64.RawURLEncoding.DecodeString(j.Protected)
	if err != nil {
		return h, fmt.Errorf("%w: protected header: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: protected header: %v", ErrMalformed, err)
	}
	if h.Alg != AlgStaticHKDF || h.Enc != EncA256GCM {
		return h, fmt.Errorf("%w: unsupported alg %q enc %q", ErrMalformed, h.Alg, h.Enc)
	}
	if h.Skid == "" || h.Kid == "" {
		return h, fmt.Errorf("%w: skid and kid are required", ErrMalformed)
	}
	return h, nil
}

// sealed returns iv and ciphertext || tag.
func (j *JWE) sealed() ([]byte, []byte, error) {
	iv, err := base64.RawURLEncoding.DecodeString(j.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(j.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	tag, err := base64.RawURLEncoding.DecodeString(j.Tag)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tag: %v", ErrMalformed, err)
	}
	return iv, append(ct, tag...), nil
}

// JSON encodes the message.
func (j *JWE) JSON() ([]byte, error) {
	return json.Marshal(j)
}
