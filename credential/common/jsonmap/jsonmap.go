package jsonmap

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/stablerwa/go-did-sdk/credential/common/dto"
	"github.com/stablerwa/go-did-sdk/credential/common/schema"
	"github.com/stablerwa/go-did-sdk/credential/common/util"
)

// JSONMap represents a JSON object as a map.
type JSONMap map[string]interface{}

// Algorithm names a canonicalization scheme. It is recorded in a proof's
// cryptosuite so verifiers canonicalize the same way.
type Algorithm string

const (
	// AlgorithmJCS is RFC 8785 JSON canonicalization.
	AlgorithmJCS Algorithm = "jcs-2025"
	// AlgorithmRDFC is URDNA2015 RDF dataset canonicalization.
	AlgorithmRDFC Algorithm = "rdfc-2019"
)

// ParseAlgorithm maps a proof cryptosuite to its Algorithm. An empty
// cryptosuite means JCS.
func ParseAlgorithm(suite string) (Algorithm, error) {
	switch Algorithm(suite) {
	case "", AlgorithmJCS:
		return AlgorithmJCS, nil
	case AlgorithmRDFC:
		return AlgorithmRDFC, nil
	}
	return "", fmt.Errorf("unsupported cryptosuite %q", suite)
}

// CanonOpt configures canonicalization.
type CanonOpt func(*canonOptions)

type canonOptions struct {
	algorithm Algorithm
	processor []schema.ProcessorOpt
}

// WithAlgorithm selects the canonicalization algorithm.
func WithAlgorithm(a Algorithm) CanonOpt {
	return func(o *canonOptions) { o.algorithm = a }
}

// WithRDFC selects URDNA2015 canonicalization.
func WithRDFC(opts ...schema.ProcessorOpt) CanonOpt {
	return func(o *canonOptions) {
		o.algorithm = AlgorithmRDFC
		o.processor = opts
	}
}

// Parse decodes a JSON object.
func Parse(data []byte) (JSONMap, error) {
	var m JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON object: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("JSON object is null")
	}
	return m, nil
}

// ToJSON serializes the JSONMap to JSON.
func (m JSONMap) ToJSON() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("JSONMap is nil")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONMap: %w", err)
	}
	return data, nil
}

// Clone deep-copies the map through a JSON round trip, so values come back
// as the generic JSON types.
func (m JSONMap) Clone() (JSONMap, error) {
	data, err := m.ToJSON()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Canonicalize returns the deterministic byte form of the map with the
// proof field excluded. JCS is the default.
func (m JSONMap) Canonicalize(opts ...CanonOpt) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("JSONMap is nil")
	}

	o := &canonOptions{algorithm: AlgorithmJCS}
	for _, opt := range opts {
		opt(o)
	}

	mCopy := make(JSONMap, len(m))
	for k, v := range m {
		if k != "proof" {
			mCopy[k] = v
		}
	}

	encoded, err := json.Marshal(mCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONMap copy: %w", err)
	}

	switch o.algorithm {
	case AlgorithmJCS:
		out, err := jcs.Transform(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize document: %w", err)
		}
		return out, nil
	case AlgorithmRDFC:
		var doc map[string]interface{}
		if err := json.Unmarshal(encoded, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSONMap copy: %w", err)
		}
		return schema.CanonicalizeDocument(doc, o.processor...)
	default:
		return nil, fmt.Errorf("unsupported canonicalization algorithm %q", o.algorithm)
	}
}

// SetProof replaces the proof field.
func (m JSONMap) SetProof(proof dto.Proof) {
	m["proof"] = util.SerializeProof(proof)
}

// Proof returns the parsed proof field.
func (m JSONMap) Proof() (dto.Proof, error) {
	raw, ok := m["proof"]
	if !ok || raw == nil {
		return dto.Proof{}, fmt.Errorf("JSONMap has no proof")
	}
	return util.ParseProof(raw)
}

// String returns the string value of key, or "" if absent or not a string.
func (m JSONMap) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// SigningInput is the byte string a proof signs: the SHA-256 of the JCS
// form of the proof options (proof without signatureValue) followed by the
// SHA-256 of the canonical document.
func (m JSONMap) SigningInput(proof dto.Proof, opts ...CanonOpt) ([]byte, error) {
	proof.SignatureValue = ""

	proofJSON, err := json.Marshal(util.SerializeProof(proof))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proof options: %w", err)
	}
	canonProof, err := jcs.Transform(proofJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize proof options: %w", err)
	}

	canonDoc, err := m.Canonicalize(opts...)
	if err != nil {
		return nil, err
	}

	proofHash := sha256.Sum256(canonProof)
	docHash := sha256.Sum256(canonDoc)
	return append(proofHash[:], docHash[:]...), nil
}
