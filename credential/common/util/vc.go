package util

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/stablerwa/go-did-sdk/credential/common/dto"
)

// JSONMap represents a JSON object as a map.
type JSONMap = map[string]interface{}

// SerializeTypes converts a slice of type strings to a JSON-LD compatible format.
func SerializeTypes(types []string) interface{} {
	if len(types) == 0 {
		return nil
	}
	if len(types) == 1 {
		return types[0]
	}
	return MapSlice(types, func(t string) interface{} { return t })
}

// ParseTypes reads a "type" value that is either a string or an array of strings.
func ParseTypes(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("type entry %d must be a string, got %T", i, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type field: %T", v)
	}
}

// MapSlice transforms a slice of type T to a slice of type U using a mapping function.
func MapSlice[T any, U any](slice []T, mapFn func(T) U) []U {
	result := make([]U, 0, len(slice))
	for _, v := range slice {
		result = append(result, mapFn(v))
	}
	return result
}

// ShallowCopyObj copies the top level of a JSON object.
func ShallowCopyObj(obj JSONMap) JSONMap {
	if obj == nil {
		return JSONMap{}
	}
	return maps.Clone(obj)
}

// SplitJSONObj separates the named fields from the rest of obj.
func SplitJSONObj(obj JSONMap, names ...string) (picked, rest JSONMap) {
	picked, rest = JSONMap{}, ShallowCopyObj(obj)
	for _, n := range names {
		if v, ok := rest[n]; ok {
			picked[n] = v
			delete(rest, n)
		}
	}
	return picked, rest
}

// SerializeContexts validates and converts a slice of JSON-LD context entries.
func SerializeContexts(contexts []interface{}) ([]interface{}, error) {
	validated := make([]interface{}, 0, len(contexts))
	for i, ctx := range contexts {
		if ctx == nil {
			return nil, fmt.Errorf("failed to validate context: context entry at index %d is nil", i)
		}
		switch v := ctx.(type) {
		case string:
			if v == "" {
				return nil, fmt.Errorf("failed to validate context: context string at index %d is empty", i)
			}
			validated = append(validated, v)
		case JSONMap:
			if _, hasContext := v["@context"]; hasContext {
				return nil, fmt.Errorf("failed to validate context: context object at index %d must not contain nested @context", i)
			}
			for key := range v {
				if key == "" {
					return nil, fmt.Errorf("failed to validate context: context object at index %d has empty key", i)
				}
			}
			validated = append(validated, v)
		default:
			return nil, fmt.Errorf("failed to validate context: invalid context entry at index %d: must be string or map, got %T", i, v)
		}
	}
	return validated, nil
}

// SerializeProof converts a proof into its JSON object form.
func SerializeProof(proof dto.Proof) JSONMap {
	proofMap := JSONMap{
		"type":               proof.Type,
		"created":            proof.Created,
		"verificationMethod": proof.VerificationMethod,
		"proofPurpose":       proof.ProofPurpose,
	}
	if proof.Cryptosuite != "" {
		proofMap["cryptosuite"] = proof.Cryptosuite
	}
	if proof.SignatureValue != "" {
		proofMap["signatureValue"] = proof.SignatureValue
	}
	if proof.Challenge != "" {
		proofMap["challenge"] = proof.Challenge
	}
	if proof.Domain != "" {
		proofMap["domain"] = proof.Domain
	}
	return proofMap
}

// ParseProof converts a proof value into a Proof. The value may be a JSON
// object or a single-element array of one.
func ParseProof(raw interface{}) (dto.Proof, error) {
	if arr, ok := raw.([]interface{}); ok {
		if len(arr) != 1 {
			return dto.Proof{}, fmt.Errorf("failed to parse proof: expected exactly one proof, got %d", len(arr))
		}
		raw = arr[0]
	}

	var proof dto.Proof
	switch v := raw.(type) {
	case JSONMap:
		data, err := json.Marshal(v)
		if err != nil {
			return dto.Proof{}, fmt.Errorf("failed to parse proof: %w", err)
		}
		if err := json.Unmarshal(data, &proof); err != nil {
			return dto.Proof{}, fmt.Errorf("failed to parse proof: %w", err)
		}
	case dto.Proof:
		proof = v
	case *dto.Proof:
		if v == nil {
			return dto.Proof{}, fmt.Errorf("failed to parse proof: proof is nil")
		}
		proof = *v
	default:
		return dto.Proof{}, fmt.Errorf("failed to parse proof: expected object, got %T", raw)
	}

	switch {
	case proof.Type == "":
		return dto.Proof{}, fmt.Errorf("failed to parse proof: invalid or missing type field")
	case proof.Created == "":
		return dto.Proof{}, fmt.Errorf("failed to parse proof: invalid or missing created field")
	case proof.VerificationMethod == "":
		return dto.Proof{}, fmt.Errorf("failed to parse proof: invalid or missing verificationMethod field")
	case proof.ProofPurpose == "":
		return dto.Proof{}, fmt.Errorf("failed to parse proof: invalid or missing proofPurpose field")
	case proof.SignatureValue == "":
		return dto.Proof{}, fmt.Errorf("failed to parse proof: invalid or missing signatureValue field")
	}
	return proof, nil
}
