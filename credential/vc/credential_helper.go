package vc

import (
	"fmt"
	"time"

	"github.com/stablerwa/go-did-sdk/credential/common/jsonmap"
	"github.com/stablerwa/go-did-sdk/credential/common/util"
)

// serializeCredentialContents serializes CredentialContents into a JSON object.
func serializeCredentialContents(vcc *CredentialContents) (jsonmap.JSONMap, error) {
	if vcc == nil {
		return nil, fmt.Errorf("credential contents is nil")
	}

	vcJSON := make(jsonmap.JSONMap)
	if len(vcc.Context) > 0 {
		validatedContext, err := util.SerializeContexts(vcc.Context)
		if err != nil {
			return nil, fmt.Errorf("invalid @context: %w", err)
		}
		vcJSON["@context"] = validatedContext
	}
	if vcc.ID != "" {
		vcJSON["id"] = vcc.ID
	}
	if len(vcc.Types) > 0 {
		vcJSON["type"] = vcc.Types
	}
	if len(vcc.Subject) > 0 {
		vcJSON["credentialSubject"] = serializeSubjects(vcc.Subject)
	}
	if vcc.Issuer != "" {
		vcJSON["issuer"] = vcc.Issuer
	}
	if len(vcc.Schemas) > 0 {
		vcJSON["credentialSchema"] = serializeSchemas(vcc.Schemas)
	}
	if len(vcc.CredentialStatus) > 0 {
		vcJSON["credentialStatus"] = serializeStatuses(vcc.CredentialStatus)
	}
	if !vcc.IssuanceDate.IsZero() {
		vcJSON["issuanceDate"] = vcc.IssuanceDate.UTC().Format(time.RFC3339)
	}
	if !vcc.ExpirationDate.IsZero() {
		vcJSON["expirationDate"] = vcc.ExpirationDate.UTC().Format(time.RFC3339)
	}

	// Normalize to generic JSON values so the in-memory form canonicalizes
	// exactly like a parsed copy.
	return vcJSON.Clone()
}

// serializeSubjects converts a slice of Subject structs to a JSON-LD compatible format.
func serializeSubjects(subjects []Subject) interface{} {
	if len(subjects) == 1 {
		return serializeSubject(subjects[0])
	}
	return util.MapSlice(subjects, serializeSubject)
}

// serializeSubject converts a single Subject struct to a JSON object.
func serializeSubject(subject Subject) map[string]interface{} {
	jsonObj := util.ShallowCopyObj(subject.CustomFields)
	if subject.ID != "" {
		jsonObj["id"] = subject.ID
	}
	return jsonObj
}

func serializeSchemas(schemas []Schema) interface{} {
	if len(schemas) == 1 {
		return serializeSchema(schemas[0])
	}
	return util.MapSlice(schemas, serializeSchema)
}

func serializeSchema(schema Schema) map[string]interface{} {
	return map[string]interface{}{
		"id":   schema.ID,
		"type": schema.Type,
	}
}

func serializeStatuses(statuses []Status) interface{} {
	if len(statuses) == 1 {
		return serializeStatus(statuses[0])
	}
	return util.MapSlice(statuses, serializeStatus)
}

func serializeStatus(status Status) map[string]interface{} {
	result := make(map[string]interface{})
	if status.ID != "" {
		result["id"] = status.ID
	}
	if status.Type != "" {
		result["type"] = status.Type
	}
	if status.StatusPurpose != "" {
		result["statusPurpose"] = status.StatusPurpose
	}
	if status.StatusListIndex != "" {
		result["statusListIndex"] = status.StatusListIndex
	}
	if status.StatusListCredential != "" {
		result["statusListCredential"] = status.StatusListCredential
	}
	return result
}

// parseCredentialContents parses the structured fields of a credential.
func parseCredentialContents(c jsonmap.JSONMap) (*CredentialContents, error) {
	contents := &CredentialContents{}
	parsers := []func(jsonmap.JSONMap, *CredentialContents) error{
		parseContext,
		parseID,
		parseTypes,
		parseIssuer,
		parseDates,
		parseSubject,
		parseSchema,
		parseStatus,
	}
	for _, parse := range parsers {
		if err := parse(c, contents); err != nil {
			return nil, err
		}
	}
	return contents, nil
}

// parseContext extracts the @context field from a Credential.
func parseContext(c jsonmap.JSONMap, contents *CredentialContents) error {
	switch context := c["@context"].(type) {
	case nil:
	case string:
		contents.Context = append(contents.Context, context)
	case []interface{}:
		for _, ctx := range context {
			switch v := ctx.(type) {
			case string, map[string]interface{}:
				contents.Context = append(contents.Context, v)
			default:
				return fmt.Errorf("unsupported context type: %T", v)
			}
		}
	default:
		return fmt.Errorf("unsupported @context field: %T", context)
	}
	return nil
}

// parseID extracts the ID field from a Credential.
func parseID(c jsonmap.JSONMap, contents *CredentialContents) error {
	id, err := parseStringField(c, "id")
	if err != nil {
		return err
	}
	contents.ID = id
	return nil
}

// parseTypes extracts the type field from a Credential.
func parseTypes(c jsonmap.JSONMap, contents *CredentialContents) error {
	types, err := util.ParseTypes(c["type"])
	if err != nil {
		return err
	}
	contents.Types = types
	return nil
}

// parseIssuer extracts the issuer field, which is either a string or an
// object with an id.
func parseIssuer(c jsonmap.JSONMap, contents *CredentialContents) error {
	switch issuer := c["issuer"].(type) {
	case nil:
	case string:
		contents.Issuer = issuer
	case map[string]interface{}:
		id, err := parseStringField(issuer, "id")
		if err != nil {
			return fmt.Errorf("failed to parse issuer: %w", err)
		}
		contents.Issuer = id
	default:
		return fmt.Errorf("unsupported issuer field: %T", issuer)
	}
	return nil
}

// parseDates extracts issuance and expiration dates. The validFrom and
// validUntil names are accepted as well.
func parseDates(c jsonmap.JSONMap, contents *CredentialContents) error {
	var err error
	if contents.IssuanceDate, err = parseDateField(c, "issuanceDate", "validFrom"); err != nil {
		return err
	}
	if contents.ExpirationDate, err = parseDateField(c, "expirationDate", "validUntil"); err != nil {
		return err
	}
	return nil
}

func parseDateField(c jsonmap.JSONMap, names ...string) (time.Time, error) {
	for _, name := range names {
		raw, ok := c[name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("field %q must be a string, got %T", name, raw)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return t, nil
	}
	return time.Time{}, nil
}

// parseSubject extracts the credentialSubject field from a Credential.
func parseSubject(c jsonmap.JSONMap, contents *CredentialContents) error {
	switch subject := c["credentialSubject"].(type) {
	case nil:
	case string:
		contents.Subject = []Subject{{ID: subject}}
	case map[string]interface{}:
		parsed, err := SubjectFromJSON(subject)
		if err != nil {
			return fmt.Errorf("failed to parse subject: %w", err)
		}
		contents.Subject = []Subject{parsed}
	case []interface{}:
		subjects := make([]Subject, 0, len(subject))
		for _, raw := range subject {
			sub, ok := raw.(map[string]interface{})
			if !ok {
				return fmt.Errorf("unsupported subject format: %T", raw)
			}
			parsed, err := SubjectFromJSON(sub)
			if err != nil {
				return fmt.Errorf("failed to parse subjects array: %w", err)
			}
			subjects = append(subjects, parsed)
		}
		contents.Subject = subjects
	default:
		return fmt.Errorf("unsupported subject format: %T", subject)
	}
	return nil
}

// SubjectFromJSON creates a credential subject from a JSON object.
func SubjectFromJSON(subjectObj map[string]interface{}) (Subject, error) {
	flds, rest := util.SplitJSONObj(subjectObj, "id")
	id, err := parseStringField(flds, "id")
	if err != nil {
		return Subject{}, fmt.Errorf("failed to parse subject id: %w", err)
	}
	return Subject{ID: id, CustomFields: rest}, nil
}

// parseSchema extracts the credentialSchema field from a Credential.
func parseSchema(c jsonmap.JSONMap, contents *CredentialContents) error {
	switch schema := c["credentialSchema"].(type) {
	case nil:
	case map[string]interface{}, string:
		parsed, err := parseSchemaID(schema)
		if err != nil {
			return fmt.Errorf("failed to parse schema: %w", err)
		}
		contents.Schemas = append(contents.Schemas, parsed)
	case []interface{}:
		for _, raw := range schema {
			parsed, err := parseSchemaID(raw)
			if err != nil {
				return fmt.Errorf("failed to parse schema: %w", err)
			}
			contents.Schemas = append(contents.Schemas, parsed)
		}
	default:
		return fmt.Errorf("unsupported schema format: %T", schema)
	}
	return nil
}

// parseSchemaID parses a Schema from a value.
func parseSchemaID(value interface{}) (Schema, error) {
	var schema Schema
	switch v := value.(type) {
	case string:
		schema.ID = v
	case map[string]interface{}:
		schema.ID, _ = v["id"].(string)
		schema.Type, _ = v["type"].(string)
	default:
		return schema, fmt.Errorf("invalid schema format: %T", v)
	}
	if schema.ID == "" {
		return schema, fmt.Errorf("credentialSchema.id must be a non-empty string")
	}
	return schema, nil
}

// parseStatus extracts the credentialStatus field from a Credential.
func parseStatus(c jsonmap.JSONMap, contents *CredentialContents) error {
	switch status := c["credentialStatus"].(type) {
	case nil:
	case map[string]interface{}:
		contents.CredentialStatus = append(contents.CredentialStatus, parseStatusEntry(status))
	case []interface{}:
		for _, raw := range status {
			statusMap, ok := raw.(map[string]interface{})
			if !ok {
				return fmt.Errorf("unsupported status format: %T", raw)
			}
			contents.CredentialStatus = append(contents.CredentialStatus, parseStatusEntry(statusMap))
		}
	default:
		return fmt.Errorf("unsupported status format: %T", status)
	}
	return nil
}

// parseStatusEntry parses a single status entry from a JSON object. A
// numeric statusListIndex is accepted.
func parseStatusEntry(status map[string]interface{}) Status {
	s := Status{}
	s.ID, _ = status["id"].(string)
	s.Type, _ = status["type"].(string)
	s.StatusPurpose, _ = status["statusPurpose"].(string)
	s.StatusListCredential, _ = status["statusListCredential"].(string)
	switch idx := status["statusListIndex"].(type) {
	case string:
		s.StatusListIndex = idx
	case float64:
		s.StatusListIndex = fmt.Sprintf("%d", int64(idx))
	}
	return s
}

// parseStringField extracts a string field from a JSON object.
func parseStringField(obj map[string]interface{}, fieldName string) (string, error) {
	if value, ok := obj[fieldName]; ok {
		if str, ok := value.(string); ok {
			return str, nil
		}
		return "", fmt.Errorf("field %q must be a string, got %T", fieldName, value)
	}
	return "", nil
}
