package credentialstatus

// Entry is a credential's credentialStatus field.
type Entry struct {
	ID                   string `json:"id,omitempty"`
	Type                 string `json:"type"`
	StatusPurpose        string `json:"statusPurpose,omitempty"`
	StatusListIndex      string `json:"statusListIndex,omitempty"`
	StatusListCredential string `json:"statusListCredential,omitempty"`
}

// StatusListCredentialResponse is the envelope some status list endpoints
// wrap the credential in.
type StatusListCredentialResponse struct {
	Data *StatusListCredential `json:"data"`
}

// StatusListCredential models the status list credential. Only the fields
// the checker needs are typed.
type StatusListCredential struct {
	Context           []interface{}               `json:"@context,omitempty"`
	CredentialSubject StatusListCredentialSubject `json:"credentialSubject"`
	ID                string                      `json:"id,omitempty"`
	Issuer            string                      `json:"issuer,omitempty"`
	Proof             map[string]interface{}      `json:"proof,omitempty"`
	Type              []string                    `json:"type,omitempty"`
	ValidFrom         string                      `json:"validFrom,omitempty"`
	ValidUntil        string                      `json:"validUntil,omitempty"`
}

// StatusListCredentialSubject carries the encoded bitstring.
type StatusListCredentialSubject struct {
	EncodedList   string `json:"encodedList"`
	ID            string `json:"id,omitempty"`
	StatusPurpose string `json:"statusPurpose"`
	Type          string `json:"type,omitempty"`
}
