package dto

// Proof is the embedded data integrity proof of a credential or presentation.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	Cryptosuite        string `json:"cryptosuite,omitempty"`
	SignatureValue     string `json:"signatureValue,omitempty"`
	Challenge          string `json:"challenge,omitempty"`
	Domain             string `json:"domain,omitempty"`
}
