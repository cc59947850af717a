package validation

import "fmt"

// BaseValidationResult contains the checks common to every attestation.
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

func (r *BaseValidationResult) note(format string, args ...any) {
	r.ValidationDetails = append(r.ValidationDetails, fmt.Sprintf(format, args...))
}

// SettlementValidationResult adds the checks that bind the attestation to one
// expected auction outcome.
type SettlementValidationResult struct {
	BaseValidationResult
	ContractValid    bool
	WinnerValid      bool
	AmountValid      bool
	OutcomeHashValid bool
}

// IsValid returns true if every check passed.
func (r *SettlementValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid &&
		r.ContractValid && r.WinnerValid && r.AmountValid && r.OutcomeHashValid
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash"` // repo commit used to build the enclave image
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}
