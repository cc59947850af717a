package validation

import (
	"crypto/x509"
	"fmt"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// validateCommonAttestation checks PCRs, the certificate chain and the COSE
// signature. It only fails outright when the document cannot be parsed.
func validateCommonAttestation(attestation auctionapi.AttestationCOSE, knownPCRs []PCRSet, roots *x509.CertPool) (*BaseValidationResult, []byte, error) {
	doc, userData, err := attestation.ParseAttestationDoc()
	if err != nil {
		return nil, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	result := &BaseValidationResult{ValidationDetails: []string{}}

	if matched := ValidatePCRs(doc.PCRs, knownPCRs); matched < 0 {
		result.note("PCR0: %s (no match)", doc.PCRs.ImageFileHash)
		result.note("PCR1: %s (no match)", doc.PCRs.KernelHash)
		result.note("PCR2: %s (no match)", doc.PCRs.ApplicationHash)
	} else {
		result.PCRsValid = true
		result.note("PCR measurements valid")
		result.note("Matched PCR set: #%d (commit: %s)", matched, knownPCRs[matched].CommitHash)
	}

	switch {
	case doc.Certificate == "":
		result.note("Missing certificate")
	case len(doc.CABundle) == 0:
		result.note("Missing CA bundle")
	default:
		if err := ValidateCertificateChain(doc.Certificate, doc.CABundle, doc.Timestamp, roots); err != nil {
			result.note("Certificate chain validation failed: %v", err)
		} else {
			result.CertificateValid = true
			result.note("Certificate chain verified")
		}
	}

	if err := VerifyCOSESignature(attestation, doc.Certificate); err != nil {
		result.note("COSE signature verification failed: %v", err)
	} else {
		result.SignatureValid = true
		result.note("COSE signature verified")
	}

	return result, userData, nil
}
