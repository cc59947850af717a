package validation

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// VerifyCOSESignature verifies a COSE_Sign1 attestation against the public key
// of its signing certificate. AWS Nitro signs with ES384.
func VerifyCOSESignature(attestation auctionapi.AttestationCOSE, certB64 string) error {
	cert, err := parseCertificateB64(certB64)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}

	parts, err := attestation.SplitSign1()
	if err != nil {
		return err
	}

	ecdsaKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not ECDSA")
	}

	// Sig_structure for COSE_Sign1: ["Signature1", protected, external_aad, payload]
	// Attestation documents use an empty external_aad
	sigStructure, err := cbor.Marshal([]any{"Signature1", parts.Protected, []byte{}, parts.Payload})
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(sigStructure, parts.Signature); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}
