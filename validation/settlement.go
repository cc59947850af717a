package validation

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
)

// SettlementValidationInput is what a seller or bidder expects a settlement
// to have produced.
type SettlementValidationInput struct {
	// Exactly one of the two attestation encodings must be set.
	AttestationCOSEBase64 auctionapi.AttestationCOSEBase64
	AttestationCOSEGzip   auctionapi.AttestationCOSEGzip

	ContractID string
	Winner     *core.Principal // nil = expect the auction to close without a winner
	Amount     core.Amount     // winning bid; zero when there is no winner

	KnownPCRs []PCRSet
	// Roots overrides the AWS Nitro root CA, for tests and private deployments.
	Roots *x509.CertPool
}

// ValidateSettlementAttestation validates a settlement attestation and checks
// that it attests exactly the expected outcome.
//
// Returns:
//   - SettlementValidationResult with detailed results (call result.IsValid())
//   - error if validation cannot be performed (malformed input)
func ValidateSettlementAttestation(input *SettlementValidationInput) (*SettlementValidationResult, error) {
	attestation, err := input.attestation()
	if err != nil {
		return nil, err
	}

	base, userDataBytes, err := validateCommonAttestation(attestation, input.KnownPCRs, input.Roots)
	if err != nil {
		return nil, err
	}
	result := &SettlementValidationResult{BaseValidationResult: *base}

	var userData auctionapi.SettlementAttestationUserData
	if len(userDataBytes) == 0 {
		result.note("Attestation user data missing")
		return result, nil
	}
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		return nil, fmt.Errorf("parse user data: %w", err)
	}

	result.ContractValid = validateContract(input, &userData, result)
	result.WinnerValid = validateWinner(input, &userData, result)
	result.AmountValid = validateAmount(input, &userData, result)
	result.OutcomeHashValid = validateOutcomeHash(input, &userData, result)
	return result, nil
}

func (in *SettlementValidationInput) attestation() (auctionapi.AttestationCOSE, error) {
	switch {
	case in.AttestationCOSEBase64 != "" && in.AttestationCOSEGzip != "":
		return nil, errors.New("set only one of the base64 and gzip attestations")
	case in.AttestationCOSEBase64 != "":
		cose, err := in.AttestationCOSEBase64.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode attestation: %w", err)
		}
		return cose, nil
	case in.AttestationCOSEGzip != "":
		cose, err := in.AttestationCOSEGzip.Decompress()
		if err != nil {
			return nil, fmt.Errorf("decompress attestation: %w", err)
		}
		return cose, nil
	default:
		return nil, errors.New("no attestation provided")
	}
}

func validateContract(in *SettlementValidationInput, ud *auctionapi.SettlementAttestationUserData, result *SettlementValidationResult) bool {
	if ud.ContractID == in.ContractID {
		result.note("Contract validation passed: %s", in.ContractID)
		return true
	}
	result.note("Contract mismatch: expected %s, attestation has %s", in.ContractID, ud.ContractID)
	return false
}

func validateWinner(in *SettlementValidationInput, ud *auctionapi.SettlementAttestationUserData, result *SettlementValidationResult) bool {
	switch {
	case in.Winner == nil && ud.Winner == nil:
		result.note("Winner validation passed: no winner expected and none attested")
		return true
	case in.Winner == nil:
		result.note("Winner mismatch: expected no winner, attestation has %s", *ud.Winner)
		return false
	case ud.Winner == nil:
		result.note("Winner mismatch: expected %s, attestation has no winner", *in.Winner)
		return false
	case string(*in.Winner) == *ud.Winner:
		result.note("Winner validation passed: %s", *ud.Winner)
		return true
	default:
		result.note("Winner mismatch: expected %s, attestation has %s", *in.Winner, *ud.Winner)
		return false
	}
}

func validateAmount(in *SettlementValidationInput, ud *auctionapi.SettlementAttestationUserData, result *SettlementValidationResult) bool {
	attested, err := core.ParseAmount(ud.Amount)
	if err != nil {
		result.note("Attested amount %q is invalid: %v", ud.Amount, err)
		return false
	}
	if attested.Equal(in.Amount) {
		result.note("Amount validation passed: %s", attested)
		return true
	}
	result.note("Amount mismatch: expected %s, attestation has %s", in.Amount, attested)
	return false
}

// validateOutcomeHash recomputes the hash from the expected outcome and the
// attested nonce.
func validateOutcomeHash(in *SettlementValidationInput, ud *auctionapi.SettlementAttestationUserData, result *SettlementValidationResult) bool {
	if ud.OutcomeNonce == "" {
		result.note("Outcome nonce missing from attestation")
		return false
	}
	expected := core.SettlementOutcome{
		Winner:    in.Winner,
		Amount:    in.Amount,
		SettledAt: core.Timestamp(ud.SettledAt),
	}
	computed := core.ComputeOutcomeHash(in.ContractID, expected, ud.OutcomeNonce)
	if strings.EqualFold(computed, ud.OutcomeHash) {
		result.note("Outcome hash validation passed: %s", computed)
		return true
	}
	result.note("Outcome hash mismatch: computed %s, attestation has %s", computed, ud.OutcomeHash)
	return false
}
