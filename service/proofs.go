package service

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
)

// EnclaveAttester produces Nitro attestation documents. The NSM handle from
// enclave.GetOrInitializeHandle satisfies it.
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// generateNonce returns 256 bits of crypto/rand entropy, hex encoded.
// Inside an enclave the kernel pool is seeded by the NSM.
func generateNonce() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// GenerateSettlementAttestation binds a committed settlement outcome to the
// enclave measurements.
func GenerateSettlementAttestation(attester EnclaveAttester, contractID string, outcome core.SettlementOutcome, logger *slog.Logger) (auctionapi.AttestationCOSE, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	outcomeNonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate outcome nonce: %w", err)
	}

	userData := auctionapi.SettlementAttestationUserData{
		ContractID:   contractID,
		Seller:       string(outcome.Seller),
		Amount:       outcome.Amount.String(),
		AssetToken:   string(outcome.AssetToken),
		AssetAmount:  outcome.AssetAmount.String(),
		SettledAt:    uint64(outcome.SettledAt),
		OutcomeHash:  core.ComputeOutcomeHash(contractID, outcome, outcomeNonce),
		OutcomeNonce: outcomeNonce,
		Timestamp:    time.Now().UTC(),
	}
	if outcome.Winner != nil {
		winner := string(*outcome.Winner)
		userData.Winner = &winner
	}

	userDataBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}

	attestationNonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(enclave.AttestationOptions{
		UserData: userDataBytes,
		Nonce:    []byte(attestationNonce),
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}

	logger.Info("settlement attestation generated", "contract", contractID, "bytes", len(attestationCBOR))
	return auctionapi.AttestationCOSE(attestationCBOR), nil
}
