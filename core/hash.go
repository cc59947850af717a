package core

import (
	"crypto/sha256"
	"fmt"
)

// ComputeOutcomeHash binds a settlement outcome to a contract instance.
// This is used by the service (to attest outcomes) and validation (to verify them).
//
// Formula: SHA256(contract_id + "|" + winner + "|" + amount + "|" + settled_at + "|" + nonce)
//
// A missing winner is encoded as the empty string and the amount as "0".
func ComputeOutcomeHash(contractID string, outcome SettlementOutcome, nonce string) string {
	winner := ""
	if outcome.Winner != nil {
		winner = string(*outcome.Winner)
	}
	data := fmt.Sprintf("%s|%s|%s|%d|%s", contractID, winner, outcome.Amount.String(), outcome.SettledAt, nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
