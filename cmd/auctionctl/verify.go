package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/validation"
)

// errValidationFailed is returned when the attestation parses but a check fails.
var errValidationFailed = errors.New("settlement attestation is not valid")

func verifySettlementCmd(c *cli) *cobra.Command {
	var (
		attestation, attestationGzip string
		winner, amount, pcrsPath     string
		outputFormat                 string
	)
	cmd := &cobra.Command{
		Use:   "verify-settlement",
		Short: "Verify a settlement attestation against the expected outcome",
		Long: "Checks the enclave measurements against known PCR sets, the certificate chain to the\n" +
			"AWS Nitro root, the COSE signature, and that the attested contract, winner, amount\n" +
			"and outcome hash match. Values may be given inline or as @file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			knownPCRs, err := validation.LoadPCRsFromFile(pcrsPath)
			if err != nil {
				return err
			}

			input := &validation.SettlementValidationInput{
				ContractID: c.contractID,
				KnownPCRs:  knownPCRs,
			}
			if attestation != "" {
				v, err := readValue(attestation)
				if err != nil {
					return err
				}
				input.AttestationCOSEBase64 = auctionapi.AttestationCOSEBase64(v)
			}
			if attestationGzip != "" {
				v, err := readValue(attestationGzip)
				if err != nil {
					return err
				}
				input.AttestationCOSEGzip = auctionapi.AttestationCOSEGzip(v)
			}
			if winner != "" {
				w := core.Principal(winner)
				input.Winner = &w
			}
			if input.Amount, err = core.ParseAmount(amount); err != nil {
				return err
			}

			result, err := validation.ValidateSettlementAttestation(input)
			if err != nil {
				return err
			}
			if err := printResult(c, result, outputFormat); err != nil {
				return err
			}
			if !result.IsValid() {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&attestation, "attestation", "", "base64 COSE attestation (or @file)")
	cmd.Flags().StringVar(&attestationGzip, "attestation-gzip", "", "gzip URL-safe attestation (or @file)")
	cmd.Flags().StringVar(&winner, "winner", "", "expected winner (omit when no bids were placed)")
	cmd.Flags().StringVar(&amount, "amount", "0", "expected winning amount")
	cmd.Flags().StringVar(&pcrsPath, "pcrs", "pcrs.json", "known PCR sets file")
	cmd.Flags().StringVar(&outputFormat, "format", "text", "output format: text or json")
	return cmd
}

func readValue(v string) (string, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	data, err := os.ReadFile(v[1:])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", v[1:], err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printResult(c *cli, result *validation.SettlementValidationResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Valid bool `json:"valid"`
			*validation.SettlementValidationResult
		}{result.IsValid(), result})
	}

	status := "VALID"
	if !result.IsValid() {
		status = "INVALID"
	}
	fmt.Fprintf(c.out, "Settlement attestation: %s\n", status)
	for _, check := range []struct {
		name string
		ok   bool
	}{
		{"PCRs", result.PCRsValid},
		{"Certificate chain", result.CertificateValid},
		{"COSE signature", result.SignatureValid},
		{"Contract", result.ContractValid},
		{"Winner", result.WinnerValid},
		{"Amount", result.AmountValid},
		{"Outcome hash", result.OutcomeHashValid},
	} {
		mark := "✗"
		if check.ok {
			mark = "✓"
		}
		fmt.Fprintf(c.out, "  %s %s\n", mark, check.name)
	}
	for _, d := range result.ValidationDetails {
		fmt.Fprintf(c.out, "    - %s\n", d)
	}
	return nil
}
