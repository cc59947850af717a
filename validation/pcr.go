package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// LoadPCRsFromFile loads known PCR sets from a JSON file
func LoadPCRsFromFile(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config PCRConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}

	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in config file")
	}

	return config.PCRSets, nil
}

// ValidatePCRs returns the index of the first known set matching PCR0-2, or -1.
// Hex comparison ignores case.
func ValidatePCRs(pcrs auctionapi.PCRs, knownSets []PCRSet) int {
	for i, known := range knownSets {
		if strings.EqualFold(pcrs.ImageFileHash, known.PCR0) &&
			strings.EqualFold(pcrs.KernelHash, known.PCR1) &&
			strings.EqualFold(pcrs.ApplicationHash, known.PCR2) {
			return i
		}
	}
	return -1
}
