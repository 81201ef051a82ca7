package validation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateAddress validates an EVM address (20 bytes, hex encoded, optional 0x prefix)
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := strings.TrimPrefix(addr, "0x")
	normalized = strings.TrimPrefix(normalized, "0X")

	if len(normalized) != 2*common.AddressLength {
		return fmt.Errorf("invalid address length: expected %d characters (without 0x), got %d", 2*common.AddressLength, len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// ValidateTxHash validates a 32 byte transaction hash
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	normalized := strings.TrimPrefix(hash, "0x")
	normalized = strings.TrimPrefix(normalized, "0X")
	if len(normalized) != 2*common.HashLength {
		return fmt.Errorf("invalid transaction hash length: expected %d characters (without 0x), got %d", 2*common.HashLength, len(normalized))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex transaction hash: %w", err)
	}
	return nil
}

// NormalizeAddress converts an address to its EIP-55 checksummed form.
// The input is expected to be validated already.
func NormalizeAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return NormalizeAddress(addr), nil
}
