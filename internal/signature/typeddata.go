// Package signature verifies EIP-712 signatures over spend permissions.
package signature

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/core-coin/tributum/internal/models"
)

const (
	// DefaultDomainName is the EIP-712 domain name of the SpendPermissionManager.
	DefaultDomainName = "Spend Permission Manager"
	// DefaultDomainVersion is the EIP-712 domain version of the SpendPermissionManager.
	DefaultDomainVersion = "1"

	primaryType = "SpendPermission"
)

// Domain holds the EIP-712 domain parameters a permission is signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the SpendPermissionManager domain on the given chain.
func NewDomain(chainID *big.Int, manager common.Address) Domain {
	return Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           chainID,
		VerifyingContract: manager,
	}
}

// schema is the fixed SpendPermission struct. Field order and types are part
// of the signed digest.
var schema = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: []apitypes.Type{
		{Name: "account", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "allowance", Type: "uint160"},
		{Name: "period", Type: "uint48"},
		{Name: "start", Type: "uint48"},
		{Name: "end", Type: "uint48"},
		{Name: "salt", Type: "uint256"},
		{Name: "extraData", Type: "bytes"},
	},
}

// TypedData builds the EIP-712 document for a permission.
func TypedData(perm *models.SpendPermission, domain Domain) apitypes.TypedData {
	extraData := perm.ExtraData
	if extraData == nil {
		extraData = []byte{}
	}
	return apitypes.TypedData{
		Types:       schema,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"account":   perm.Account.Hex(),
			"spender":   perm.Spender.Hex(),
			"token":     perm.Token.Hex(),
			"allowance": (*math.HexOrDecimal256)(perm.Allowance),
			"period":    (*math.HexOrDecimal256)(perm.Period),
			"start":     (*math.HexOrDecimal256)(perm.Start),
			"end":       (*math.HexOrDecimal256)(perm.End),
			"salt":      (*math.HexOrDecimal256)(perm.Salt),
			"extraData": extraData,
		},
	}
}

// Digest returns keccak256(0x1901 || domainSeparator || hashStruct(permission)).
func Digest(perm *models.SpendPermission, domain Domain) ([]byte, error) {
	if domain.ChainID == nil {
		return nil, fmt.Errorf("domain chain id is required")
	}
	typedData := TypedData(perm, domain)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(primaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}
