package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"
)

// Variant tags the kind of authorization a user granted.
type Variant string

const (
	// VariantDelegatedSpend is a signed, time-windowed, capped spend permission
	// consumed through the SpendPermissionManager contract.
	VariantDelegatedSpend Variant = "delegated-spend"
	// VariantStandingApproval is a plain ERC-20 allowance granted to the
	// service's spender address by an identity-linked user.
	VariantStandingApproval Variant = "standing-approval"
)

// AuthorizationRecord is the per-user permission to move funds on their behalf.
// Exactly one of DelegatedSpend or StandingApproval is set, matching Variant.
type AuthorizationRecord struct {
	UserID           string
	Variant          Variant
	DelegatedSpend   *DelegatedSpend
	StandingApproval *StandingApproval
	UpdatedAt        time.Time
}

// DelegatedSpend is the stored form of a spend permission. Fields may be
// missing when the stored data is malformed; the permission classifier
// reports that instead of the caller null-checking.
type DelegatedSpend struct {
	Account    string
	Spender    string
	Token      string
	Allowance  *big.Int
	Period     *big.Int
	ValidFrom  *big.Int
	ValidUntil *big.Int
	Salt       *big.Int
	ExtraData  []byte
	// Signature is the detached 0x-hex typed-data signature by Account.
	Signature string
}

// StandingApproval records that the owner wallet approved the service's spender.
type StandingApproval struct {
	OwnerWallet string
	// Grant is the opaque marker that approval was granted.
	Grant datatypes.JSON
}

// SpendPermission is a spend permission in its exact signing types:
// uint160 allowance, uint48 period/start/end and uint256 salt.
type SpendPermission struct {
	Account   common.Address
	Spender   common.Address
	Token     common.Address
	Allowance *big.Int
	Period    *big.Int
	Start     *big.Int
	End       *big.Int
	Salt      *big.Int
	ExtraData []byte
}

// NewDelegatedSpend builds the stored form of a verified permission.
func NewDelegatedSpend(p *SpendPermission, signature string) *DelegatedSpend {
	return &DelegatedSpend{
		Account:    p.Account.Hex(),
		Spender:    p.Spender.Hex(),
		Token:      p.Token.Hex(),
		Allowance:  new(big.Int).Set(p.Allowance),
		Period:     new(big.Int).Set(p.Period),
		ValidFrom:  new(big.Int).Set(p.Start),
		ValidUntil: new(big.Int).Set(p.End),
		Salt:       new(big.Int).Set(p.Salt),
		ExtraData:  append([]byte(nil), p.ExtraData...),
		Signature:  signature,
	}
}

// Permission converts the stored record back to signing types.
// It fails with ErrMalformedData when a field needed on-chain is missing.
func (d *DelegatedSpend) Permission() (*SpendPermission, error) {
	if d == nil {
		return nil, ErrMissingPermission
	}
	for _, addr := range []string{d.Account, d.Spender, d.Token} {
		if !common.IsHexAddress(addr) {
			return nil, NewError(CodeMalformedData, "spend permission has an invalid address", nil)
		}
	}
	for _, v := range []*big.Int{d.Allowance, d.Period, d.ValidFrom, d.ValidUntil, d.Salt} {
		if v == nil {
			return nil, NewError(CodeMalformedData, "spend permission is missing a numeric field", nil)
		}
	}
	return &SpendPermission{
		Account:   common.HexToAddress(d.Account),
		Spender:   common.HexToAddress(d.Spender),
		Token:     common.HexToAddress(d.Token),
		Allowance: new(big.Int).Set(d.Allowance),
		Period:    new(big.Int).Set(d.Period),
		Start:     new(big.Int).Set(d.ValidFrom),
		End:       new(big.Int).Set(d.ValidUntil),
		Salt:      new(big.Int).Set(d.Salt),
		ExtraData: append([]byte(nil), d.ExtraData...),
	}, nil
}
