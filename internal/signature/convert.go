package signature

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/core-coin/tributum/internal/models"
)

// Bit widths the permission fields were signed with.
const (
	allowanceBits = 160
	windowBits    = 48
	saltBits      = 256
)

// ToPermission converts a transmitted payload back to the exact types it was
// signed with. This is the only place wire numerics are re-typed; a value that
// is negative or does not fit its signed width is malformed, since hashing it
// would silently produce a different digest.
func ToPermission(p *models.PermissionPayload) (*models.SpendPermission, error) {
	if p == nil {
		return nil, models.NewError(models.CodeMalformedData, "permission payload is missing", nil)
	}

	perm := &models.SpendPermission{}
	var err error

	if perm.Account, err = parseAddress("account", p.Account); err != nil {
		return nil, err
	}
	if perm.Spender, err = parseAddress("spender", p.Spender); err != nil {
		return nil, err
	}
	if perm.Token, err = parseAddress("token", p.Token); err != nil {
		return nil, err
	}
	if perm.Allowance, err = parseUint("allowance", p.Allowance, allowanceBits); err != nil {
		return nil, err
	}
	if perm.Period, err = parseUint("period", p.Period, windowBits); err != nil {
		return nil, err
	}
	if perm.Start, err = parseUint("start", p.Start, windowBits); err != nil {
		return nil, err
	}
	if perm.End, err = parseUint("end", p.End, windowBits); err != nil {
		return nil, err
	}
	if perm.Salt, err = parseUint("salt", p.Salt, saltBits); err != nil {
		return nil, err
	}
	if perm.ExtraData, err = parseBytes(p.ExtraData); err != nil {
		return nil, err
	}

	return perm, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, models.NewError(models.CodeMalformedData, fmt.Sprintf("%s is not a valid address", field), nil)
	}
	return common.HexToAddress(value), nil
}

func parseUint(field string, value models.Numeric, bits int) (*big.Int, error) {
	s := strings.TrimSpace(string(value))
	if s == "" {
		return nil, models.NewError(models.CodeMalformedData, fmt.Sprintf("%s is missing", field), nil)
	}
	n, ok := math.ParseBig256(s)
	if !ok {
		return nil, models.NewError(models.CodeMalformedData, fmt.Sprintf("%s is not an integer: %q", field, s), nil)
	}
	if n.Sign() < 0 {
		return nil, models.NewError(models.CodeMalformedData, fmt.Sprintf("%s must not be negative", field), nil)
	}
	if n.BitLen() > bits {
		return nil, models.NewError(models.CodeMalformedData, fmt.Sprintf("%s does not fit in uint%d", field, bits), nil)
	}
	return n, nil
}

func parseBytes(value string) ([]byte, error) {
	if value == "" || value == "0x" || value == "0X" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(value)
	if err != nil {
		return nil, models.NewError(models.CodeMalformedData, "extraData is not 0x-prefixed hex", err)
	}
	return b, nil
}

// ToPayload renders a permission in wire form with decimal numerics.
func ToPayload(perm *models.SpendPermission) *models.PermissionPayload {
	return &models.PermissionPayload{
		Account:   perm.Account.Hex(),
		Spender:   perm.Spender.Hex(),
		Token:     perm.Token.Hex(),
		Allowance: models.Numeric(perm.Allowance.String()),
		Period:    models.Numeric(perm.Period.String()),
		Start:     models.Numeric(perm.Start.String()),
		End:       models.Numeric(perm.End.String()),
		Salt:      models.Numeric(perm.Salt.String()),
		ExtraData: hexutil.Encode(perm.ExtraData),
	}
}
