package blockchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/core-coin/tributum/internal/models"
)

// SpendPermissionManagerABI covers the SpendPermissionManager functions the service calls.
const SpendPermissionManagerABI = `[{"inputs":[{"components":[{"internalType":"address","name":"account","type":"address"},{"internalType":"address","name":"spender","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint160","name":"allowance","type":"uint160"},{"internalType":"uint48","name":"period","type":"uint48"},{"internalType":"uint48","name":"start","type":"uint48"},{"internalType":"uint48","name":"end","type":"uint48"},{"internalType":"uint256","name":"salt","type":"uint256"},{"internalType":"bytes","name":"extraData","type":"bytes"}],"internalType":"struct SpendPermissionManager.SpendPermission","name":"spendPermission","type":"tuple"},{"internalType":"bytes","name":"signature","type":"bytes"}],"name":"approveWithSignature","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"components":[{"internalType":"address","name":"account","type":"address"},{"internalType":"address","name":"spender","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint160","name":"allowance","type":"uint160"},{"internalType":"uint48","name":"period","type":"uint48"},{"internalType":"uint48","name":"start","type":"uint48"},{"internalType":"uint48","name":"end","type":"uint48"},{"internalType":"uint256","name":"salt","type":"uint256"},{"internalType":"bytes","name":"extraData","type":"bytes"}],"internalType":"struct SpendPermissionManager.SpendPermission","name":"spendPermission","type":"tuple"},{"internalType":"uint160","name":"value","type":"uint160"}],"name":"spend","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// ERC20ABI is the subset of the ERC-20 interface the service uses.
const ERC20ABI = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"from","type":"address"},{"indexed":true,"internalType":"address","name":"to","type":"address"},{"indexed":false,"internalType":"uint256","name":"value","type":"uint256"}],"name":"Transfer","type":"event"},{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`

// approvalEventID is keccak256("Approval(address,address,uint256)").
var approvalEventID = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

// transferEventID is keccak256("Transfer(address,address,uint256)").
var transferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// spendPermissionTuple mirrors the SpendPermission struct for ABI packing.
// Field names must match the ABI component names in camel case.
type spendPermissionTuple struct {
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

func toTuple(p *models.SpendPermission) spendPermissionTuple {
	extraData := p.ExtraData
	if extraData == nil {
		extraData = []byte{}
	}
	return spendPermissionTuple{
		Account:   p.Account,
		Spender:   p.Spender,
		Token:     p.Token,
		Allowance: p.Allowance,
		Period:    p.Period,
		Start:     p.Start,
		End:       p.End,
		Salt:      p.Salt,
		ExtraData: extraData,
	}
}

// transferredTo sums the ERC-20 Transfer events emitted by token to recipient
// in the receipt's logs.
func transferredTo(receipt *types.Receipt, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) != 3 || log.Topics[0] != transferEventID {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}
	return total
}

// approvedTo returns the allowance set by the last ERC-20 Approval event
// emitted by token for owner and spender, or zero when there is none.
func approvedTo(receipt *types.Receipt, token, owner, spender common.Address) *big.Int {
	value := new(big.Int)
	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) != 3 || log.Topics[0] != approvalEventID {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != owner || common.BytesToAddress(log.Topics[2].Bytes()) != spender {
			continue
		}
		value = new(big.Int).SetBytes(log.Data)
	}
	return value
}
