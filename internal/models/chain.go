package models

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxReceipt is the outcome of a transaction that reached finality.
type TxReceipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	// Transferred is the token amount the receipt's logs show arriving at the
	// spender. It is nil for calls that do not move value.
	Transferred *big.Int
}

// SettlementStatus is the answer to a re-query of a submitted transaction.
type SettlementStatus struct {
	TxHash      string `json:"tx_hash"`
	Found       bool   `json:"found"`
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

// ApprovalEvidence is what a mined transaction shows about an ERC-20
// approval given to the service spender.
type ApprovalEvidence struct {
	SettlementStatus
	// From is the recovered sender, To the called contract.
	From common.Address
	To   common.Address
	// Granted is the allowance the token's Approval logs show the owner
	// giving the spender. Zero when the transaction grants nothing.
	Granted *big.Int
}

// SettlementClient submits transactions to the external ledger and waits for
// finality. Calls are not atomic with each other.
//
// Errors are *Error values: SETTLEMENT_UNREACHABLE when the outcome is unknown
// (TxHash set if the transaction was broadcast), SETTLEMENT_REJECTED when the
// chain refused the call before it was mined. A mined but reverted
// transaction returns a receipt with Success=false and no error.
type SettlementClient interface {
	// ConsumeAuthorization registers the signed spend permission on-chain.
	ConsumeAuthorization(ctx context.Context, perm *SpendPermission, signature []byte) (*TxReceipt, error)
	// TransferValue spends amount base units under the spend permission.
	TransferValue(ctx context.Context, perm *SpendPermission, amount *big.Int) (*TxReceipt, error)
	// TransferFromApproved moves amount base units from owner using a standing ERC-20 allowance.
	TransferFromApproved(ctx context.Context, owner common.Address, amount *big.Int) (*TxReceipt, error)
	// ReceiptStatus re-queries a transaction.
	ReceiptStatus(ctx context.Context, txHash string) (*SettlementStatus, error)
	// ApprovalEvidence loads a mined transaction and reads the approval owner gave the spender in it.
	ApprovalEvidence(ctx context.Context, txHash string, owner common.Address) (*ApprovalEvidence, error)
	// SpenderAddress is the address the service transacts from.
	SpenderAddress() common.Address
}
