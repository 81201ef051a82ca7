package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// TipResult is returned for a recorded tip.
type TipResult struct {
	TxHash      string          `json:"tx_hash"`
	NewTipCount int64           `json:"tip_count"`
	Amount      decimal.Decimal `json:"amount"`
	AmountUnits string          `json:"amount_units"`
}

// ApprovalResult is returned by a completed approval flow.
type ApprovalResult struct {
	ApprovalTxHash string  `json:"tx_hash"`
	TrialTxHash    string  `json:"trial_tx_hash,omitempty"`
	Variant        Variant `json:"variant"`
}

// PermissionView is the read-path answer for a user's permission.
type PermissionView struct {
	UserID   string  `json:"user_id"`
	Status   string  `json:"status"`
	Variant  Variant `json:"variant,omitempty"`
	Boundary int64   `json:"boundary,omitempty"`
}

// ChapterLedger is a chapter with the tips recorded against it.
type ChapterLedger struct {
	Chapter *Chapter `json:"chapter"`
	Tips    []Tip    `json:"tips"`
}

// TributumI is the tip engine used by the API layer.
type TributumI interface {
	// TipChapter settles and records a tip from userID for chapterID.
	TipChapter(ctx context.Context, userID, chapterID string) (*TipResult, error)

	// ApproveAndTrialSpend verifies and registers a signed spend permission,
	// then proves it with a minimal debit.
	ApproveAndTrialSpend(ctx context.Context, userID string, payload *PermissionPayload, signature string) (*ApprovalResult, error)

	// RegisterStandingApproval stores a standing-approval record once the
	// owner's ERC-20 approval transaction is confirmed.
	RegisterStandingApproval(ctx context.Context, userID, ownerWallet, approvalTxHash string) (*ApprovalResult, error)

	// PermissionStatus classifies the stored permission of a user. It never
	// fails for absent or malformed records.
	PermissionStatus(ctx context.Context, userID string) (*PermissionView, error)

	// SettlementStatus re-queries a transaction for callers holding an ambiguous outcome.
	SettlementStatus(ctx context.Context, txHash string) (*SettlementStatus, error)

	// ChapterLedger returns a chapter's counter together with its tips.
	ChapterLedger(ctx context.Context, chapterID string) (*ChapterLedger, error)
}

// APIServer is the inbound transport.
type APIServer interface {
	Start()
	Shutdown() error
}
