package models

import (
	"github.com/shopspring/decimal"
)

// User is the reader entity. The tip engine only reads it.
type User struct {
	// ID is the opaque user identifier.
	ID string `json:"id" gorm:"column:id;primaryKey"`
	// WalletAddress is the user's primary wallet, if any.
	WalletAddress string `json:"wallet_address" gorm:"column:wallet_address;index"`
	// TipAmount is the per-chapter tip in whole tokens. Unset falls back to the configured default.
	TipAmount decimal.NullDecimal `json:"tip_amount" gorm:"column:tip_amount;type:numeric(38,18)"`
	// CreatedAt is the unix timestamp of creation.
	CreatedAt int64 `json:"created_at" gorm:"column:created_at"`
}

// Chapter holds the chapter tip counter.
type Chapter struct {
	// ID is the chapter identifier.
	ID string `json:"id" gorm:"column:id;primaryKey"`
	// NovelID is the novel the chapter belongs to.
	NovelID string `json:"novel_id" gorm:"column:novel_id;index;not null"`
	// TipCount is incremented by exactly one per recorded tip.
	TipCount int64 `json:"tip_count" gorm:"column:tip_count;not null;default:0"`
}

// Tip is the ledger entry written once per successful settlement.
// At most one exists per (user_id, chapter_id).
type Tip struct {
	// ID is the unique identifier of the tip.
	ID string `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	// UserID is the tipping user.
	UserID string `json:"user_id" gorm:"column:user_id;not null;uniqueIndex:idx_tips_user_chapter"`
	// NovelID is the novel of the tipped chapter.
	NovelID string `json:"novel_id" gorm:"column:novel_id;not null;index"`
	// ChapterID is the tipped chapter.
	ChapterID string `json:"chapter_id" gorm:"column:chapter_id;not null;uniqueIndex:idx_tips_user_chapter"`
	// Amount is the tip in whole tokens.
	Amount decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(38,18);not null"`
	// TxHash is the settlement transaction.
	TxHash string `json:"tx_hash" gorm:"column:tx_hash;size:66"`
	// Timestamp is the unix time the tip was recorded.
	Timestamp int64 `json:"timestamp" gorm:"column:timestamp;not null"`
}

// Supporter is the running total of a user's tips to a novel.
type Supporter struct {
	UserID      string          `json:"user_id" gorm:"column:user_id;primaryKey"`
	NovelID     string          `json:"novel_id" gorm:"column:novel_id;primaryKey"`
	TotalTipped decimal.Decimal `json:"total_tipped" gorm:"column:total_tipped;type:numeric(38,18);not null"`
}
