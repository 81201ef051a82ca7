package models

import "context"

// Repository is the storage boundary of the tip engine.
// Lookups of absent rows return ErrNotFound, except GetAuthorization which
// returns (nil, nil) so an absent permission is classified, not failed.
type Repository interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	UpsertUser(ctx context.Context, user *User) error

	GetChapter(ctx context.Context, chapterID string) (*Chapter, error)
	// UpsertChapter creates a chapter with a zero counter or updates its
	// novel. It never writes TipCount.
	UpsertChapter(ctx context.Context, chapter *Chapter) error

	GetAuthorization(ctx context.Context, userID string) (*AuthorizationRecord, error)
	// ReplaceAuthorization atomically replaces the user's record as a whole.
	ReplaceAuthorization(ctx context.Context, record *AuthorizationRecord) error

	TipExists(ctx context.Context, userID, chapterID string) (bool, error)
	// RecordTip inserts the tip, increments the chapter counter by one and adds
	// the amount to the supporter aggregate as one unit. It returns the new
	// counter value, or ErrAlreadyTipped if the (user, chapter) pair exists.
	RecordTip(ctx context.Context, tip *Tip) (int64, error)

	// ListChapterTips returns the chapter's tips, oldest first.
	ListChapterTips(ctx context.Context, chapterID string) ([]Tip, error)

	GetSupporter(ctx context.Context, userID, novelID string) (*Supporter, error)

	Close() error
}
