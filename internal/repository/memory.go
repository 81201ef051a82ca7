package repository

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

type tipKey struct {
	userID    string
	chapterID string
}

type supporterKey struct {
	userID  string
	novelID string
}

// MemoryDB is a Repository held in process memory. RecordTip is atomic under
// a single lock, matching the transactional guarantees of PostgresDB.
type MemoryDB struct {
	logger *logger.Logger

	mu             sync.RWMutex
	users          map[string]models.User
	chapters       map[string]models.Chapter
	authorizations map[string]*models.AuthorizationRecord
	tips           map[tipKey]models.Tip
	supporters     map[supporterKey]models.Supporter
}

func NewMemoryDB(logger *logger.Logger) *MemoryDB {
	return &MemoryDB{
		logger:         logger,
		users:          make(map[string]models.User),
		chapters:       make(map[string]models.Chapter),
		authorizations: make(map[string]*models.AuthorizationRecord),
		tips:           make(map[tipKey]models.Tip),
		supporters:     make(map[supporterKey]models.Supporter),
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

func (db *MemoryDB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	user, ok := db.users[userID]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "user not found", nil)
	}
	return &user, nil
}

func (db *MemoryDB) UpsertUser(ctx context.Context, user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[user.ID] = *user
	return nil
}

func (db *MemoryDB) GetChapter(ctx context.Context, chapterID string) (*models.Chapter, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	chapter, ok := db.chapters[chapterID]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "chapter not found", nil)
	}
	return &chapter, nil
}

func (db *MemoryDB) UpsertChapter(ctx context.Context, chapter *models.Chapter) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.chapters[chapter.ID]
	if !ok {
		existing = models.Chapter{ID: chapter.ID}
	}
	existing.NovelID = chapter.NovelID
	db.chapters[chapter.ID] = existing
	return nil
}

func (db *MemoryDB) GetAuthorization(ctx context.Context, userID string) (*models.AuthorizationRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.authorizations[userID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (db *MemoryDB) ReplaceAuthorization(ctx context.Context, record *models.AuthorizationRecord) error {
	rec := cloneRecord(record)
	db.mu.Lock()
	defer db.mu.Unlock()
	db.authorizations[record.UserID] = rec
	return nil
}

func (db *MemoryDB) TipExists(ctx context.Context, userID, chapterID string) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.tips[tipKey{userID, chapterID}]
	return ok, nil
}

func (db *MemoryDB) RecordTip(ctx context.Context, tip *models.Tip) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := tipKey{tip.UserID, tip.ChapterID}
	if _, ok := db.tips[key]; ok {
		return 0, models.Wrap(models.ErrAlreadyTipped, nil)
	}
	chapter, ok := db.chapters[tip.ChapterID]
	if !ok {
		return 0, models.NewError(models.CodeNotFound, "chapter not found", nil)
	}

	db.tips[key] = *tip
	chapter.TipCount++
	db.chapters[chapter.ID] = chapter

	sk := supporterKey{tip.UserID, tip.NovelID}
	supporter, ok := db.supporters[sk]
	if !ok {
		supporter = models.Supporter{UserID: tip.UserID, NovelID: tip.NovelID}
	}
	supporter.TotalTipped = supporter.TotalTipped.Add(tip.Amount)
	db.supporters[sk] = supporter

	db.logger.Debug("Recorded tip", "tip", tip.ID, "chapter", tip.ChapterID, "tip_count", chapter.TipCount)
	return chapter.TipCount, nil
}

func (db *MemoryDB) GetSupporter(ctx context.Context, userID, novelID string) (*models.Supporter, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	supporter, ok := db.supporters[supporterKey{userID, novelID}]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "supporter not found", nil)
	}
	return &supporter, nil
}

// ListChapterTips returns the tips recorded for a chapter, oldest first.
func (db *MemoryDB) ListChapterTips(ctx context.Context, chapterID string) ([]models.Tip, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tips := []models.Tip{}
	for key, tip := range db.tips {
		if key.chapterID == chapterID {
			tips = append(tips, tip)
		}
	}
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Timestamp != tips[j].Timestamp {
			return tips[i].Timestamp < tips[j].Timestamp
		}
		return tips[i].ID < tips[j].ID
	})
	return tips, nil
}

func cloneRecord(r *models.AuthorizationRecord) *models.AuthorizationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if d := r.DelegatedSpend; d != nil {
		ds := *d
		ds.Allowance = cloneInt(d.Allowance)
		ds.Period = cloneInt(d.Period)
		ds.ValidFrom = cloneInt(d.ValidFrom)
		ds.ValidUntil = cloneInt(d.ValidUntil)
		ds.Salt = cloneInt(d.Salt)
		ds.ExtraData = append([]byte(nil), d.ExtraData...)
		c.DelegatedSpend = &ds
	}
	if s := r.StandingApproval; s != nil {
		sa := *s
		sa.Grant = append(sa.Grant[:0:0], s.Grant...)
		c.StandingApproval = &sa
	}
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
