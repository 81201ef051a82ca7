package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

func newTestDB(t *testing.T) *MemoryDB {
	t.Helper()
	db := NewMemoryDB(logger.NewNop())
	for _, ch := range []models.Chapter{
		{ID: "chapter-1", NovelID: "novel-1"},
		{ID: "chapter-2", NovelID: "novel-1"},
		{ID: "chapter-3", NovelID: "novel-2"},
	} {
		ch := ch
		if err := db.UpsertChapter(context.Background(), &ch); err != nil {
			t.Fatalf("failed to seed chapter: %v", err)
		}
	}
	return db
}

func newTip(userID, chapterID, novelID, amount string) *models.Tip {
	return &models.Tip{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChapterID: chapterID,
		NovelID:   novelID,
		Amount:    decimal.RequireFromString(amount),
		TxHash:    "0xabc",
		Timestamp: 1_700_000_000,
	}
}

func TestRecordTip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	count, err := db.RecordTip(ctx, newTip("user-1", "chapter-1", "novel-1", "0.01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected tip count 1, got %d", count)
	}

	exists, err := db.TipExists(ctx, "user-1", "chapter-1")
	if err != nil || !exists {
		t.Fatalf("expected tip to exist, got %v, %v", exists, err)
	}

	_, err = db.RecordTip(ctx, newTip("user-1", "chapter-1", "novel-1", "0.01"))
	if !errors.Is(err, models.ErrAlreadyTipped) {
		t.Fatalf("expected already tipped, got %v", err)
	}
	if e, _ := models.AsError(err); e == models.ErrAlreadyTipped {
		t.Error("expected a fresh error value, not the shared one")
	}

	chapter, err := db.GetChapter(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chapter.TipCount != 1 {
		t.Errorf("duplicate must not change the counter, got %d", chapter.TipCount)
	}

	supporter, err := db.GetSupporter(ctx, "user-1", "novel-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !supporter.TotalTipped.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("expected total 0.01, got %s", supporter.TotalTipped)
	}
}

func TestUpsertChapterKeepsCounter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.RecordTip(ctx, newTip("user-1", "chapter-1", "novel-1", "0.01")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.UpsertChapter(ctx, &models.Chapter{ID: "chapter-1", NovelID: "novel-9"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chapter, err := db.GetChapter(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chapter.NovelID != "novel-9" {
		t.Errorf("expected novel to move, got %s", chapter.NovelID)
	}
	tips, _ := db.ListChapterTips(ctx, "chapter-1")
	if chapter.TipCount != 1 || int64(len(tips)) != chapter.TipCount {
		t.Errorf("counter %d must still match %d tips", chapter.TipCount, len(tips))
	}
}

func TestListChapterTipsOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i, user := range []string{"user-3", "user-1", "user-2"} {
		tip := newTip(user, "chapter-1", "novel-1", "0.01")
		tip.Timestamp = int64(100 - i)
		if _, err := db.RecordTip(ctx, tip); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	tips, err := db.ListChapterTips(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tips) != 3 || tips[0].UserID != "user-2" || tips[2].UserID != "user-3" {
		t.Errorf("expected oldest first, got %+v", tips)
	}
	if tips, _ := db.ListChapterTips(ctx, "chapter-3"); tips == nil || len(tips) != 0 {
		t.Errorf("expected an empty list, got %v", tips)
	}
}

func TestRecordTipUnknownChapter(t *testing.T) {
	db := newTestDB(t)
	_, err := db.RecordTip(context.Background(), newTip("user-1", "missing", "novel-1", "0.01"))
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if exists, _ := db.TipExists(context.Background(), "user-1", "missing"); exists {
		t.Error("a failed record must not leave a tip behind")
	}
}

func TestLedgerInvariants(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	amounts := []string{"0.01", "0.25", "1", "0.000001"}
	chapters := []struct{ id, novel string }{{"chapter-1", "novel-1"}, {"chapter-2", "novel-1"}, {"chapter-3", "novel-2"}}

	for i, amount := range amounts {
		for _, ch := range chapters {
			if _, err := db.RecordTip(ctx, newTip(fmt.Sprintf("user-%d", i), ch.id, ch.novel, amount)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	for _, ch := range chapters {
		chapter, _ := db.GetChapter(ctx, ch.id)
		tips, _ := db.ListChapterTips(ctx, ch.id)
		if got := int64(len(tips)); chapter.TipCount != got {
			t.Errorf("%s: counter %d, tips %d", ch.id, chapter.TipCount, got)
		}
	}

	for i, amount := range amounts {
		supporter, err := db.GetSupporter(ctx, fmt.Sprintf("user-%d", i), "novel-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := decimal.RequireFromString(amount).Mul(decimal.NewFromInt(2))
		if !supporter.TotalTipped.Equal(want) {
			t.Errorf("user-%d: expected %s, got %s", i, want, supporter.TotalTipped)
		}
	}
}

func TestConcurrentRecordTip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.RecordTip(ctx, newTip("user-1", "chapter-1", "novel-1", "0.01"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrAlreadyTipped):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || rejected != 19 {
		t.Errorf("expected 1 recorded and 19 rejected, got %d and %d", ok, rejected)
	}
	chapter, _ := db.GetChapter(ctx, "chapter-1")
	if chapter.TipCount != 1 {
		t.Errorf("expected counter 1, got %d", chapter.TipCount)
	}
}

func TestAuthorizationReplace(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rec, err := db.GetAuthorization(ctx, "user-1")
	if err != nil || rec != nil {
		t.Fatalf("expected absent record without error, got %v, %v", rec, err)
	}

	delegated := &models.AuthorizationRecord{
		UserID:  "user-1",
		Variant: models.VariantDelegatedSpend,
		DelegatedSpend: &models.DelegatedSpend{
			Account:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Allowance:  big.NewInt(1_000_000),
			ValidFrom:  big.NewInt(1),
			ValidUntil: big.NewInt(2),
			Signature:  "0x01",
		},
	}
	if err := db.ReplaceAuthorization(ctx, delegated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mutating the caller's copy must not leak into storage.
	delegated.DelegatedSpend.Allowance.SetInt64(1)

	got, err := db.GetAuthorization(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DelegatedSpend.Allowance.Int64() != 1_000_000 {
		t.Errorf("expected stored allowance to be isolated, got %s", got.DelegatedSpend.Allowance)
	}

	standing := &models.AuthorizationRecord{
		UserID:           "user-1",
		Variant:          models.VariantStandingApproval,
		StandingApproval: &models.StandingApproval{OwnerWallet: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", Grant: datatypes.JSON(`{"approval_tx":"0x01"}`)},
	}
	if err := db.ReplaceAuthorization(ctx, standing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = db.GetAuthorization(ctx, "user-1")
	if got.Variant != models.VariantStandingApproval || got.DelegatedSpend != nil {
		t.Errorf("expected a whole-record replace, got %+v", got)
	}
}

func TestAuthorizationRowConversion(t *testing.T) {
	salt, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	rec := &models.AuthorizationRecord{
		UserID:  "user-1",
		Variant: models.VariantDelegatedSpend,
		DelegatedSpend: &models.DelegatedSpend{
			Account:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Allowance: big.NewInt(1_000_000),
			Salt:      salt,
			Signature: "0x01",
		},
	}

	back := toAuthorizationRow(rec).toRecord()
	if back.DelegatedSpend.Salt.Cmp(salt) != 0 {
		t.Errorf("expected uint256 salt to survive, got %s", back.DelegatedSpend.Salt)
	}
	if back.DelegatedSpend.ValidFrom != nil || back.DelegatedSpend.Period != nil {
		t.Error("expected missing numeric fields to stay nil")
	}
	if back.StandingApproval != nil {
		t.Error("delegated record must not carry a standing approval")
	}
}
