package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

// authorizationRow is the flattened, single-row form of an AuthorizationRecord.
// Unbounded integers are numeric(78,0) so a uint256 salt fits.
type authorizationRow struct {
	UserID  string `gorm:"column:user_id;primaryKey"`
	Variant string `gorm:"column:variant;not null"`

	Account    string              `gorm:"column:account"`
	Spender    string              `gorm:"column:spender"`
	Token      string              `gorm:"column:token"`
	Allowance  decimal.NullDecimal `gorm:"column:allowance;type:numeric(78,0)"`
	Period     decimal.NullDecimal `gorm:"column:period;type:numeric(78,0)"`
	ValidFrom  decimal.NullDecimal `gorm:"column:valid_from;type:numeric(78,0)"`
	ValidUntil decimal.NullDecimal `gorm:"column:valid_until;type:numeric(78,0)"`
	Salt       decimal.NullDecimal `gorm:"column:salt;type:numeric(78,0)"`
	ExtraData  []byte              `gorm:"column:extra_data;type:bytea"`
	Signature  string              `gorm:"column:signature"`

	OwnerWallet string         `gorm:"column:owner_wallet"`
	Grant       datatypes.JSON `gorm:"column:grant_marker"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (authorizationRow) TableName() string {
	return "authorizations"
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (models.Repository, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	// Suppress "record not found" noise, absent rows are an expected answer here
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Chapter{}, &models.Tip{}, &models.Supporter{}, &authorizationRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return &PostgresDB{Conn: db, logger: logger}, nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func (db *PostgresDB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := db.Conn.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, storageError("failed to get user", err)
	}
	return &user, nil
}

func (db *PostgresDB) UpsertUser(ctx context.Context, user *models.User) error {
	if err := db.Conn.WithContext(ctx).Save(user).Error; err != nil {
		return storageError("failed to save user", err)
	}
	return nil
}

func (db *PostgresDB) GetChapter(ctx context.Context, chapterID string) (*models.Chapter, error) {
	var chapter models.Chapter
	if err := db.Conn.WithContext(ctx).Where("id = ?", chapterID).First(&chapter).Error; err != nil {
		return nil, storageError("failed to get chapter", err)
	}
	return &chapter, nil
}

// UpsertChapter creates the chapter or moves it to another novel. The tip
// counter is owned by RecordTip and never written here.
func (db *PostgresDB) UpsertChapter(ctx context.Context, chapter *models.Chapter) error {
	row := &models.Chapter{ID: chapter.ID, NovelID: chapter.NovelID}
	err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"novel_id"}),
	}).Create(row).Error
	if err != nil {
		return storageError("failed to save chapter", err)
	}
	return nil
}

func (db *PostgresDB) GetAuthorization(ctx context.Context, userID string) (*models.AuthorizationRecord, error) {
	var row authorizationRow
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("failed to get authorization", err)
	}
	return row.toRecord(), nil
}

// ReplaceAuthorization upserts the whole row, so readers see either the old
// record or the new one.
func (db *PostgresDB) ReplaceAuthorization(ctx context.Context, record *models.AuthorizationRecord) error {
	row := toAuthorizationRow(record)
	err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return storageError("failed to replace authorization", err)
	}
	return nil
}

func (db *PostgresDB) TipExists(ctx context.Context, userID, chapterID string) (bool, error) {
	var count int64
	err := db.Conn.WithContext(ctx).Model(&models.Tip{}).
		Where("user_id = ? AND chapter_id = ?", userID, chapterID).
		Count(&count).Error
	if err != nil {
		return false, storageError("failed to check tip", err)
	}
	return count > 0, nil
}

func (db *PostgresDB) RecordTip(ctx context.Context, tip *models.Tip) (int64, error) {
	var tipCount int64
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tip).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return models.Wrap(models.ErrAlreadyTipped, nil)
			}
			return fmt.Errorf("failed to insert tip: %w", err)
		}

		res := tx.Model(&models.Chapter{}).
			Where("id = ?", tip.ChapterID).
			Update("tip_count", gorm.Expr("tip_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("failed to increment tip count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.NewError(models.CodeNotFound, "chapter not found", nil)
		}

		supporter := &models.Supporter{UserID: tip.UserID, NovelID: tip.NovelID, TotalTipped: tip.Amount}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "novel_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_tipped": gorm.Expr("supporters.total_tipped + EXCLUDED.total_tipped"),
			}),
		}).Create(supporter).Error
		if err != nil {
			return fmt.Errorf("failed to update supporter: %w", err)
		}

		return tx.Model(&models.Chapter{}).
			Select("tip_count").
			Where("id = ?", tip.ChapterID).
			Scan(&tipCount).Error
	})
	if err != nil {
		if e, ok := models.AsError(err); ok {
			return 0, e
		}
		return 0, storageError("failed to record tip", err)
	}
	db.logger.Debug("Recorded tip", "tip", tip.ID, "chapter", tip.ChapterID, "tip_count", tipCount)
	return tipCount, nil
}

func (db *PostgresDB) ListChapterTips(ctx context.Context, chapterID string) ([]models.Tip, error) {
	tips := []models.Tip{}
	err := db.Conn.WithContext(ctx).Where("chapter_id = ?", chapterID).Order("timestamp, id").Find(&tips).Error
	if err != nil {
		return nil, storageError("failed to list tips", err)
	}
	return tips, nil
}

func (db *PostgresDB) GetSupporter(ctx context.Context, userID, novelID string) (*models.Supporter, error) {
	var supporter models.Supporter
	err := db.Conn.WithContext(ctx).Where("user_id = ? AND novel_id = ?", userID, novelID).First(&supporter).Error
	if err != nil {
		return nil, storageError("failed to get supporter", err)
	}
	return &supporter, nil
}

// storageError maps gorm errors to the storage error codes.
func storageError(msg string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.Wrap(models.ErrNotFound, fmt.Errorf("%s: %w", msg, err))
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return models.Wrap(models.ErrConstraintViolation, fmt.Errorf("%s: %w", msg, err))
	default:
		return models.Wrap(models.ErrStorageFailure, fmt.Errorf("%s: %w", msg, err))
	}
}

func toAuthorizationRow(r *models.AuthorizationRecord) *authorizationRow {
	row := &authorizationRow{
		UserID:    r.UserID,
		Variant:   string(r.Variant),
		UpdatedAt: r.UpdatedAt,
	}
	if d := r.DelegatedSpend; d != nil {
		row.Account = d.Account
		row.Spender = d.Spender
		row.Token = d.Token
		row.Allowance = toNullDecimal(d.Allowance)
		row.Period = toNullDecimal(d.Period)
		row.ValidFrom = toNullDecimal(d.ValidFrom)
		row.ValidUntil = toNullDecimal(d.ValidUntil)
		row.Salt = toNullDecimal(d.Salt)
		row.ExtraData = d.ExtraData
		row.Signature = d.Signature
	}
	if s := r.StandingApproval; s != nil {
		row.OwnerWallet = s.OwnerWallet
		row.Grant = s.Grant
	}
	return row
}

func (row *authorizationRow) toRecord() *models.AuthorizationRecord {
	rec := &models.AuthorizationRecord{
		UserID:    row.UserID,
		Variant:   models.Variant(row.Variant),
		UpdatedAt: row.UpdatedAt,
	}
	switch rec.Variant {
	case models.VariantDelegatedSpend:
		rec.DelegatedSpend = &models.DelegatedSpend{
			Account:    row.Account,
			Spender:    row.Spender,
			Token:      row.Token,
			Allowance:  fromNullDecimal(row.Allowance),
			Period:     fromNullDecimal(row.Period),
			ValidFrom:  fromNullDecimal(row.ValidFrom),
			ValidUntil: fromNullDecimal(row.ValidUntil),
			Salt:       fromNullDecimal(row.Salt),
			ExtraData:  row.ExtraData,
			Signature:  row.Signature,
		}
	case models.VariantStandingApproval:
		rec.StandingApproval = &models.StandingApproval{
			OwnerWallet: row.OwnerWallet,
			Grant:       row.Grant,
		}
	}
	return rec
}

func toNullDecimal(v *big.Int) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromBigInt(v, 0))
}

func fromNullDecimal(d decimal.NullDecimal) *big.Int {
	if !d.Valid {
		return nil
	}
	return d.Decimal.BigInt()
}
