package tributum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/permission"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/units"
)

// tipState is a step of the tip state machine, used in logs.
type tipState string

const (
	stateStart              tipState = "start"
	statePermissionChecked  tipState = "permission_checked"
	stateIdempotencyChecked tipState = "idempotency_checked"
	stateSettling           tipState = "settling"
	stateRecorded           tipState = "recorded"
	stateRejected           tipState = "rejected"
	stateSettlementFailed   tipState = "settlement_failed"
)

// TipChapter settles one tip from userID for chapterID and records it.
//
// Nothing is written unless the settlement transaction succeeded. Rejections
// before settlement never touch the chain.
func (t *Tributum) TipChapter(ctx context.Context, userID, chapterID string) (*models.TipResult, error) {
	log := t.logger.With("user", userID, "chapter", chapterID)
	log.Debug("Tip requested", "state", stateStart)

	chapter, err := t.repo.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, t.rejectTip(log, err)
	}

	rec, err := t.repo.GetAuthorization(ctx, userID)
	if err != nil {
		return nil, t.rejectTip(log, err)
	}
	status := permission.Classify(rec, t.now())
	if !status.Valid() {
		return nil, t.rejectTip(log, status.Err())
	}
	log.Debug("Permission checked", "state", statePermissionChecked, "variant", rec.Variant)

	release, ok := t.claim(userID, chapterID)
	if !ok {
		return nil, t.rejectTip(log, models.Wrap(models.ErrAlreadyTipped, errors.New("tip in progress")))
	}
	defer release()

	exists, err := t.repo.TipExists(ctx, userID, chapterID)
	if err != nil {
		return nil, t.rejectTip(log, err)
	}
	if exists {
		return nil, t.rejectTip(log, models.Wrap(models.ErrAlreadyTipped, nil))
	}
	log.Debug("Idempotency checked", "state", stateIdempotencyChecked)

	amount, err := t.tipAmount(ctx, userID)
	if err != nil {
		return nil, t.rejectTip(log, err)
	}
	baseUnits, err := units.ToBaseUnits(amount, t.config.TokenDecimals)
	if err != nil {
		return nil, t.rejectTip(log, models.NewError(models.CodeMalformedData, "invalid tip amount", err))
	}

	if err := t.acquire(ctx); err != nil {
		return nil, t.rejectTip(log, err)
	}
	log.Debug("Settling", "state", stateSettling, "amount", amount, "units", baseUnits)
	receipt, err := t.settle(ctx, rec, baseUnits)
	t.release()
	if err != nil {
		return nil, t.failSettlement(ctx, log, userID, err)
	}
	if !receipt.Success {
		return nil, t.failSettlement(ctx, log, userID,
			models.NewError(models.CodeSettlementRejected, "settlement transaction reverted", nil).WithTxHash(receipt.TxHash))
	}
	// The ledger records what the receipt shows arriving, when it shows anything.
	settled, settledUnits := amount, baseUnits
	if receipt.Transferred != nil && receipt.Transferred.Sign() > 0 {
		settled, settledUnits = units.FromBaseUnits(receipt.Transferred, t.config.TokenDecimals), receipt.Transferred
		if settledUnits.Cmp(baseUnits) != 0 {
			log.Warn("Settled amount differs from tip amount", "tx", receipt.TxHash, "expected", amount, "transferred", settled)
		}
	}

	tip := &models.Tip{
		ID:        uuid.NewString(),
		UserID:    userID,
		NovelID:   chapter.NovelID,
		ChapterID: chapterID,
		Amount:    settled,
		TxHash:    receipt.TxHash,
		Timestamp: t.now().Unix(),
	}
	tipCount, err := t.repo.RecordTip(ctx, tip)
	if err != nil {
		// Funds moved on chain but the ledger has no entry.
		t.alert(ctx, &models.Alert{
			Level:   models.AlertCritical,
			Title:   "Tip settled but not recorded",
			UserID:  userID,
			TxHash:  receipt.TxHash,
			Details: fmt.Sprintf("chapter %s, amount %s: %v", chapterID, settled, err),
		})
		log.Error("Failed to record settled tip", "tx", receipt.TxHash, "error", err)
		if e, ok := models.AsError(err); ok {
			return nil, t.rejectTip(log, e.WithTxHash(receipt.TxHash))
		}
		return nil, t.rejectTip(log, models.Wrap(models.ErrStorageFailure, err).WithTxHash(receipt.TxHash))
	}

	metrics.TipsRecordedTotal.Inc()
	log.Debug("Tip recorded", "state", stateRecorded, "tx", receipt.TxHash, "tip_count", tipCount)

	return &models.TipResult{
		TxHash:      receipt.TxHash,
		NewTipCount: tipCount,
		Amount:      settled,
		AmountUnits: settledUnits.String(),
	}, nil
}

// tipAmount is the user's configured tip, or the default when unset or when
// the user has no record.
func (t *Tributum) tipAmount(ctx context.Context, userID string) (decimal.Decimal, error) {
	user, err := t.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return t.config.DefaultTipAmount, nil
		}
		return decimal.Zero, err
	}
	if !user.TipAmount.Valid || !user.TipAmount.Decimal.IsPositive() {
		return t.config.DefaultTipAmount, nil
	}
	return user.TipAmount.Decimal, nil
}

// settle moves amount base units to the service through the user's authorization.
func (t *Tributum) settle(ctx context.Context, rec *models.AuthorizationRecord, amount *big.Int) (*models.TxReceipt, error) {
	started := time.Now()
	metrics.SettlementsInFlight.Inc()
	defer func() {
		metrics.SettlementsInFlight.Dec()
		metrics.SettlementDuration.WithLabelValues(string(rec.Variant)).Observe(time.Since(started).Seconds())
	}()

	switch rec.Variant {
	case models.VariantStandingApproval:
		owner := rec.StandingApproval.OwnerWallet
		if !common.IsHexAddress(owner) {
			return nil, models.NewError(models.CodeMalformedData, "standing approval has no valid owner wallet", nil)
		}
		return t.chain.TransferFromApproved(ctx, common.HexToAddress(owner), amount)
	case models.VariantDelegatedSpend:
		perm, err := rec.DelegatedSpend.Permission()
		if err != nil {
			return nil, err
		}
		return t.chain.TransferValue(ctx, perm, amount)
	default:
		return nil, models.NewError(models.CodeMalformedData, fmt.Sprintf("unknown authorization variant %q", rec.Variant), nil)
	}
}

// rejectTip counts and logs a tip that ends without a recorded tip.
// Permission and idempotency rejections are expected and logged at debug.
func (t *Tributum) rejectTip(log *logger.Logger, err error) error {
	code := "UNKNOWN"
	if e, ok := models.AsError(err); ok {
		code = string(e.Code)
		switch e.Kind() {
		case models.KindPermission, models.KindIdempotency:
			log.Debug("Tip rejected", "state", stateRejected, "code", code)
		default:
			log.Warn("Tip failed", "state", stateRejected, "code", code, "error", err)
		}
	} else {
		log.Error("Tip failed", "state", stateRejected, "error", err)
	}
	metrics.TipsRejectedTotal.WithLabelValues(code).Inc()
	return err
}

// failSettlement handles a settlement that did not succeed. An unknown
// outcome is escalated to the operators with the transaction reference.
func (t *Tributum) failSettlement(ctx context.Context, log *logger.Logger, userID string, err error) error {
	e, ok := models.AsError(err)
	if !ok {
		e = models.Wrap(models.ErrSettlementUnreachable, err)
	}
	if e.Code == models.CodeSettlementUnreachable {
		t.alert(ctx, &models.Alert{
			Level:   models.AlertWarning,
			Title:   "Tip settlement outcome unknown",
			UserID:  userID,
			TxHash:  e.TxHash,
			Details: e.Error(),
		})
	}
	log.Warn("Settlement failed", "state", stateSettlementFailed, "code", e.Code, "tx", e.TxHash, "error", e.Err)
	metrics.TipsRejectedTotal.WithLabelValues(string(e.Code)).Inc()
	return e
}
