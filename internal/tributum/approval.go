package tributum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/signature"
	"github.com/core-coin/tributum/pkg/units"
	"github.com/core-coin/tributum/pkg/validation"
)

// standingGrant is the marker stored with a standing approval.
type standingGrant struct {
	ApprovalTx   string `json:"approval_tx"`
	RegisteredAt int64  `json:"registered_at"`
}

// ApproveAndTrialSpend verifies a signed spend permission, registers it on
// chain and proves it with a minimal debit. The user's record is replaced
// only when every step succeeded.
func (t *Tributum) ApproveAndTrialSpend(ctx context.Context, userID string, payload *models.PermissionPayload, sig string) (*models.ApprovalResult, error) {
	log := t.logger.With("user", userID)

	if payload == nil {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData, "missing permission payload", nil))
	}
	perm, err := signature.ToPermission(payload)
	if err != nil {
		return nil, t.rejectApproval(err)
	}
	if err := t.checkTerms(perm); err != nil {
		return nil, t.rejectApproval(err)
	}

	ok, err := t.verifier.Verify(perm, sig, perm.Account)
	if err != nil {
		return nil, t.rejectApproval(err)
	}
	if !ok {
		return nil, t.rejectApproval(models.ErrInvalidSignature)
	}
	rawSig, err := signature.DecodeSignature(sig)
	if err != nil {
		return nil, t.rejectApproval(err)
	}
	log.Debug("Permission signature verified", "account", perm.Account.Hex(), "salt", perm.Salt)

	trialAmount, err := units.ToBaseUnits(t.config.TrialAmount, t.config.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("invalid trial amount: %w", err)
	}

	if err := t.acquire(ctx); err != nil {
		return nil, t.rejectApproval(err)
	}
	defer t.release()

	approval, err := t.chain.ConsumeAuthorization(ctx, perm, rawSig)
	if err != nil {
		t.alertUnknownOutcome(ctx, userID, "Permission approval outcome unknown", err)
		return nil, t.rejectApproval(err)
	}
	if !approval.Success {
		return nil, t.rejectApproval(models.NewError(models.CodeSettlementRejected, "approval transaction reverted", nil).WithTxHash(approval.TxHash))
	}
	log.Debug("Permission approved on chain", "tx", approval.TxHash)

	trial, err := t.chain.TransferValue(ctx, perm, trialAmount)
	if err == nil && !trial.Success {
		err = models.NewError(models.CodeSettlementRejected, "trial debit reverted", nil).WithTxHash(trial.TxHash)
	}
	if err != nil {
		// The allowance is live on chain but unproven. It is not revoked and
		// not stored; the operators decide.
		t.alert(ctx, &models.Alert{
			Level:   models.AlertWarning,
			Title:   "Permission approved but trial debit failed",
			UserID:  userID,
			TxHash:  approval.TxHash,
			Details: err.Error(),
		})
		log.Warn("Trial debit failed", "approval_tx", approval.TxHash, "error", err)
		metrics.ApprovalsTotal.WithLabelValues("partial").Inc()
		return nil, models.NewError(models.CodeApprovalPartial, models.ErrApprovalPartial.Message, err).WithTxHash(approval.TxHash)
	}
	log.Debug("Trial debit settled", "tx", trial.TxHash, "units", trialAmount)

	rec := &models.AuthorizationRecord{
		UserID:         userID,
		Variant:        models.VariantDelegatedSpend,
		DelegatedSpend: models.NewDelegatedSpend(perm, sig),
		UpdatedAt:      t.now(),
	}
	if err := t.repo.ReplaceAuthorization(ctx, rec); err != nil {
		t.alert(ctx, &models.Alert{
			Level:   models.AlertCritical,
			Title:   "Permission approved but not stored",
			UserID:  userID,
			TxHash:  approval.TxHash,
			Details: err.Error(),
		})
		log.Error("Failed to store approved permission", "approval_tx", approval.TxHash, "error", err)
		metrics.ApprovalsTotal.WithLabelValues("failed").Inc()
		if e, ok := models.AsError(err); ok {
			return nil, e.WithTxHash(approval.TxHash)
		}
		return nil, models.Wrap(models.ErrStorageFailure, err).WithTxHash(approval.TxHash)
	}

	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	log.Info("Spend permission registered", "approval_tx", approval.TxHash, "trial_tx", trial.TxHash)

	return &models.ApprovalResult{
		ApprovalTxHash: approval.TxHash,
		TrialTxHash:    trial.TxHash,
		Variant:        models.VariantDelegatedSpend,
	}, nil
}

// checkTerms rejects permissions the service could never settle against.
// The trial debit runs immediately, so the window must already be open.
func (t *Tributum) checkTerms(perm *models.SpendPermission) error {
	if perm.Start.Cmp(perm.End) > 0 {
		return models.NewError(models.CodeMalformedData, "permission start is after its end", nil)
	}
	if perm.Allowance.Sign() <= 0 {
		return models.NewError(models.CodeMalformedData, "permission allowance must be positive", nil)
	}
	if perm.Spender != t.chain.SpenderAddress() {
		return models.NewError(models.CodeMalformedData, fmt.Sprintf("permission spender %s is not the service spender", perm.Spender.Hex()), nil)
	}
	if perm.Token != common.HexToAddress(t.config.TokenAddress) {
		return models.NewError(models.CodeMalformedData, fmt.Sprintf("permission token %s is not supported", perm.Token.Hex()), nil)
	}
	now := big.NewInt(t.now().Unix())
	if now.Cmp(perm.Start) < 0 {
		return models.ErrNotYetStarted
	}
	if now.Cmp(perm.End) > 0 {
		return models.ErrExpired
	}
	return nil
}

// RegisterStandingApproval stores a standing-approval record once the
// owner's ERC-20 approval transaction has succeeded on chain. The
// transaction must be sent by the owner to the token and must leave the
// service spender a positive allowance.
func (t *Tributum) RegisterStandingApproval(ctx context.Context, userID, ownerWallet, approvalTxHash string) (*models.ApprovalResult, error) {
	owner, err := validation.ValidateAndNormalizeAddress(ownerWallet)
	if err != nil {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData, "invalid owner wallet", err))
	}
	if err := validation.ValidateTxHash(approvalTxHash); err != nil {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData, "invalid approval transaction hash", err))
	}
	ownerAddr := common.HexToAddress(owner)

	status, err := t.chain.ApprovalEvidence(ctx, approvalTxHash, ownerAddr)
	if err != nil {
		return nil, t.rejectApproval(err)
	}
	if !status.Found {
		return nil, t.rejectApproval(models.NewError(models.CodeSettlementUnreachable, "approval transaction is not mined yet", nil).WithTxHash(approvalTxHash))
	}
	if !status.Success {
		return nil, t.rejectApproval(models.NewError(models.CodeSettlementRejected, "approval transaction failed", nil).WithTxHash(approvalTxHash))
	}
	if status.From != ownerAddr {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData,
			fmt.Sprintf("approval transaction was sent by %s, not the owner", status.From.Hex()), nil).WithTxHash(status.TxHash))
	}
	if status.To != common.HexToAddress(t.config.TokenAddress) {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData,
			fmt.Sprintf("approval transaction called %s, not the token", status.To.Hex()), nil).WithTxHash(status.TxHash))
	}
	if status.Granted == nil || status.Granted.Sign() <= 0 {
		return nil, t.rejectApproval(models.NewError(models.CodeMalformedData, "approval transaction grants the service no allowance", nil).WithTxHash(status.TxHash))
	}

	grant, err := json.Marshal(standingGrant{ApprovalTx: status.TxHash, RegisteredAt: t.now().Unix()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode grant: %w", err)
	}
	rec := &models.AuthorizationRecord{
		UserID:  userID,
		Variant: models.VariantStandingApproval,
		StandingApproval: &models.StandingApproval{
			OwnerWallet: owner,
			Grant:       datatypes.JSON(grant),
		},
		UpdatedAt: t.now(),
	}
	if err := t.repo.ReplaceAuthorization(ctx, rec); err != nil {
		metrics.ApprovalsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.ApprovalsTotal.WithLabelValues("standing").Inc()
	t.logger.Info("Standing approval registered", "user", userID, "owner", owner, "approval_tx", status.TxHash, "allowance", status.Granted)

	return &models.ApprovalResult{
		ApprovalTxHash: status.TxHash,
		Variant:        models.VariantStandingApproval,
	}, nil
}

func (t *Tributum) rejectApproval(err error) error {
	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
	return err
}

func (t *Tributum) alertUnknownOutcome(ctx context.Context, userID, title string, err error) {
	e, ok := models.AsError(err)
	if !ok || e.Code != models.CodeSettlementUnreachable {
		return
	}
	t.alert(ctx, &models.Alert{
		Level:   models.AlertWarning,
		Title:   title,
		UserID:  userID,
		TxHash:  e.TxHash,
		Details: e.Error(),
	})
}
