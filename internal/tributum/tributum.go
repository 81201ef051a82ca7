// Package tributum settles chapter tips against users' spend permissions and
// registers new permissions.
package tributum

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/permission"
	"github.com/core-coin/tributum/internal/signature"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

type tipKey struct {
	userID    string
	chapterID string
}

// Tributum is the tip engine. It holds no per-request state other than the
// set of (user, chapter) pairs currently being settled.
type Tributum struct {
	logger *logger.Logger
	config *config.Config

	repo     models.Repository
	chain    models.SettlementClient
	alerter  models.Alerter
	verifier *signature.Verifier

	// settlements bounds the number of transactions waiting for finality.
	settlements *semaphore.Weighted

	inflightMu sync.Mutex
	inflight   map[tipKey]struct{}

	now func() time.Time
}

// NewTributum creates a new Tributum instance
func NewTributum(
	repo models.Repository,
	chain models.SettlementClient,
	alerter models.Alerter,
	logger *logger.Logger,
	config *config.Config,
) *Tributum {
	domain := signature.Domain{
		Name:              config.DomainName,
		Version:           config.DomainVersion,
		ChainID:           config.ChainID,
		VerifyingContract: common.HexToAddress(config.SpendPermissionManagerAddress),
	}
	return &Tributum{
		logger:      logger,
		config:      config,
		repo:        repo,
		chain:       chain,
		alerter:     alerter,
		verifier:    signature.NewVerifier(domain),
		settlements: semaphore.NewWeighted(config.MaxConcurrentSettlements),
		inflight:    make(map[tipKey]struct{}),
		now:         time.Now,
	}
}

// PermissionStatus classifies the user's stored permission. Absent and
// malformed records are reported as a status, not an error.
func (t *Tributum) PermissionStatus(ctx context.Context, userID string) (*models.PermissionView, error) {
	rec, err := t.repo.GetAuthorization(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := permission.Classify(rec, t.now())
	view := &models.PermissionView{
		UserID:  userID,
		Status:  string(status.Code),
		Variant: status.Variant,
	}
	if status.Boundary != nil {
		view.Boundary = status.Boundary.Unix()
	}
	return view, nil
}

// SettlementStatus re-queries a transaction on chain.
func (t *Tributum) SettlementStatus(ctx context.Context, txHash string) (*models.SettlementStatus, error) {
	if err := validation.ValidateTxHash(txHash); err != nil {
		return nil, models.NewError(models.CodeMalformedData, "invalid transaction hash", err)
	}
	return t.chain.ReceiptStatus(ctx, txHash)
}

// ChapterLedger reads a chapter and its tips.
func (t *Tributum) ChapterLedger(ctx context.Context, chapterID string) (*models.ChapterLedger, error) {
	chapter, err := t.repo.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	tips, err := t.repo.ListChapterTips(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return &models.ChapterLedger{Chapter: chapter, Tips: tips}, nil
}

// claim marks (userID, chapterID) as being settled. It returns false if
// another request already holds the pair.
func (t *Tributum) claim(userID, chapterID string) (func(), bool) {
	key := tipKey{userID, chapterID}

	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, busy := t.inflight[key]; busy {
		return nil, false
	}
	t.inflight[key] = struct{}{}

	return func() {
		t.inflightMu.Lock()
		delete(t.inflight, key)
		t.inflightMu.Unlock()
	}, true
}

// acquire takes a settlement slot. Nothing has been submitted when it fails,
// so the caller may retry.
func (t *Tributum) acquire(ctx context.Context) error {
	if err := t.settlements.Acquire(ctx, 1); err != nil {
		return models.NewError(models.CodeSettlementUnreachable, "no settlement slot available", err)
	}
	return nil
}

func (t *Tributum) release() {
	t.settlements.Release(1)
}

// alert hands an alert to the operators. It outlives the request context.
func (t *Tributum) alert(ctx context.Context, alert *models.Alert) {
	if t.alerter == nil {
		return
	}
	t.alerter.Alert(context.WithoutCancel(ctx), alert)
}
