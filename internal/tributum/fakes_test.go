package tributum

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/pkg/logger"
)

var (
	testNow     = time.Unix(1_750_000_000, 0)
	testSpender = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testOwner   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// fakeChain records every call and answers with a successful receipt unless
// a hook overrides it.
type fakeChain struct {
	mu sync.Mutex

	consume      func(n int) (*models.TxReceipt, error)
	transfer     func(n int, amount *big.Int) (*models.TxReceipt, error)
	transferFrom func(n int, amount *big.Int) (*models.TxReceipt, error)
	statuses     map[string]*models.SettlementStatus
	evidence     map[string]*models.ApprovalEvidence

	consumeCalls      int
	transferCalls     int
	transferFromCalls int
	amounts           []*big.Int
	owners            []common.Address
	txCounter         int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		statuses: make(map[string]*models.SettlementStatus),
		evidence: make(map[string]*models.ApprovalEvidence),
	}
}

func (f *fakeChain) nextHash() string {
	f.txCounter++
	return fmt.Sprintf("0x%064x", f.txCounter)
}

func (f *fakeChain) ConsumeAuthorization(ctx context.Context, perm *models.SpendPermission, signature []byte) (*models.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeCalls++
	if f.consume != nil {
		return f.consume(f.consumeCalls)
	}
	return &models.TxReceipt{TxHash: f.nextHash(), Success: true}, nil
}

func (f *fakeChain) TransferValue(ctx context.Context, perm *models.SpendPermission, amount *big.Int) (*models.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	f.amounts = append(f.amounts, new(big.Int).Set(amount))
	if f.transfer != nil {
		return f.transfer(f.transferCalls, amount)
	}
	return &models.TxReceipt{TxHash: f.nextHash(), Success: true, Transferred: new(big.Int).Set(amount)}, nil
}

func (f *fakeChain) TransferFromApproved(ctx context.Context, owner common.Address, amount *big.Int) (*models.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferFromCalls++
	f.amounts = append(f.amounts, new(big.Int).Set(amount))
	f.owners = append(f.owners, owner)
	if f.transferFrom != nil {
		return f.transferFrom(f.transferFromCalls, amount)
	}
	return &models.TxReceipt{TxHash: f.nextHash(), Success: true, Transferred: new(big.Int).Set(amount)}, nil
}

func (f *fakeChain) ReceiptStatus(ctx context.Context, txHash string) (*models.SettlementStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return &models.SettlementStatus{TxHash: txHash}, nil
}

func (f *fakeChain) ApprovalEvidence(ctx context.Context, txHash string, owner common.Address) (*models.ApprovalEvidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if evidence, ok := f.evidence[txHash]; ok {
		return evidence, nil
	}
	return &models.ApprovalEvidence{SettlementStatus: models.SettlementStatus{TxHash: txHash}}, nil
}

func (f *fakeChain) SpenderAddress() common.Address {
	return testSpender
}

func (f *fakeChain) chainCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumeCalls + f.transferCalls + f.transferFromCalls
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (f *fakeAlerter) Alert(ctx context.Context, alert *models.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeAlerter) all() []*models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Alert(nil), f.alerts...)
}

func testConfig() *config.Config {
	return &config.Config{
		ChainID:                       big.NewInt(8453),
		SpendPermissionManagerAddress: "0xf85210B21cC50302F477BA56686d2019dC9b67Ad",
		TokenAddress:                  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenDecimals:                 6,
		MaxConcurrentSettlements:      4,
		DomainName:                    "Spend Permission Manager",
		DomainVersion:                 "1",
		DefaultTipAmount:              decimal.RequireFromString("0.01"),
		TrialAmount:                   decimal.RequireFromString("0.000001"),
	}
}

type testEnv struct {
	tributum *Tributum
	repo     *repository.MemoryDB
	chain    *fakeChain
	alerter  *fakeAlerter
	config   *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	repo := repository.NewMemoryDB(logger.NewNop())
	chain := newFakeChain()
	alerter := &fakeAlerter{}

	tr := NewTributum(repo, chain, alerter, logger.NewNop(), cfg)
	tr.now = func() time.Time { return testNow }

	ctx := context.Background()
	if err := repo.UpsertChapter(ctx, &models.Chapter{ID: "chapter-1", NovelID: "novel-1"}); err != nil {
		t.Fatalf("failed to seed chapter: %v", err)
	}
	if err := repo.UpsertChapter(ctx, &models.Chapter{ID: "chapter-2", NovelID: "novel-1"}); err != nil {
		t.Fatalf("failed to seed chapter: %v", err)
	}

	return &testEnv{tributum: tr, repo: repo, chain: chain, alerter: alerter, config: cfg}
}

func (e *testEnv) grantDelegated(t *testing.T, userID string, validFrom, validUntil int64) {
	t.Helper()
	rec := &models.AuthorizationRecord{
		UserID:  userID,
		Variant: models.VariantDelegatedSpend,
		DelegatedSpend: &models.DelegatedSpend{
			Account:    testOwner.Hex(),
			Spender:    testSpender.Hex(),
			Token:      e.config.TokenAddress,
			Allowance:  big.NewInt(1_000_000),
			Period:     big.NewInt(86400),
			ValidFrom:  big.NewInt(validFrom),
			ValidUntil: big.NewInt(validUntil),
			Salt:       big.NewInt(1),
			Signature:  "0x01",
		},
	}
	if err := e.repo.ReplaceAuthorization(context.Background(), rec); err != nil {
		t.Fatalf("failed to seed authorization: %v", err)
	}
}

func (e *testEnv) grantStanding(t *testing.T, userID string) {
	t.Helper()
	rec := &models.AuthorizationRecord{
		UserID:           userID,
		Variant:          models.VariantStandingApproval,
		StandingApproval: &models.StandingApproval{OwnerWallet: testOwner.Hex()},
	}
	if err := e.repo.ReplaceAuthorization(context.Background(), rec); err != nil {
		t.Fatalf("failed to seed authorization: %v", err)
	}
}

func (e *testEnv) tipCount(t *testing.T, chapterID string) int64 {
	t.Helper()
	chapter, err := e.repo.GetChapter(context.Background(), chapterID)
	if err != nil {
		t.Fatalf("failed to get chapter: %v", err)
	}
	return chapter.TipCount
}
