package blockchain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

const (
	testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	// accountKey controls testAccount.
	accountKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	testManager = common.HexToAddress("0xf85210B21cC50302F477BA56686d2019dC9b67Ad")
	testToken   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// fakeBackend answers the calls bind makes for a legacy transaction.
// Unused Backend methods panic through the nil embedded interface.
type fakeBackend struct {
	Backend

	mu          sync.Mutex
	estimateErr error
	sent        []*types.Transaction
	mined       []*types.Transaction
	status      uint64
	logs        func(tx *types.Transaction) []*types.Log
	nonce       uint64
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.lookup(txHash)
	if tx != nil {
		receipt := &types.Receipt{
			TxHash:      txHash,
			Status:      f.status,
			BlockNumber: big.NewInt(100),
		}
		if f.logs != nil {
			receipt.Logs = f.logs(tx)
		}
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx := f.lookup(txHash); tx != nil {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

// lookup finds a transaction the service sent or one mined by someone else.
func (f *fakeBackend) lookup(txHash common.Hash) *types.Transaction {
	for _, txs := range [][]*types.Transaction{f.sent, f.mined} {
		for _, tx := range txs {
			if tx.Hash() == txHash {
				return tx
			}
		}
	}
	return nil
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	c := &Client{
		logger:          logger.NewNop(),
		key:             key,
		spender:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:         big.NewInt(8453),
		managerAddress:  testManager,
		tokenAddress:    testToken,
		finalityTimeout: 5 * time.Second,
	}
	if err := c.attach(backend); err != nil {
		t.Fatalf("failed to attach backend: %v", err)
	}
	return c
}

func testPermission(spender common.Address) *models.SpendPermission {
	return &models.SpendPermission{
		Account:   testAccount,
		Spender:   spender,
		Token:     testToken,
		Allowance: big.NewInt(1_000_000),
		Period:    big.NewInt(86400),
		Start:     big.NewInt(1_700_000_000),
		End:       big.NewInt(1_900_000_000),
		Salt:      big.NewInt(7),
	}
}

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func approvalLog(token, owner, spender common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			approvalEventID,
			common.BytesToHash(owner.Bytes()),
			common.BytesToHash(spender.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// accountTx signs a transaction from testAccount to the given contract.
func accountTx(t *testing.T, to common.Address) *types.Transaction {
	t.Helper()
	key, err := crypto.HexToECDSA(accountKey)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    3,
		To:       &to,
		Gas:      60_000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     []byte{0x09, 0x5e, 0xa7, 0xb3},
	}), types.LatestSignerForChainID(big.NewInt(8453)), key)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return tx
}

func TestABIPacking(t *testing.T) {
	managerABI, err := abi.JSON(strings.NewReader(SpendPermissionManagerABI))
	if err != nil {
		t.Fatalf("failed to parse manager ABI: %v", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		t.Fatalf("failed to parse token ABI: %v", err)
	}

	perm := testPermission(common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))

	tests := []struct {
		name     string
		abi      abi.ABI
		method   string
		args     []interface{}
		selector string
	}{
		{"approveWithSignature", managerABI, "approveWithSignature", []interface{}{toTuple(perm), []byte{1, 2, 3}}, "approveWithSignature((address,address,address,uint160,uint48,uint48,uint48,uint256,bytes),bytes)"},
		{"spend", managerABI, "spend", []interface{}{toTuple(perm), big.NewInt(10_000)}, "spend((address,address,address,uint160,uint48,uint48,uint48,uint256,bytes),uint160)"},
		{"transferFrom", tokenABI, "transferFrom", []interface{}{testAccount, testManager, big.NewInt(10_000)}, "transferFrom(address,address,uint256)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.abi.Pack(tt.method, tt.args...)
			if err != nil {
				t.Fatalf("failed to pack: %v", err)
			}
			want := crypto.Keccak256([]byte(tt.selector))[:4]
			if string(data[:4]) != string(want) {
				t.Errorf("selector mismatch: got %x, want %x", data[:4], want)
			}
		})
	}
}

func TestClassifySubmitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorCode
	}{
		{"reverted", errors.New("failed to estimate gas needed: execution reverted: SpendPermissionManager: ExceededSpendPermission"), models.CodeSettlementRejected},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), models.CodeSettlementRejected},
		{"nonce too low", errors.New("nonce too low"), models.CodeSettlementRejected},
		{"deadline", context.DeadlineExceeded, models.CodeSettlementUnreachable},
		{"canceled", context.Canceled, models.CodeSettlementUnreachable},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), models.CodeSettlementUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySubmitError("spend", tt.err)
			if got.Code != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Code)
			}
			if !errors.Is(got, tt.err) {
				t.Error("expected the cause to stay in the chain")
			}
		})
	}
}

func TestTransferredTo(t *testing.T) {
	spender := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	other := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(testToken, testAccount, spender, big.NewInt(6000)),
		transferLog(testToken, testAccount, other, big.NewInt(100)),
		transferLog(testManager, testAccount, spender, big.NewInt(999)),
		transferLog(testToken, testAccount, spender, big.NewInt(4000)),
	}}

	got := transferredTo(receipt, testToken, spender)
	if got.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("expected 10000, got %s", got)
	}

	if transferredTo(&types.Receipt{}, testToken, spender).Sign() != 0 {
		t.Error("expected zero for a receipt without logs")
	}
}

func TestTransferValue(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, backend)
	backend.logs = func(tx *types.Transaction) []*types.Log {
		return []*types.Log{transferLog(testToken, testAccount, c.SpenderAddress(), big.NewInt(10_000))}
	}

	receipt, err := c.TransferValue(context.Background(), testPermission(c.SpenderAddress()), big.NewInt(10_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Success {
		t.Error("expected a successful receipt")
	}
	if receipt.Transferred.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("expected 10000 transferred, got %s", receipt.Transferred)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != testManager {
		t.Errorf("expected the transaction to target the manager, got %v", tx.To())
	}
	if receipt.TxHash != tx.Hash().Hex() {
		t.Errorf("expected hash %s, got %s", tx.Hash().Hex(), receipt.TxHash)
	}
}

func TestTransferValueReverted(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed}
	c := newTestClient(t, backend)

	receipt, err := c.TransferValue(context.Background(), testPermission(c.SpenderAddress()), big.NewInt(10_000))
	if err != nil {
		t.Fatalf("a mined revert must not be an error, got %v", err)
	}
	if receipt.Success {
		t.Error("expected a failed receipt")
	}
}

func TestTransferFromApprovedRejected(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted: ERC20: insufficient allowance")}
	c := newTestClient(t, backend)

	_, err := c.TransferFromApproved(context.Background(), testAccount, big.NewInt(10_000))
	if !errors.Is(err, models.ErrSettlementRejected) {
		t.Fatalf("expected settlement rejected, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Error("nothing should be broadcast when gas estimation fails")
	}
}

func TestSubmissionNoncesAreSequential(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.TransferFromApproved(context.Background(), testAccount, big.NewInt(1)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != 8 {
		t.Errorf("expected 8 distinct nonces, got %d", len(seen))
	}
}

func TestReceiptStatus(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, backend)

	status, err := c.ReceiptStatus(context.Background(), "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Found {
		t.Error("expected an unknown transaction to be reported as not found")
	}

	receipt, err := c.TransferFromApproved(context.Background(), testAccount, big.NewInt(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err = c.ReceiptStatus(context.Background(), receipt.TxHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Found || !status.Success || status.BlockNumber != 100 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestApprovedTo(t *testing.T) {
	spender := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	other := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	receipt := &types.Receipt{Logs: []*types.Log{
		approvalLog(testToken, testAccount, spender, big.NewInt(1_000)),
		approvalLog(testToken, testAccount, other, big.NewInt(9_999)),
		approvalLog(testToken, other, spender, big.NewInt(9_999)),
		approvalLog(testManager, testAccount, spender, big.NewInt(9_999)),
		transferLog(testToken, testAccount, spender, big.NewInt(9_999)),
		approvalLog(testToken, testAccount, spender, big.NewInt(5_000)),
	}}

	if got := approvedTo(receipt, testToken, testAccount, spender); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Errorf("expected the last approval 5000, got %s", got)
	}
	if approvedTo(receipt, testToken, other, other).Sign() != 0 {
		t.Error("expected zero without a matching approval")
	}
}

func TestApprovalEvidence(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, backend)
	approval := accountTx(t, testToken)
	unrelated := accountTx(t, testManager)
	backend.mined = []*types.Transaction{approval, unrelated}
	backend.logs = func(tx *types.Transaction) []*types.Log {
		if tx.Hash() == approval.Hash() {
			return []*types.Log{approvalLog(testToken, testAccount, c.SpenderAddress(), big.NewInt(5_000_000))}
		}
		return nil
	}
	ctx := context.Background()

	evidence, err := c.ApprovalEvidence(ctx, approval.Hash().Hex(), testAccount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !evidence.Found || !evidence.Success {
		t.Fatalf("expected a mined successful transaction, got %+v", evidence)
	}
	if evidence.From != testAccount || evidence.To != testToken {
		t.Errorf("unexpected sender %s or target %s", evidence.From.Hex(), evidence.To.Hex())
	}
	if evidence.Granted.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("expected 5000000 granted, got %s", evidence.Granted)
	}

	evidence, err = c.ApprovalEvidence(ctx, unrelated.Hash().Hex(), testAccount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence.To != testManager || evidence.Granted.Sign() != 0 {
		t.Errorf("expected no allowance from an unrelated call, got %+v", evidence)
	}

	evidence, err = c.ApprovalEvidence(ctx, "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", testAccount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence.Found {
		t.Error("expected an unknown transaction to be reported as not found")
	}
}
