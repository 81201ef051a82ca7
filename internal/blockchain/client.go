package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

const (
	// rpcTimeout bounds single RPC round trips that are not finality waits.
	rpcTimeout = 10 * time.Second
	// confirmationPollInterval is how often the head is polled while waiting for confirmations.
	confirmationPollInterval = time.Second
)

// Backend is what the client needs from an Ethereum node connection.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ethereum.TransactionReader
}

// Client is the chain settlement client. Transaction submission is
// serialized so the pending nonce of the spender key is never raced;
// finality waits run concurrently.
type Client struct {
	logger *logger.Logger
	config *config.Config

	rpcURL  string
	rpc     *ethclient.Client
	backend Backend

	key     *ecdsa.PrivateKey
	spender common.Address
	chainID *big.Int

	managerAddress common.Address
	tokenAddress   common.Address

	finalityTimeout time.Duration
	confirmations   uint64

	submitMu sync.Mutex

	managerContract *bind.BoundContract
	tokenContract   *bind.BoundContract
}

// NewClient creates a new chain settlement client. Run must be called before use.
func NewClient(cfg *config.Config, logger *logger.Logger) (*Client, error) {
	key, err := cfg.SpenderKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse spender key: %w", err)
	}
	return &Client{
		logger:          logger,
		config:          cfg,
		rpcURL:          cfg.RPCURL,
		key:             key,
		spender:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:         cfg.ChainID,
		managerAddress:  common.HexToAddress(cfg.SpendPermissionManagerAddress),
		tokenAddress:    common.HexToAddress(cfg.TokenAddress),
		finalityTimeout: cfg.FinalityTimeout,
		confirmations:   cfg.Confirmations,
	}, nil
}

// Run connects to the RPC endpoint, checks the network and builds the contract bindings.
func (c *Client) Run(ctx context.Context) error {
	if err := c.ConnectToRPC(ctx); err != nil {
		return fmt.Errorf("failed to connect to the RPC server: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	chainID, err := c.rpc.ChainID(callCtx)
	if err != nil {
		return fmt.Errorf("failed to query chain id: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		return fmt.Errorf("RPC endpoint serves chain %s, configured chain is %s", chainID, c.chainID)
	}

	if err := c.attach(c.rpc); err != nil {
		return fmt.Errorf("failed to build bindings: %w", err)
	}

	decimals, err := c.TokenDecimals(ctx)
	if err != nil {
		c.logger.Warn("Could not read token decimals", "token", c.tokenAddress.Hex(), "error", err)
	} else if int32(decimals) != c.config.TokenDecimals {
		return fmt.Errorf("token %s has %d decimals, configured %d", c.tokenAddress.Hex(), decimals, c.config.TokenDecimals)
	}

	c.logger.Info("Connected to chain", "chain_id", chainID, "spender", c.spender.Hex(), "manager", c.managerAddress.Hex(), "token", c.tokenAddress.Hex())
	return nil
}

func (c *Client) ConnectToRPC(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return err
	}
	c.rpc = client
	return nil
}

// attach builds the contract bindings on top of backend.
func (c *Client) attach(backend Backend) error {
	managerABI, err := abi.JSON(strings.NewReader(SpendPermissionManagerABI))
	if err != nil {
		return fmt.Errorf("failed to parse SpendPermissionManager ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}

	c.backend = backend
	c.managerContract = bind.NewBoundContract(c.managerAddress, managerABI, backend, backend, backend)
	c.tokenContract = bind.NewBoundContract(c.tokenAddress, tokenABI, backend, backend, backend)
	return nil
}

func (c *Client) Close() error {
	if c.rpc != nil {
		c.rpc.Close()
	}
	return nil
}

// SpenderAddress is the address transactions are sent from.
func (c *Client) SpenderAddress() common.Address {
	return c.spender
}

// ConsumeAuthorization registers a signed spend permission with approveWithSignature.
func (c *Client) ConsumeAuthorization(ctx context.Context, perm *models.SpendPermission, signature []byte) (*models.TxReceipt, error) {
	receipt, err := c.transact(ctx, c.managerContract, "approveWithSignature", toTuple(perm), signature)
	if err != nil {
		return nil, err
	}
	return toReceipt(receipt), nil
}

// TransferValue spends amount base units under perm. The tokens arrive at the spender.
func (c *Client) TransferValue(ctx context.Context, perm *models.SpendPermission, amount *big.Int) (*models.TxReceipt, error) {
	receipt, err := c.transact(ctx, c.managerContract, "spend", toTuple(perm), amount)
	if err != nil {
		return nil, err
	}
	r := toReceipt(receipt)
	r.Transferred = transferredTo(receipt, perm.Token, c.spender)
	return r, nil
}

// TransferFromApproved pulls amount base units from owner through a standing ERC-20 allowance.
func (c *Client) TransferFromApproved(ctx context.Context, owner common.Address, amount *big.Int) (*models.TxReceipt, error) {
	receipt, err := c.transact(ctx, c.tokenContract, "transferFrom", owner, c.spender, amount)
	if err != nil {
		return nil, err
	}
	r := toReceipt(receipt)
	r.Transferred = transferredTo(receipt, c.tokenAddress, c.spender)
	return r, nil
}

// ReceiptStatus re-queries a transaction. Found is false while it is unknown or pending.
func (c *Client) ReceiptStatus(ctx context.Context, txHash string) (*models.SettlementStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &models.SettlementStatus{TxHash: hash.Hex(), Found: false}, nil
		}
		return nil, models.Wrap(models.ErrSettlementUnreachable, fmt.Errorf("failed to get transaction receipt: %w", err)).WithTxHash(hash.Hex())
	}
	return &models.SettlementStatus{
		TxHash:      hash.Hex(),
		Found:       true,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// ApprovalEvidence loads txHash with its receipt and reports who sent it,
// which contract it called and the allowance it gave the spender on behalf
// of owner. Found is false while the transaction is unknown or pending.
func (c *Client) ApprovalEvidence(ctx context.Context, txHash string, owner common.Address) (*models.ApprovalEvidence, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	evidence := &models.ApprovalEvidence{
		SettlementStatus: models.SettlementStatus{TxHash: hash.Hex()},
		Granted:          new(big.Int),
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return evidence, nil
		}
		return nil, models.Wrap(models.ErrSettlementUnreachable, fmt.Errorf("failed to get transaction receipt: %w", err)).WithTxHash(hash.Hex())
	}
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, models.Wrap(models.ErrSettlementUnreachable, fmt.Errorf("failed to get transaction: %w", err)).WithTxHash(hash.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, models.NewError(models.CodeMalformedData, "cannot recover approval transaction sender", err).WithTxHash(hash.Hex())
	}

	evidence.Found = true
	evidence.Success = receipt.Status == types.ReceiptStatusSuccessful
	if receipt.BlockNumber != nil {
		evidence.BlockNumber = receipt.BlockNumber.Uint64()
	}
	evidence.From = from
	if tx.To() != nil {
		evidence.To = *tx.To()
	}
	if evidence.Success {
		evidence.Granted = approvedTo(receipt, c.tokenAddress, owner, c.spender)
	}
	return evidence, nil
}

// TokenDecimals reads decimals() from the token contract.
func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	results := []interface{}{}
	err := c.tokenContract.Call(&bind.CallOpts{Context: ctx}, &results, "decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to get decimals: %w", err)
	}
	decimals, ok := results[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", results[0])
	}
	return decimals, nil
}

// transact submits a call and blocks until it is mined, or until the
// finality timeout elapses.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Receipt, error) {
	tx, err := c.submit(ctx, contract, method, args...)
	if err != nil {
		return nil, err
	}
	txHash := tx.Hash().Hex()
	c.logger.Debug("Transaction submitted", "method", method, "tx", txHash, "nonce", tx.Nonce())

	waitCtx, cancel := context.WithTimeout(ctx, c.finalityTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, models.Wrap(models.ErrSettlementUnreachable, fmt.Errorf("waiting for %s: %w", method, err)).WithTxHash(txHash)
	}

	if c.confirmations > 0 && receipt.Status == types.ReceiptStatusSuccessful {
		receipt, err = c.waitConfirmations(waitCtx, receipt)
		if err != nil {
			return nil, models.Wrap(models.ErrSettlementUnreachable, fmt.Errorf("confirming %s: %w", method, err)).WithTxHash(txHash)
		}
	}

	c.logger.Debug("Transaction mined", "method", method, "tx", txHash, "status", receipt.Status, "block", receipt.BlockNumber)
	return receipt, nil
}

func (c *Client) submit(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, classifySubmitError(method, err)
	}
	return tx, nil
}

// waitConfirmations waits until the head is confirmations blocks past the
// receipt's block, then re-reads the receipt in case of a reorg.
func (c *Client) waitConfirmations(ctx context.Context, receipt *types.Receipt) (*types.Receipt, error) {
	target := new(big.Int).Add(receipt.BlockNumber, new(big.Int).SetUint64(c.confirmations))

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err == nil && head.Number.Cmp(target) >= 0 {
			return c.backend.TransactionReceipt(ctx, receipt.TxHash)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rejectionMarkers identify node answers that mean the call was refused and
// the transaction was not broadcast.
var rejectionMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"gas required exceeds allowance",
	"nonce too low",
	"replacement transaction underpriced",
	"no contract code at given address",
}

// classifySubmitError maps a submission failure to the settlement taxonomy.
// Anything that is not a definite refusal by the node is treated as an
// unknown outcome.
func classifySubmitError(method string, err error) *models.Error {
	wrapped := fmt.Errorf("submitting %s: %w", method, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.Wrap(models.ErrSettlementUnreachable, wrapped)
	}
	if errors.Is(err, bind.ErrNoCode) {
		return models.Wrap(models.ErrSettlementRejected, wrapped)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return models.Wrap(models.ErrSettlementRejected, wrapped)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return models.Wrap(models.ErrSettlementRejected, wrapped)
		}
	}
	return models.Wrap(models.ErrSettlementUnreachable, wrapped)
}

func toReceipt(receipt *types.Receipt) *models.TxReceipt {
	r := &models.TxReceipt{
		TxHash:  receipt.TxHash.Hex(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r
}
