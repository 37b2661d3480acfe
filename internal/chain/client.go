package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// tokenDecimals matches the 6-decimal stablecoin the pipeline settles in.
const tokenDecimals = 1e6

const erc20ABI = `[
 {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
 {"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// Config describes how to construct a settlement chain client.
type Config struct {
	Name       string
	RPCURL     string
	ChainID    *big.Int
	Token      common.Address
	PrivateKey string
}

// Snapshot gathers lightweight metadata from the chain for health
// reporting.
type Snapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
}

// Client wraps an EVM endpoint and the stablecoin token contract the
// executor transfers through. It implements settlement.TransferClient.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	token     *bind.BoundContract
	key       *ecdsa.PrivateKey
	chainID   *big.Int
}

// NewClient dials the configured RPC endpoint and binds the token
// contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链 RPC 地址")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析链私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       eth,
		token:     bind.NewBoundContract(cfg.Token, parsed, eth, eth, eth),
		key:       key,
		chainID:   new(big.Int).Set(cfg.ChainID),
	}, nil
}

// Transfer moves stablecoin to the recipient and returns the tx hash.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount float64) (string, error) {
	if amount <= 0 {
		return "", errors.New("转账金额必须为正数")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("构造交易签名器失败: %w", err)
	}
	auth.Context = ctx

	units, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(tokenDecimals)).Int(nil)
	tx, err := c.token.Transact(auth, "transfer", to, units)
	if err != nil {
		return "", fmt.Errorf("提交转账交易失败: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Balance reports the agent wallet's stablecoin balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var out []any
	owner := crypto.PubkeyToAddress(c.key.PublicKey)
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("balanceOf 返回值数量异常: %d", len(out))
	}
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(out[0].(*big.Int)),
		big.NewFloat(tokenDecimals),
	).Float64()
	return value, nil
}

// FetchSnapshot gathers chain id and head block for health reporting.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return Snapshot{
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

// Backend exposes the underlying eth client for collaborators such as
// the escrow and registry clients. The concrete type satisfies both
// bind.ContractBackend and bind.DeployBackend, so callers can submit
// transactions and wait for their receipts.
func (c *Client) Backend() *ethclient.Client {
	return c.eth
}

// TransactOpts builds per-transaction signing options for collaborators.
func (c *Client) TransactOpts(ctx context.Context) *bind.TransactOpts {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil
	}
	auth.Context = ctx
	return auth
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}
