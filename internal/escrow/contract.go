package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// stablecoinDecimals matches the 6-decimal USDC-style token the escrow
// contract settles in.
const stablecoinDecimals = 6

const escrowABI = `[
 {"type":"event","name":"EscrowCreated","inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true}],"anonymous":false},
 {"type":"function","name":"createEscrow","inputs":[{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"proofCommitment","type":"bytes32"},{"name":"duration","type":"uint256"}],"outputs":[{"name":"escrowId","type":"uint256"}],"stateMutability":"nonpayable"},
 {"type":"function","name":"releaseFunds","inputs":[{"name":"escrowId","type":"uint256"},{"name":"revealedProofData","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"},
 {"type":"function","name":"refund","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
 {"type":"function","name":"getEscrow","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"commitment","type":"bytes32"},{"name":"deadline","type":"uint256"},{"name":"status","type":"uint8"}],"stateMutability":"view"}
]`

const registryABI = `[
 {"type":"function","name":"registerMandate","inputs":[{"name":"mandateHash","type":"bytes32"},{"name":"agent","type":"address"},{"name":"maxAmount","type":"uint256"},{"name":"expiry","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
 {"type":"function","name":"verifyMandate","inputs":[{"name":"mandateHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
 {"type":"function","name":"revokeMandate","inputs":[{"name":"mandateHash","type":"bytes32"}],"outputs":[],"stateMutability":"nonpayable"}
]`

var contractStatuses = map[uint8]Status{
	0: StatusActive,
	1: StatusCompleted,
	2: StatusRefunded,
	3: StatusDisputed,
}

// Backend bundles the call, transact and receipt capabilities the
// contract collaborators need. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ContractService talks to the on-chain escrow contract. It implements
// Service with the same semantics the simulator mirrors.
type ContractService struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	backend  Backend
	opts     func(ctx context.Context) *bind.TransactOpts
}

// NewContractService binds the escrow contract at the given address.
// The opts factory supplies signing credentials per transaction.
func NewContractService(address common.Address, backend Backend, opts func(ctx context.Context) *bind.TransactOpts) (*ContractService, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}
	return &ContractService{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend:  backend,
		opts:     opts,
	}, nil
}

// CreateEscrow implements Service. It waits for the transaction to be
// mined and recovers the escrow id from the EscrowCreated event.
func (s *ContractService) CreateEscrow(ctx context.Context, seller common.Address, amount float64, commitment common.Hash, duration time.Duration) (uint64, error) {
	tx, err := s.contract.Transact(s.opts(ctx), "createEscrow",
		seller, toUnits(amount), commitment, big.NewInt(int64(duration.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("createEscrow 交易失败: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return 0, fmt.Errorf("等待 createEscrow 上链失败 (tx %s): %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("createEscrow 交易回滚: %s", tx.Hash().Hex())
	}

	createdTopic := s.abi.Events["EscrowCreated"].ID
	for _, entry := range receipt.Logs {
		if entry.Address != s.address || len(entry.Topics) < 2 || entry.Topics[0] != createdTopic {
			continue
		}
		return new(big.Int).SetBytes(entry.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, fmt.Errorf("createEscrow 回执缺少 EscrowCreated 事件: %s", tx.Hash().Hex())
}

// ReleaseFunds implements Service. A commitment mismatch reverts on
// chain and surfaces as ESCROW_MISMATCH.
func (s *ContractService) ReleaseFunds(ctx context.Context, escrowID uint64, revealed []byte) error {
	_, err := s.contract.Transact(s.opts(ctx), "releaseFunds",
		new(big.Int).SetUint64(escrowID), revealed)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "commitment") {
			return ErrEscrowMismatch
		}
		return fmt.Errorf("releaseFunds 交易失败: %w", err)
	}
	return nil
}

// Refund implements Service.
func (s *ContractService) Refund(ctx context.Context, escrowID uint64) error {
	_, err := s.contract.Transact(s.opts(ctx), "refund", new(big.Int).SetUint64(escrowID))
	if err != nil {
		return fmt.Errorf("refund 交易失败: %w", err)
	}
	return nil
}

// Get implements Service.
func (s *ContractService) Get(ctx context.Context, escrowID uint64) (*Record, error) {
	var out []any
	err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow",
		new(big.Int).SetUint64(escrowID))
	if err != nil {
		return nil, fmt.Errorf("getEscrow 调用失败: %w", err)
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("getEscrow 返回值数量异常: %d", len(out))
	}

	record := &Record{
		ID:         escrowID,
		Buyer:      out[0].(common.Address),
		Seller:     out[1].(common.Address),
		Amount:     fromUnits(out[2].(*big.Int)),
		Commitment: common.Hash(out[3].([32]byte)),
		Deadline:   time.Unix(out[4].(*big.Int).Int64(), 0).UTC(),
	}
	status, ok := contractStatuses[out[5].(uint8)]
	if !ok {
		return nil, fmt.Errorf("未知的托管状态: %d", out[5].(uint8))
	}
	record.Status = status
	return record, nil
}

// ContractRegistry talks to the on-chain mandate registry.
type ContractRegistry struct {
	contract *bind.BoundContract
	opts     func(ctx context.Context) *bind.TransactOpts
}

// NewContractRegistry binds the mandate registry contract.
func NewContractRegistry(address common.Address, backend bind.ContractBackend, opts func(ctx context.Context) *bind.TransactOpts) (*ContractRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("解析注册表 ABI 失败: %w", err)
	}
	return &ContractRegistry{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		opts:     opts,
	}, nil
}

// RegisterMandate implements Registry.
func (r *ContractRegistry) RegisterMandate(ctx context.Context, contentHash common.Hash, agent common.Address, maxAmount float64, expiry time.Time) error {
	_, err := r.contract.Transact(r.opts(ctx), "registerMandate",
		contentHash, agent, toUnits(maxAmount), big.NewInt(expiry.Unix()))
	if err != nil {
		return fmt.Errorf("registerMandate 交易失败: %w", err)
	}
	return nil
}

// VerifyMandate implements Registry.
func (r *ContractRegistry) VerifyMandate(ctx context.Context, contentHash common.Hash) (bool, error) {
	var out []any
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "verifyMandate", contentHash)
	if err != nil {
		return false, fmt.Errorf("verifyMandate 调用失败: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("verifyMandate 返回值数量异常: %d", len(out))
	}
	return out[0].(bool), nil
}

// RevokeMandate implements Registry.
func (r *ContractRegistry) RevokeMandate(ctx context.Context, contentHash common.Hash) error {
	_, err := r.contract.Transact(r.opts(ctx), "revokeMandate", contentHash)
	if err != nil {
		return fmt.Errorf("revokeMandate 交易失败: %w", err)
	}
	return nil
}

// toUnits converts a decimal amount into 6-decimal token units.
func toUnits(amount float64) *big.Int {
	units := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e6))
	result, _ := units.Int(nil)
	return result
}

// fromUnits converts 6-decimal token units back into a decimal amount.
func fromUnits(units *big.Int) float64 {
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return value
}
