package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "AgentPay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimService 在进程内复刻托管合约的语义，供模拟模式与测试使用。
// 状态转移规则与链上合约一致：ACTIVE 才能释放，过期才能退款。
type SimService struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*Record
	now     func() time.Time
}

// NewSimService 创建内存托管模拟器。
func NewSimService() *SimService {
	return &SimService{
		nextID:  1,
		records: make(map[uint64]*Record),
		now:     time.Now,
	}
}

// CreateEscrow 实现 Service。
func (s *SimService) CreateEscrow(ctx context.Context, seller common.Address, amount float64, commitment common.Hash, duration time.Duration) (uint64, error) {
	if amount <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正数")
	}
	if duration <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "托管时长必须为正数")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.records[id] = &Record{
		ID:         id,
		Seller:     seller,
		Amount:     amount,
		Commitment: commitment,
		Deadline:   s.now().Add(duration),
		Status:     StatusActive,
	}
	return id, nil
}

// ReleaseFunds 实现 Service。只有揭示数据哈希命中承诺且状态为
// ACTIVE 才放款，任何不一致都保持原状态与资金不动。
func (s *SimService) ReleaseFunds(ctx context.Context, escrowID uint64, revealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[escrowID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("托管 %d 不存在", escrowID))
	}
	if record.Status != StatusActive {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("托管 %d 状态为 %s，无法释放", escrowID, record.Status))
	}
	if crypto.Keccak256Hash(revealed) != record.Commitment {
		return ErrEscrowMismatch
	}
	record.Status = StatusCompleted
	return nil
}

// Refund 实现 Service。仅在截止时间过后允许退款。
func (s *SimService) Refund(ctx context.Context, escrowID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[escrowID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("托管 %d 不存在", escrowID))
	}
	if record.Status != StatusActive {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("托管 %d 状态为 %s，无法退款", escrowID, record.Status))
	}
	if s.now().Before(record.Deadline) {
		return xerrors.New(xerrors.CodeConflict, "托管未到期，不能退款")
	}
	record.Status = StatusRefunded
	return nil
}

// Get 实现 Service。
func (s *SimService) Get(ctx context.Context, escrowID uint64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[escrowID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("托管 %d 不存在", escrowID))
	}
	copied := *record
	return &copied, nil
}

// SimRegistry 在进程内复刻授权注册表的语义。
type SimRegistry struct {
	mu       sync.Mutex
	mandates map[common.Hash]*registryEntry
	now      func() time.Time
}

type registryEntry struct {
	agent     common.Address
	maxAmount float64
	expiry    time.Time
	revoked   bool
}

// NewSimRegistry 创建内存注册表模拟器。
func NewSimRegistry() *SimRegistry {
	return &SimRegistry{
		mandates: make(map[common.Hash]*registryEntry),
		now:      time.Now,
	}
}

// RegisterMandate 实现 Registry，重复哈希拒绝登记。
func (r *SimRegistry) RegisterMandate(ctx context.Context, contentHash common.Hash, agent common.Address, maxAmount float64, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mandates[contentHash]; exists {
		return xerrors.New(xerrors.CodeConflict, "授权哈希已登记")
	}
	r.mandates[contentHash] = &registryEntry{agent: agent, maxAmount: maxAmount, expiry: expiry}
	return nil
}

// VerifyMandate 实现 Registry：已登记、未撤销且未过期才有效。
func (r *SimRegistry) VerifyMandate(ctx context.Context, contentHash common.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.mandates[contentHash]
	if !ok || entry.revoked {
		return false, nil
	}
	return r.now().Before(entry.expiry), nil
}

// RevokeMandate 实现 Registry。
func (r *SimRegistry) RevokeMandate(ctx context.Context, contentHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.mandates[contentHash]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "授权哈希未登记")
	}
	entry.revoked = true
	return nil
}
