package escrow

import (
	"context"
	"time"

	xerrors "AgentPay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Status 表示托管单的链上状态。
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusRefunded  Status = "REFUNDED"
	StatusDisputed  Status = "DISPUTED"
)

// Record 是一笔托管的只读视图。
type Record struct {
	ID         uint64         `json:"id"`
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	Amount     float64        `json:"amount"`
	Commitment common.Hash    `json:"commitment"`
	Deadline   time.Time      `json:"deadline"`
	Status     Status         `json:"status"`
}

// Service 是托管协作方的调用面。释放走「承诺-揭示」：createEscrow
// 记录承诺哈希，releaseFunds 只在揭示数据哈希与承诺一致且状态为
// ACTIVE 时放款。
type Service interface {
	CreateEscrow(ctx context.Context, seller common.Address, amount float64, commitment common.Hash, duration time.Duration) (uint64, error)
	ReleaseFunds(ctx context.Context, escrowID uint64, revealed []byte) error
	Refund(ctx context.Context, escrowID uint64) error
	Get(ctx context.Context, escrowID uint64) (*Record, error)
}

// Registry 是授权注册表协作方的调用面，按内容哈希登记与核验。
type Registry interface {
	RegisterMandate(ctx context.Context, contentHash common.Hash, agent common.Address, maxAmount float64, expiry time.Time) error
	VerifyMandate(ctx context.Context, contentHash common.Hash) (bool, error)
	RevokeMandate(ctx context.Context, contentHash common.Hash) error
}

// CodeEscrowMismatch 表示揭示数据与承诺哈希不一致。
const CodeEscrowMismatch xerrors.Code = "ESCROW_MISMATCH"

// ErrEscrowMismatch 对应合约层的承诺校验回退。
var ErrEscrowMismatch = xerrors.New(CodeEscrowMismatch, "揭示数据与承诺不一致")

func init() {
	xerrors.Register(CodeEscrowMismatch, xerrors.Attributes{
		Message:   "revealed data does not hash to commitment",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
