package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/intent"
	"AgentPay/internal/ledger"
	"AgentPay/internal/mandate"
	"AgentPay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	// CodeSettlementFailure 表示转账执行失败，错误原样上抛，不自动重试。
	CodeSettlementFailure xerrors.Code = "SETTLEMENT_FAILURE"
	// CodeMandateSpent 表示同一授权的第二次执行被拒绝。
	CodeMandateSpent xerrors.Code = "MANDATE_SPENT"
)

func init() {
	xerrors.Register(CodeSettlementFailure, xerrors.Attributes{
		Message:   "settlement execution failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeMandateSpent, xerrors.Attributes{
		Message:   "mandate already settled",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// TransferClient 执行一次链上稳定币转账，由 chain 包实现。
type TransferClient interface {
	Transfer(ctx context.Context, to common.Address, amount float64) (txHash string, err error)
}

// Executor 负责一笔授权的最终结算。幂等键是授权的内容哈希：
// 同一授权最多执行一次，失败也视为已消费，绝不盲目重试。
type Executor struct {
	transfer   TransferClient
	audit      ledger.Store
	production bool
	log        *slog.Logger

	mu    sync.Mutex
	spent map[common.Hash]string
}

// NewExecutor 创建结算执行器。production 为假时只做模拟结算，
// 不发起任何外部调用。
func NewExecutor(transfer TransferClient, audit ledger.Store, production bool) *Executor {
	return &Executor{
		transfer:   transfer,
		audit:      audit,
		production: production,
		log:        logger.Named("settlement"),
		spent:      make(map[common.Hash]string),
	}
}

// Execute 结算一笔已批准的授权，返回结算引用。实现 approval.Settler。
func (e *Executor) Execute(ctx context.Context, it *intent.PaymentIntent, md *mandate.Mandate) (string, error) {
	if it == nil || md == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "结算缺少意图或授权")
	}

	e.mu.Lock()
	if reference, done := e.spent[md.ContentHash]; done {
		e.mu.Unlock()
		return "", xerrors.New(CodeMandateSpent,
			fmt.Sprintf("授权 %s 已结算 (引用 %s)", md.ContentHash.Hex(), reference))
	}
	// 失败同样占用该授权：转账类操作的盲目重试有重复支付风险。
	e.spent[md.ContentHash] = "pending"
	e.mu.Unlock()

	if !e.production {
		reference := "sim-" + uuid.NewString()[:8]
		e.markSpent(md.ContentHash, reference)
		e.appendAudit(ctx, it, md, "SIMULATED", reference)
		e.log.Info("模拟结算完成", "recipient", it.Recipient, "amount", it.Amount, "reference", reference)
		return reference, nil
	}

	if e.transfer == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "生产模式未配置转账客户端")
		e.markSpent(md.ContentHash, "failed")
		e.appendAudit(ctx, it, md, "FAILED", err.Error())
		return "", err
	}

	address := strings.TrimSpace(it.ResolvedAddress)
	if !common.IsHexAddress(address) {
		err := xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("收款地址无效: %q", it.ResolvedAddress))
		e.markSpent(md.ContentHash, "failed")
		e.appendAudit(ctx, it, md, "FAILED", err.Error())
		return "", err
	}

	txHash, err := e.transfer.Transfer(ctx, common.HexToAddress(address), it.Amount)
	if err != nil {
		e.markSpent(md.ContentHash, "failed")
		e.appendAudit(ctx, it, md, "FAILED", err.Error())
		// 错误原样上抛，由调用方决定对用户的呈现。
		return "", xerrors.Wrap(CodeSettlementFailure, err, "转账执行失败")
	}

	e.markSpent(md.ContentHash, txHash)
	e.appendAudit(ctx, it, md, "EXECUTED", txHash)
	e.log.Info("结算完成", "recipient", it.Recipient, "amount", it.Amount, "tx", txHash)
	return txHash, nil
}

func (e *Executor) markSpent(hash common.Hash, reference string) {
	e.mu.Lock()
	e.spent[hash] = reference
	e.mu.Unlock()
}

func (e *Executor) appendAudit(ctx context.Context, it *intent.PaymentIntent, md *mandate.Mandate, status, detail string) {
	if e.audit == nil {
		return
	}
	event := ledger.NewEvent(ledger.KindSettlement, md.Agent.Hex(), "transfer", status, map[string]string{
		"recipient":    it.Recipient,
		"amount":       fmt.Sprintf("%.2f", it.Amount),
		"content_hash": md.ContentHash.Hex(),
		"detail":       detail,
	})
	if err := e.audit.Append(ctx, event); err != nil {
		e.log.Error("结算审计事件写入失败", "status", status, "error", err)
	}
}
