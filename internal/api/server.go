package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/escrow"
	"AgentPay/internal/ledger"
	"AgentPay/internal/pipeline"
	"AgentPay/internal/settings"

	"github.com/ethereum/go-ethereum/common"
)

// Server 负责暴露 REST 接口，供外部驱动支付流水线。
type Server struct {
	addr     string
	pipeline *pipeline.Pipeline
	settings *settings.Service
	escrows  escrow.Service
	audit    ledger.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p *pipeline.Pipeline, s *settings.Service, esc escrow.Service, audit ledger.Store) *Server {
	return &Server{addr: addr, pipeline: p, settings: s, escrows: esc, audit: audit}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，测试可直接挂到 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/payments", s.handlePayments)
	mux.HandleFunc("/api/v1/approvals/approve", s.handleApprove)
	mux.HandleFunc("/api/v1/approvals/pin", s.handlePIN)
	mux.HandleFunc("/api/v1/approvals/endorse", s.handleEndorse)
	mux.HandleFunc("/api/v1/approvals/challenge", s.handleChallenge)
	mux.HandleFunc("/api/v1/approvals/status", s.handleStatus)
	mux.HandleFunc("/api/v1/settings/pin", s.handleSetPIN)
	mux.HandleFunc("/api/v1/escrows", s.handleEscrows)
	mux.HandleFunc("/api/v1/escrows/release", s.handleEscrowRelease)
	mux.HandleFunc("/api/v1/escrows/refund", s.handleEscrowRefund)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/api/v1/audit/export", s.handleAuditExport)
	return mux
}

type paymentRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	receipt, err := s.pipeline.SubmitPayment(r.Context(), req.UserID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receipt)
}

type approvalRequest struct {
	UserID   string `json:"user_id"`
	Approver string `json:"approver,omitempty"`
	PIN      string `json:"pin,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeApproval(w, r)
	if !ok {
		return
	}
	session, err := s.pipeline.Approve(r.Context(), req.UserID, req.Approver)
	if err != nil {
		writeSessionError(w, session, err)
		return
	}
	writeJSON(w, session)
}

func (s *Server) handlePIN(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeApproval(w, r)
	if !ok {
		return
	}
	// 明文 PIN 只在本次请求内存在，不回显也不落日志。
	session, err := s.pipeline.SubmitPIN(r.Context(), req.UserID, req.PIN)
	req.PIN = ""
	if err != nil {
		writeSessionError(w, session, err)
		return
	}
	writeJSON(w, session)
}

func (s *Server) handleEndorse(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeApproval(w, r)
	if !ok {
		return
	}
	session, err := s.pipeline.Endorse(r.Context(), req.UserID, req.Approver)
	if err != nil {
		writeSessionError(w, session, err)
		return
	}
	writeJSON(w, session)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		userID := r.URL.Query().Get("user_id")
		session, err := s.pipeline.RequestChallenge(r.Context(), userID)
		if err != nil {
			writeSessionError(w, session, err)
			return
		}
		writeJSON(w, session)
	case http.MethodPost:
		req, ok := decodeApproval(w, r)
		if !ok {
			return
		}
		session, err := s.pipeline.SubmitChallenge(r.Context(), req.UserID, req.AudioRef)
		if err != nil {
			writeSessionError(w, session, err)
			return
		}
		writeJSON(w, session)
	default:
		http.Error(w, "仅支持 PUT/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	session, err := s.pipeline.Status(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeSessionError(w, session, err)
		return
	}
	writeJSON(w, session)
}

type pinRequest struct {
	UserID string `json:"user_id"`
	PIN    string `json:"pin,omitempty"`
	OldPIN string `json:"old_pin,omitempty"`
	NewPIN string `json:"new_pin,omitempty"`
}

func (s *Server) handleSetPIN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "仅支持 POST/PUT", http.StatusMethodNotAllowed)
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	var err error
	if req.OldPIN != "" {
		err = s.settings.ChangePIN(r.Context(), req.UserID, req.OldPIN, req.NewPIN)
	} else {
		pin := req.PIN
		if pin == "" {
			pin = req.NewPIN
		}
		err = s.settings.SetPIN(r.Context(), req.UserID, pin)
	}
	req.PIN, req.OldPIN, req.NewPIN = "", "", ""
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type escrowCreateRequest struct {
	Seller          string  `json:"seller"`
	Amount          float64 `json:"amount"`
	Commitment      string  `json:"commitment"`
	DurationSeconds int64   `json:"duration_seconds"`
}

type escrowActionRequest struct {
	EscrowID uint64 `json:"escrow_id"`
	Revealed string `json:"revealed,omitempty"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req escrowCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if !common.IsHexAddress(req.Seller) {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "seller 不是合法地址"))
			return
		}
		id, err := s.escrows.CreateEscrow(r.Context(),
			common.HexToAddress(req.Seller), req.Amount,
			common.HexToHash(req.Commitment),
			time.Duration(req.DurationSeconds)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"escrow_id": id})
	case http.MethodGet:
		id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "id 必须为非负整数"))
			return
		}
		record, err := s.escrows.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, record)
	default:
		http.Error(w, "仅支持 POST/GET", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEscrowAction(w, r)
	if !ok {
		return
	}
	if err := s.escrows.ReleaseFunds(r.Context(), req.EscrowID, []byte(req.Revealed)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "released"})
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEscrowAction(w, r)
	if !ok {
		return
	}
	if err := s.escrows.Refund(r.Context(), req.EscrowID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "refunded"})
}

func decodeEscrowAction(w http.ResponseWriter, r *http.Request) (*escrowActionRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req escrowActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	query := ledger.Query{Limit: limit}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		query.Kind = ledger.Kind(kind)
	}

	events, err := s.audit.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := ledger.ExportCSV(r.Context(), s.audit, ledger.Query{}, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeApproval(w http.ResponseWriter, r *http.Request) (*approvalRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSessionError 带上会话快照返回错误，便于调用面呈现状态。
func writeSessionError(w http.ResponseWriter, session any, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   err.Error(),
		"code":    string(xerrors.CodeOf(err)),
		"session": session,
	})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeUnknown, xerrors.CodeStorageFailure, xerrors.CodeInitializationFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}
