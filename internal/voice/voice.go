package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay/internal/errors"
)

// Result 是一次声纹校验的结果。Transcript 用于活体口令匹配。
type Result struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Transcript string  `json:"transcript"`
}

// Verifier 是声纹校验协作方的调用面。
type Verifier interface {
	Verify(ctx context.Context, userID, audioRef string) (*Result, error)
}

// Client 通过 HTTP 调用外部声纹服务。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建声纹服务客户端。
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置声纹服务地址")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Verify 实现 Verifier。
func (c *Client) Verify(ctx context.Context, userID, audioRef string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{
		"user_id":   userID,
		"audio_ref": audioRef,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("声纹服务请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("声纹服务响应异常: %s", resp.Status)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析声纹响应失败: %w", err)
	}
	return &result, nil
}

// Transcribe 把声纹校验适配为审批状态机需要的转写接口。
func (c *Client) Transcribe(ctx context.Context, userID, audioRef string) (string, bool, error) {
	result, err := c.Verify(ctx, userID, audioRef)
	if err != nil {
		return "", false, err
	}
	return result.Transcript, result.Verified, nil
}

// StaticVerifier 返回固定结果，模拟模式下代替外部服务。
type StaticVerifier struct {
	Result Result
}

// Verify 实现 Verifier。
func (s *StaticVerifier) Verify(ctx context.Context, userID, audioRef string) (*Result, error) {
	result := s.Result
	if result.Transcript == "" {
		result.Transcript = audioRef
	}
	return &result, nil
}

// Transcribe 同样适配审批状态机。
func (s *StaticVerifier) Transcribe(ctx context.Context, userID, audioRef string) (string, bool, error) {
	result, _ := s.Verify(ctx, userID, audioRef)
	return result.Transcript, result.Verified, nil
}
