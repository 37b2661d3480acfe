package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentPay/internal/capability"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的推理服务。每次调用使用能力池
// 提供的 (凭证, 变体) 条目，自身不持有密钥。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do 实现 capability.Invoker。
func (c *Client) Do(ctx context.Context, entry capability.Entry, req capability.Request) (*capability.Response, error) {
	payload, err := buildPayload(entry.Variant, req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建推理请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+entry.Credential)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &capability.CallError{Kind: capability.KindBusy, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classify(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析推理响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("推理响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("推理响应内容为空")
	}

	return &capability.Response{Content: content, Variant: entry.Variant}, nil
}

// classify 将 HTTP 错误状态映射为池可识别的失败类别。
func classify(status int, body string) error {
	cause := fmt.Errorf("上游返回错误状态 %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return &capability.CallError{Kind: capability.KindRateLimited, Status: status, Err: cause}
	case status == http.StatusServiceUnavailable || status >= 529:
		return &capability.CallError{Kind: capability.KindBusy, Status: status, Err: cause}
	case status == http.StatusNotFound && strings.Contains(strings.ToLower(body), "model"):
		return &capability.CallError{Kind: capability.KindUnknownVariant, Status: status, Err: cause}
	default:
		return &capability.CallError{Kind: capability.KindFatal, Status: status, Err: cause}
	}
}

func buildPayload(variant string, req capability.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	body := map[string]any{
		"model":       variant,
		"messages":    messages,
		"temperature": 0.1,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化推理请求失败: %w", err)
	}
	return encoded, nil
}
