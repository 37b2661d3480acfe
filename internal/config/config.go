package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Ledger     LedgerConfig     `json:"ledger"`
	Settings   SettingsConfig   `json:"settings"`
	Sessions   SessionsConfig   `json:"sessions"`
	Notify     NotifyConfig     `json:"notify"`
	Capability CapabilityConfig `json:"capability"`
	Policy     PolicyConfig     `json:"policy"`
	Vendors    VendorsConfig    `json:"vendors"`
	Mandate    MandateConfig    `json:"mandate"`
	Chain      ChainConfig      `json:"chain"`
	Voice      VoiceConfig      `json:"voice"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 描述审计账本的后端选择，file 与 mysql 可互换。
type LedgerConfig struct {
	Driver                 string `json:"driver"`
	Path                   string `json:"path"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// SettingsConfig 描述用户设置存储的后端。
type SettingsConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SessionsConfig 描述审批会话存储的后端与过期策略。
type SessionsConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 统一描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// NotifyConfig 描述审批通知队列的后端。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CapabilityConfig 描述外部推理能力池的调用方式。
type CapabilityConfig struct {
	BaseURL        string            `json:"base_url"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RetryBudget    int               `json:"retry_budget"`
	BackoffBaseMS  int               `json:"backoff_base_ms"`
	BackoffCapMS   int               `json:"backoff_cap_ms"`
	Entries        []CapabilityEntry `json:"entries"`
}

// CapabilityEntry 是一组可轮换的 (凭证, 模型变体) 对。
type CapabilityEntry struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	Variant   string `json:"variant"`
}

// PolicyConfig 描述支出策略与速率限制参数。
type PolicyConfig struct {
	HourlyLimit       float64  `json:"hourly_limit"`
	FallbackFloor     float64  `json:"fallback_floor"`
	DocumentPath      string   `json:"document_path"`
	FlaggedRecipients []string `json:"flagged_recipients"`
}

// VendorsConfig 指向可信供应商目录文件。
type VendorsConfig struct {
	Source string `json:"source"`
}

// MandateConfig 描述授权签发所需的签名身份与域分隔信息。
type MandateConfig struct {
	PrivateKey        string `json:"private_key"`
	PrivateKeyEnv     string `json:"private_key_env"`
	DomainName        string `json:"domain_name"`
	DomainVersion     string `json:"domain_version"`
	ChainID           int64  `json:"chain_id"`
	RegistryAddress   string `json:"registry_address"`
	DefaultTTLSeconds int    `json:"default_ttl_seconds"`
}

// ChainConfig 指向链定义文件并选择结算链。
type ChainConfig struct {
	Source  string `json:"source"`
	Name    string `json:"name"`
	Escrow  string `json:"escrow_address"`
	Token   string `json:"token_address"`
	Enabled bool   `json:"enabled"`
}

// VoiceConfig 描述声纹活体校验协作方。
type VoiceConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir    string `json:"data_dir"`
	Production bool   `json:"production"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.Settings.Driver == "" {
		c.Settings.Driver = "memory"
	}
	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "memory"
	}
	if c.Sessions.TTLSeconds <= 0 {
		c.Sessions.TTLSeconds = 1800
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}

	if c.Capability.RetryBudget <= 0 {
		c.Capability.RetryBudget = 14
	}
	if c.Capability.BackoffBaseMS <= 0 {
		c.Capability.BackoffBaseMS = 500
	}
	if c.Capability.BackoffCapMS <= 0 {
		c.Capability.BackoffCapMS = 8000
	}

	if c.Policy.HourlyLimit <= 0 {
		c.Policy.HourlyLimit = 1_000_000
	}
	if c.Policy.FallbackFloor <= 0 {
		c.Policy.FallbackFloor = 100
	}

	if c.Mandate.DomainName == "" {
		c.Mandate.DomainName = "AgentPay"
	}
	if c.Mandate.DomainVersion == "" {
		c.Mandate.DomainVersion = "1"
	}
	if c.Mandate.DefaultTTLSeconds <= 0 {
		c.Mandate.DefaultTTLSeconds = 3600
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.Runtime.DataDir, "audit.log.jsonl")
	} else if !filepath.IsAbs(c.Ledger.Path) {
		c.Ledger.Path = filepath.Join(baseDir, c.Ledger.Path)
	}
	if c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
	if c.Vendors.Source != "" && !filepath.IsAbs(c.Vendors.Source) {
		c.Vendors.Source = filepath.Join(baseDir, c.Vendors.Source)
	}
	if c.Chain.Source != "" && !filepath.IsAbs(c.Chain.Source) {
		c.Chain.Source = filepath.Join(baseDir, c.Chain.Source)
	}
	if c.Policy.DocumentPath != "" && !filepath.IsAbs(c.Policy.DocumentPath) {
		c.Policy.DocumentPath = filepath.Join(baseDir, c.Policy.DocumentPath)
	}
}
