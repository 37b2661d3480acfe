package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentPay/internal/api"
	"AgentPay/internal/approval"
	"AgentPay/internal/capability"
	"AgentPay/internal/capability/openai"
	"AgentPay/internal/chain"
	"AgentPay/internal/config"
	"AgentPay/internal/escrow"
	"AgentPay/internal/intent"
	"AgentPay/internal/ledger"
	"AgentPay/internal/mandate"
	"AgentPay/internal/notify"
	"AgentPay/internal/observability/alerting"
	"AgentPay/internal/pipeline"
	"AgentPay/internal/policy"
	"AgentPay/internal/settings"
	"AgentPay/internal/settlement"
	"AgentPay/internal/voice"
	"AgentPay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 审计账本先于一切业务组件建立，后续每个阶段都要落账。
	var audit ledger.Store
	switch cfg.Ledger.Driver {
	case "", "file":
		store, err := ledger.NewFileStore(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		audit = store
	case "mysql":
		store, err := ledger.NewSQLStore(ctx, ledger.SQLConfig{
			DSN:             cfg.Ledger.DSN,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Ledger.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		audit = store
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
	defer audit.Close()

	var userStore settings.Store
	switch cfg.Settings.Driver {
	case "", "memory":
		userStore = settings.NewMemoryStore()
	case "mysql":
		store, err := settings.NewSQLStore(ctx, cfg.Settings.DSN)
		if err != nil {
			return err
		}
		userStore = store
	default:
		return fmt.Errorf("未知的用户设置驱动: %s", cfg.Settings.Driver)
	}
	defer userStore.Close()
	users := settings.NewService(userStore)

	sessionTTL := time.Duration(cfg.Sessions.TTLSeconds) * time.Second
	var sessions approval.SessionStore
	switch cfg.Sessions.Driver {
	case "", "memory":
		sessions = approval.NewMemoryStore(sessionTTL)
	case "redis":
		store, err := approval.NewRedisStore(approval.RedisStoreConfig{
			Address:  cfg.Sessions.Redis.Address,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
			Prefix:   cfg.Sessions.Redis.Prefix,
			TTL:      sessionTTL,
		})
		if err != nil {
			return err
		}
		sessions = store
	default:
		return fmt.Errorf("未知的会话驱动: %s", cfg.Sessions.Driver)
	}
	defer sessions.Close()

	var queue notify.Queue
	switch cfg.Notify.Driver {
	case "", "memory":
		queue = notify.NewMemoryQueue(1024)
	case "redis":
		q, err := notify.NewRedisQueue(notify.RedisQueueConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Prefetch:   cfg.Notify.RabbitMQ.Prefetch,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的通知队列驱动: %s", cfg.Notify.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭通知队列失败", "error", err)
		}
	}()

	// 解析侧与审计侧各持一个独立的能力池：两端的轮换游标互不
	// 干扰，一端触发的凭证轮换不会打乱另一端的顺序。
	intentPool, err := buildCapabilityPool(cfg)
	if err != nil {
		return err
	}
	auditPool, err := buildCapabilityPool(cfg)
	if err != nil {
		return err
	}

	directory, err := loadDirectory(cfg)
	if err != nil {
		return err
	}
	resolver := intent.NewResolver(intentPool, directory)
	negotiator := intent.NewNegotiator(intentPool)

	policyDoc := ""
	if cfg.Policy.DocumentPath != "" {
		raw, err := os.ReadFile(cfg.Policy.DocumentPath)
		if err != nil {
			return fmt.Errorf("读取策略文档失败: %w", err)
		}
		policyDoc = string(raw)
	}
	auditor := policy.NewAuditor(auditPool, policy.NewVelocityWindow(cfg.Policy.HourlyLimit), policyDoc,
		policy.WithFallbackFloor(cfg.Policy.FallbackFloor),
		policy.WithFlaggedRecipients(cfg.Policy.FlaggedRecipients),
	)

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	// 链上结算按配置启用，否则留在模拟登记簿与内存托管。
	var transfer settlement.TransferClient
	var registry escrow.Registry = escrow.NewSimRegistry()
	var escrows escrow.Service = escrow.NewSimService()
	if cfg.Chain.Enabled {
		defs, err := chain.LoadDefinitions(cfg.Chain.Source)
		if err != nil {
			return err
		}
		def, err := defs.Resolve(cfg.Chain.Name)
		if err != nil {
			return err
		}
		token := def.Token
		if cfg.Chain.Token != "" {
			token = cfg.Chain.Token
		}
		client, err := chain.NewClient(ctx, chain.Config{
			Name:       cfg.Chain.Name,
			RPCURL:     def.RPCURL,
			ChainID:    big.NewInt(def.ChainID),
			Token:      common.HexToAddress(token),
			PrivateKey: resolvePrivateKey(cfg),
		})
		if err != nil {
			return err
		}
		defer client.Close()
		transfer = client

		registryAddr := def.Registry
		if cfg.Mandate.RegistryAddress != "" {
			registryAddr = cfg.Mandate.RegistryAddress
		}
		if registryAddr != "" {
			onchain, err := escrow.NewContractRegistry(
				common.HexToAddress(registryAddr), client.Backend(), client.TransactOpts)
			if err != nil {
				return err
			}
			registry = onchain
		}

		escrowAddr := def.Escrow
		if cfg.Chain.Escrow != "" {
			escrowAddr = cfg.Chain.Escrow
		}
		if escrowAddr != "" {
			contract, err := escrow.NewContractService(
				common.HexToAddress(escrowAddr), client.Backend(), client.TransactOpts)
			if err != nil {
				return err
			}
			escrows = contract
		}
	}

	executor := settlement.NewExecutor(transfer, audit, cfg.Runtime.Production)

	machineOpts := []approval.MachineOption{}
	if cfg.Voice.URL != "" {
		timeout := time.Duration(cfg.Voice.TimeoutSeconds) * time.Second
		verifier, err := voice.NewClient(cfg.Voice.URL, timeout)
		if err != nil {
			return err
		}
		machineOpts = append(machineOpts, approval.WithTranscriber(verifier))
	}
	machine := approval.NewMachine(sessions, executor, users, audit, cfg.Runtime.Production, machineOpts...)

	p := pipeline.New(resolver, auditor, signer, machine, audit, cfg.Runtime.Production,
		pipeline.WithNegotiator(negotiator),
		pipeline.WithRegistry(registry),
		pipeline.WithNotifyQueue(queue),
		pipeline.WithAlerts(alerting.NewFanout(&alerting.LogNotifier{})),
		pipeline.WithMandateTTL(time.Duration(cfg.Mandate.DefaultTTLSeconds)*time.Second),
	)

	server := api.NewServer(cfg.Server.Address, p, users, escrows, audit)

	logger.L().Info("agentpayd 启动",
		"address", cfg.Server.Address,
		"production", cfg.Runtime.Production,
		"ledger", cfg.Ledger.Driver,
		"chain_enabled", cfg.Chain.Enabled,
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildCapabilityPool 按配置组装可轮换的推理能力池。
func buildCapabilityPool(cfg *config.Config) (*capability.Pool, error) {
	entries := make([]capability.Entry, 0, len(cfg.Capability.Entries))
	for _, entry := range cfg.Capability.Entries {
		credential := strings.TrimSpace(entry.APIKey)
		if credential == "" && entry.APIKeyEnv != "" {
			credential = strings.TrimSpace(os.Getenv(entry.APIKeyEnv))
		}
		if credential == "" {
			return nil, fmt.Errorf("能力条目 %q 缺少 api_key 或 api_key_env", entry.Variant)
		}
		entries = append(entries, capability.Entry{Credential: credential, Variant: entry.Variant})
	}

	invoker := openai.NewClient(openai.Config{
		BaseURL: cfg.Capability.BaseURL,
		Timeout: time.Duration(cfg.Capability.TimeoutSeconds) * time.Second,
	})
	return capability.NewPool(invoker, entries,
		capability.WithRetryBudget(cfg.Capability.RetryBudget),
		capability.WithBackoff(
			time.Duration(cfg.Capability.BackoffBaseMS)*time.Millisecond,
			time.Duration(cfg.Capability.BackoffCapMS)*time.Millisecond,
		),
	)
}

func loadDirectory(cfg *config.Config) (*intent.Directory, error) {
	if cfg.Vendors.Source == "" {
		return intent.NewDirectory(nil), nil
	}
	return intent.LoadDirectory(cfg.Vendors.Source)
}

func buildSigner(cfg *config.Config) (*mandate.Signer, error) {
	key := resolvePrivateKey(cfg)
	if key == "" {
		return nil, errors.New("授权签发需要配置 private_key 或 private_key_env")
	}
	return mandate.NewSigner(key, mandate.Domain{
		Name:     cfg.Mandate.DomainName,
		Version:  cfg.Mandate.DomainVersion,
		ChainID:  big.NewInt(cfg.Mandate.ChainID),
		Registry: common.HexToAddress(cfg.Mandate.RegistryAddress),
	})
}

func resolvePrivateKey(cfg *config.Config) string {
	key := strings.TrimSpace(cfg.Mandate.PrivateKey)
	if key == "" && cfg.Mandate.PrivateKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.Mandate.PrivateKeyEnv))
	}
	return strings.TrimPrefix(key, "0x")
}
