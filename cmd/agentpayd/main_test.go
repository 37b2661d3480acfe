package main

import (
	"testing"

	"AgentPay/internal/config"
)

func TestBuildCapabilityPoolReturnsFreshInstances(t *testing.T) {
	cfg := &config.Config{}
	cfg.Capability.Entries = []config.CapabilityEntry{{APIKey: "key", Variant: "model"}}

	// 解析侧与审计侧各建一个池，轮换游标必须互不共享。
	first, err := buildCapabilityPool(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := buildCapabilityPool(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("each consumer must hold its own pool instance")
	}
}
