package chain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefinitions(t *testing.T) {
	content := `chains:
  sepolia:
    type: evm
    rpc_url: https://rpc.sepolia.example
    chain_id: 11155111
    token: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
    escrow: "0x00000000000000000000000000000000000000aa"
    registry: "0x00000000000000000000000000000000000000ab"
    description: testnet settlement
`
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def, err := defs.Resolve("sepolia")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.ChainID != 11155111 || def.Type != "evm" {
		t.Fatalf("unexpected definition: %+v", def)
	}

	if _, err := defs.Resolve("mainnet"); err == nil {
		t.Fatalf("unknown chain must be rejected")
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defs.Chains == nil {
		t.Fatalf("empty path must yield an empty map")
	}
}
