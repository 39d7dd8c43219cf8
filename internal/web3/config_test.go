package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	body := `chains:
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.example
    name_registry: "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
    description: Sepolia testnet
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatalf("sepolia missing from %+v", defs.Chains)
	}
	if chain.ChainID != 11155111 {
		t.Fatalf("chain id = %d", chain.ChainID)
	}
	if chain.RPCURL != "https://rpc.sepolia.example" {
		t.Fatalf("rpc url = %q", chain.RPCURL)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected no chains, got %d", len(defs.Chains))
	}
}

func TestLoadChainDefinitionsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte("chains: ["), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("malformed yaml must be rejected")
	}
}
