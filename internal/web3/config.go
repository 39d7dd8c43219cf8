package web3

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "InheritChain/internal/errors"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain deployment: its RPC endpoints
// and the well-known contract addresses the engine talks to there.
type ChainDefinition struct {
	ChainID      uint64 `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	WSURL        string `yaml:"ws_url"`
	NameRegistry string `yaml:"name_registry"`
	SwapGateway  string `yaml:"swap_gateway"`
	Description  string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read chain definitions")
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse chain definitions")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
