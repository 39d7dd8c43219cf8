// Package web3 dials the configured EVM endpoints and hands out per-chain
// clients together with the well-known contract addresses deployed there.
package web3

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "InheritChain/internal/errors"
)

// Endpoint is one dialed chain: an ethclient plus the addresses of the name
// registry and the swap gateway deployed on it (either may be unset).
type Endpoint struct {
	Name         string
	ChainID      uint64
	NameRegistry common.Address
	SwapGateway  common.Address

	client *ethclient.Client
	rpc    *gethrpc.Client
}

// Client returns the underlying ethclient.
func (e *Endpoint) Client() *ethclient.Client {
	return e.client
}

// Close releases the endpoint's connections.
func (e *Endpoint) Close() {
	if e == nil {
		return
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.rpc = nil
}

// ProviderConfig selects the chain definitions file and the chain this
// process primarily serves.
type ProviderConfig struct {
	ChainConfig  string
	DefaultChain string
}

// Provider manages the set of dialed endpoints keyed by chain name and
// chain ID.
type Provider struct {
	defaultChain string
	byName       map[string]*Endpoint
	byID         map[uint64]*Endpoint
}

// NewProvider loads the chain definitions and dials every configured chain.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	provider := &Provider{
		byName: make(map[string]*Endpoint),
		byID:   make(map[uint64]*Endpoint),
	}
	for name, chain := range defs.Chains {
		endpoint, err := dial(ctx, name, chain)
		if err != nil {
			provider.Close()
			return nil, err
		}
		provider.byName[name] = endpoint
		provider.byID[endpoint.ChainID] = endpoint
	}
	if len(provider.byName) == 0 {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "no chain endpoints configured")
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		names := provider.Chains()
		defaultChain = names[0]
	}
	if _, ok := provider.byName[defaultChain]; !ok {
		provider.Close()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "default chain is not configured",
			xerrors.WithMetadata("chain", defaultChain))
	}
	provider.defaultChain = defaultChain
	return provider, nil
}

func dial(ctx context.Context, name string, chain ChainDefinition) (*Endpoint, error) {
	rpcURL := strings.TrimSpace(chain.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain has no RPC URL",
			xerrors.WithMetadata("chain", name))
	}
	if chain.ChainID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain has no chain ID",
			xerrors.WithMetadata("chain", name))
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "dial chain endpoint",
			xerrors.WithMetadata("chain", name))
	}
	return &Endpoint{
		Name:         name,
		ChainID:      chain.ChainID,
		NameRegistry: common.HexToAddress(chain.NameRegistry),
		SwapGateway:  common.HexToAddress(chain.SwapGateway),
		client:       ethclient.NewClient(rpcClient),
		rpc:          rpcClient,
	}, nil
}

// Default returns the endpoint this process primarily serves.
func (p *Provider) Default() (*Endpoint, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "chain provider not initialized")
	}
	endpoint, ok := p.byName[p.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "default chain missing from provider",
			xerrors.WithMetadata("chain", p.defaultChain))
	}
	return endpoint, nil
}

// ByName returns the endpoint registered under the given name.
func (p *Provider) ByName(name string) (*Endpoint, bool) {
	if p == nil {
		return nil, false
	}
	endpoint, ok := p.byName[name]
	return endpoint, ok
}

// ByChainID returns the endpoint serving the given chain ID.
func (p *Provider) ByChainID(id uint64) (*Endpoint, bool) {
	if p == nil {
		return nil, false
	}
	endpoint, ok := p.byID[id]
	return endpoint, ok
}

// Chains returns the sorted list of configured chain names.
func (p *Provider) Chains() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every endpoint.
func (p *Provider) Close() {
	if p == nil {
		return
	}
	for name, endpoint := range p.byName {
		endpoint.Close()
		delete(p.byName, name)
	}
	for id := range p.byID {
		delete(p.byID, id)
	}
}
