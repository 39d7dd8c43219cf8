// Package names resolves human-readable recipient identifiers to canonical
// addresses. A value is either a registered name (fixed suffix, recursive
// namehash lookup against the on-chain name registry) or a raw hex address.
// Absence of a result is always the zero-address sentinel, never an error:
// callers must check for it explicitly.
package names

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"InheritChain/pkg/logger"
)

const (
	// Suffix is the registered name suffix. Matching is case-sensitive.
	Suffix = ".eth"
	// separator splits a name into labels.
	separator = "."
)

// registryChains are the chain IDs known to host the canonical name
// registry. Resolution on any other chain short-circuits to the sentinel.
var registryChains = map[uint64]struct{}{
	1:        {}, // mainnet
	11155111: {}, // sepolia
	17000:    {}, // holesky
}

const registryABIJSON = `[
  {"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const resolverABIJSON = `[
  {"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	abiOnce     sync.Once
	registryABI abi.ABI
	resolverABI abi.ABI
	abiErr      error
)

func loadABIs() error {
	abiOnce.Do(func() {
		registryABI, abiErr = abi.JSON(strings.NewReader(registryABIJSON))
		if abiErr != nil {
			return
		}
		resolverABI, abiErr = abi.JSON(strings.NewReader(resolverABIJSON))
	})
	return abiErr
}

// IsNameFormat reports whether value looks like a registered name: total
// length at least four and the final four characters exactly the suffix.
func IsNameFormat(value string) bool {
	return len(value) >= len(Suffix) && value[len(value)-len(Suffix):] == Suffix
}

// Namehash folds the labels of name right-to-left into a 32-byte node,
// starting from the zero node: node = keccak256(node || keccak256(label)).
// The label sequence grows dynamically; there is no ceiling on label count.
func Namehash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}
	labels := strings.Split(name, separator)
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = common.BytesToHash(crypto.Keccak256(node.Bytes(), labelHash))
	}
	return node
}

// ParseHexAddress decodes a 42-character "0x"-prefixed hex string into an
// address. Any length mismatch, missing prefix or non-hex character yields
// the zero-address sentinel.
func ParseHexAddress(value string) common.Address {
	if len(value) != 42 || value[0] != '0' || value[1] != 'x' {
		return common.Address{}
	}
	raw, err := hex.DecodeString(value[2:])
	if err != nil {
		return common.Address{}
	}
	return common.BytesToAddress(raw)
}

// Resolver answers name lookups against the registry deployed on one chain.
type Resolver struct {
	chainID  uint64
	registry common.Address
	caller   bind.ContractCaller
	log      *slog.Logger
}

// NewResolver builds a resolver bound to the registry on the given chain.
// The caller may be nil when the chain is not on the registry allow-list.
func NewResolver(chainID uint64, registry common.Address, caller bind.ContractCaller) *Resolver {
	return &Resolver{
		chainID:  chainID,
		registry: registry,
		caller:   caller,
		log:      logger.Named("names"),
	}
}

// Resolve maps a registered name to its bound address. Every failure path,
// off-list chain, unregistered node, resolver without a record, or a faulted
// lookup, returns the zero-address sentinel.
func (r *Resolver) Resolve(ctx context.Context, name string) common.Address {
	if r == nil || r.caller == nil || r.registry == (common.Address{}) {
		return common.Address{}
	}
	if _, ok := registryChains[r.chainID]; !ok {
		return common.Address{}
	}
	if err := loadABIs(); err != nil {
		r.log.Error("name abi unavailable", slog.Any("error", err))
		return common.Address{}
	}

	node := Namehash(name)
	resolverAddr := r.lookupAddress(ctx, r.registry, registryABI, "resolver", node)
	if resolverAddr == (common.Address{}) {
		return common.Address{}
	}
	return r.lookupAddress(ctx, resolverAddr, resolverABI, "addr", node)
}

// ResolveIdentifier accepts either a registered name or a raw hex address
// and returns the canonical address, zero when neither form yields one.
func (r *Resolver) ResolveIdentifier(ctx context.Context, value string) common.Address {
	if IsNameFormat(value) {
		return r.Resolve(ctx, value)
	}
	return ParseHexAddress(value)
}

// ChainID returns the chain the resolver queries.
func (r *Resolver) ChainID() uint64 {
	if r == nil {
		return 0
	}
	return r.chainID
}

func (r *Resolver) lookupAddress(ctx context.Context, target common.Address, contractABI abi.ABI, method string, node common.Hash) common.Address {
	input, err := contractABI.Pack(method, [32]byte(node))
	if err != nil {
		r.log.Warn("pack name lookup", slog.String("method", method), slog.Any("error", err))
		return common.Address{}
	}
	raw, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &target, Data: input}, nil)
	if err != nil {
		r.log.Debug("name lookup call failed",
			slog.String("method", method),
			slog.String("target", target.Hex()),
			slog.Any("error", err),
		)
		return common.Address{}
	}
	results, err := contractABI.Unpack(method, raw)
	if err != nil || len(results) == 0 {
		return common.Address{}
	}
	addr, ok := results[0].(common.Address)
	if !ok {
		return common.Address{}
	}
	return addr
}
