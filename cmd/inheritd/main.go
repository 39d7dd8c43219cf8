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

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"InheritChain/internal/api"
	"InheritChain/internal/assets"
	"InheritChain/internal/auth"
	"InheritChain/internal/config"
	"InheritChain/internal/escrow"
	"InheritChain/internal/names"
	"InheritChain/internal/observability/alerting"
	"InheritChain/internal/swap"
	"InheritChain/internal/web3"
	"InheritChain/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("inheritd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("INHERITCHAIN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "inheritchain.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditOptions{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	store, err := openStore(cfg.Storage.EscrowStore)
	if err != nil {
		return err
	}

	sink, err := openSink(cfg.Events)
	if err != nil {
		return err
	}

	wiring, err := openWeb3(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer wiring.close()

	service, err := escrow.NewService(escrow.Options{
		ChainID:  wiring.chainID,
		Store:    store,
		Backend:  wiring.backend,
		Resolver: wiring.resolver,
		Gateways: wiring.gateways,
		Sink:     sink,
	})
	if err != nil {
		return err
	}
	defer func() { _ = service.Close() }()

	authSvc := auth.NewService(cfg.Auth)
	// Alert transports plug in here once an email/slack sender is deployed.
	alerts := alerting.NewFanout()

	server := api.NewServer(cfg.Server.Address, service, authSvc, alerts)
	logger.L().Info("inheritd starting",
		"address", cfg.Server.Address,
		"chain_id", wiring.chainID,
		"store", cfg.Storage.EscrowStore.Driver,
		"events", cfg.Events.Driver,
	)
	return server.Start(ctx)
}

func openStore(cfg config.EscrowStoreConfig) (escrow.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return escrow.NewMemoryStore(), nil
	case "mysql":
		return escrow.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown escrow store driver: %s", cfg.Driver)
	}
}

func openSink(cfg config.EventsConfig) (escrow.Sink, error) {
	switch cfg.Driver {
	case "", "memory":
		return escrow.NewMemorySink(), nil
	case "redis":
		return escrow.NewRedisSink(escrow.RedisSinkConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
	case "rabbitmq":
		return escrow.NewRabbitMQSink(escrow.RabbitMQSinkConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("unknown events driver: %s", cfg.Driver)
	}
}

// web3Wiring bundles the chain-facing collaborators of the escrow service.
type web3Wiring struct {
	chainID  uint64
	backend  assets.Backend
	resolver escrow.IdentifierResolver
	gateways escrow.GatewayLookup
	provider *web3.Provider
}

func (w *web3Wiring) close() {
	if w != nil && w.provider != nil {
		w.provider.Close()
	}
}

func openWeb3(ctx context.Context, cfg config.Web3Config) (*web3Wiring, error) {
	switch cfg.Backend {
	case "", "memory":
		return &web3Wiring{
			chainID: cfg.ChainID,
			backend: assets.NewMemoryBackend(),
		}, nil
	case "evm":
		provider, err := web3.NewProvider(ctx, web3.ProviderConfig{
			ChainConfig:  cfg.ChainConfig,
			DefaultChain: cfg.DefaultChain,
		})
		if err != nil {
			return nil, err
		}
		endpoint, err := provider.Default()
		if err != nil {
			provider.Close()
			return nil, err
		}
		signer, err := signerFromKeys(cfg.PrivateKeys, endpoint.ChainID)
		if err != nil {
			provider.Close()
			return nil, err
		}
		backend, err := assets.NewEVMBackend(endpoint.Client(), signer)
		if err != nil {
			provider.Close()
			return nil, err
		}
		wiring := &web3Wiring{
			chainID:  endpoint.ChainID,
			backend:  backend,
			provider: provider,
		}
		if endpoint.NameRegistry != (common.Address{}) {
			wiring.resolver = names.NewResolver(endpoint.ChainID, endpoint.NameRegistry, endpoint.Client())
		}
		wiring.gateways = func(addr common.Address) (swap.Gateway, bool) {
			gateway, err := swap.NewOnchainGateway(addr, endpoint.Client(), signer)
			if err != nil {
				return nil, false
			}
			return gateway, true
		}
		return wiring, nil
	default:
		return nil, fmt.Errorf("unknown web3 backend: %s", cfg.Backend)
	}
}

// signerFromKeys builds the signing table for the accounts this process
// controls.
func signerFromKeys(keys []string, chainID uint64) (assets.SignerFor, error) {
	signers := make(map[common.Address]*bind.TransactOpts, len(keys))
	id := new(big.Int).SetUint64(chainID)
	for _, raw := range keys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, id)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		signers[opts.From] = opts
	}
	return func(addr common.Address) (*bind.TransactOpts, bool) {
		opts, ok := signers[addr]
		return opts, ok
	}, nil
}
