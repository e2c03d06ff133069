package config

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	// Registered so DSN-selected stores work without the caller importing
	// drivers.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/neuromesh/pkg/audit"
	"github.com/Mindburn-Labs/neuromesh/pkg/canonical"
	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
)

// OpenChain builds the audit chain described by cfg, opening whatever
// store it selects. The returned closer releases the store's resources;
// it is a no-op for the memory store.
func OpenChain(ctx context.Context, cfg ChainConfig) (*chain.Chain, func() error, error) {
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	hasher, err := canonical.NewHasher(canonical.Algorithm(cfg.HashAlgorithm))
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("config: chain.hash_algorithm: %w", err)
	}

	ch, err := chain.NewChain(store,
		chain.WithHasher(hasher),
		chain.WithMaxRetries(cfg.MaxRetries),
		chain.WithGenesis(cfg.Genesis),
	)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return ch, closer, nil
}

func openStore(ctx context.Context, cfg ChainConfig) (chain.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case StoreMemory:
		return chain.NewMemoryStore(), noop, nil

	case StorePostgres, StoreSQLite:
		driver := "postgres"
		if cfg.Store == StoreSQLite {
			driver = "sqlite"
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("config: opening %s store: %w", cfg.Store, err)
		}
		store := chain.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("config: initializing %s store: %w", cfg.Store, err)
		}
		return store, db.Close, nil

	case StoreRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("config: parsing redis DSN: %w", err)
		}
		client := redis.NewClient(opts)
		return chain.NewRedisStore(client), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("config: unknown chain.store %q", cfg.Store)
	}
}

// StreamFunc returns the audit stream partitioner the config selects.
func (c AuditConfig) StreamFunc() (audit.StreamFunc, error) {
	switch c.Partition {
	case PartitionBySource, "":
		return audit.PartitionBySource, nil
	case PartitionSingle:
		if c.Stream == "" {
			return nil, fmt.Errorf("config: audit.stream is required for single partitioning")
		}
		return audit.SingleStream(c.Stream), nil
	default:
		return nil, fmt.Errorf("config: unknown audit.partition %q", c.Partition)
	}
}
