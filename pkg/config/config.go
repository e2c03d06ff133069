// Package config holds the explicit configuration for every substrate
// component. There is no hidden process-wide state: a process loads one
// Config (defaults, environment, or a YAML profile), validates it, and
// passes the relevant sections to component constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store types accepted by ChainConfig.Store.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Audit stream partitioning modes.
const (
	PartitionBySource = "source"
	PartitionSingle   = "single"
)

// Config aggregates the per-component configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Chain         ChainConfig         `yaml:"chain"`
	Audit         AuditConfig         `yaml:"audit"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig identifies the process.
type ServiceConfig struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
}

// RBACConfig configures the decision engine's cache and identity source.
type RBACConfig struct {
	IdentityURL      string `yaml:"identity_url"`
	StalenessSeconds int    `yaml:"staleness_seconds"`
	ResolveTimeoutMS int    `yaml:"resolve_timeout_ms"`
	RefreshBurst     int    `yaml:"refresh_burst"`
}

// Staleness returns the role-cache staleness window.
func (c RBACConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessSeconds) * time.Second
}

// ResolveTimeout bounds a single identity source call.
func (c RBACConfig) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutMS) * time.Millisecond
}

// ChainConfig configures the audit chain and its store.
type ChainConfig struct {
	Store         string `yaml:"store"` // memory | postgres | sqlite | redis
	DSN           string `yaml:"dsn"`
	Genesis       string `yaml:"genesis"`
	MaxRetries    int    `yaml:"max_retries"`
	HashAlgorithm string `yaml:"hash_algorithm"` // sha256 | sha3-256 | blake3
}

// AuditConfig configures emission and export.
type AuditConfig struct {
	Partition string `yaml:"partition"` // source | single
	Stream    string `yaml:"stream"`    // stream name when partition is single
}

// RegistryConfig configures the registration client and runner.
type RegistryConfig struct {
	Address                  string `yaml:"address"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	RegisterBackoffBaseMS    int    `yaml:"register_backoff_base_ms"`
	RegisterBackoffMaxMS     int    `yaml:"register_backoff_max_ms"`
	DegradedAfter            int    `yaml:"degraded_after"`
	UnreachableAfter         int    `yaml:"unreachable_after"`
}

// HeartbeatInterval returns the heartbeat cadence.
func (c RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// RegisterBackoff returns the registration retry backoff bounds.
func (c RegistryConfig) RegisterBackoff() (base, max time.Duration) {
	return time.Duration(c.RegisterBackoffBaseMS) * time.Millisecond,
		time.Duration(c.RegisterBackoffMaxMS) * time.Millisecond
}

// ObservabilityConfig configures telemetry export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Default returns a configuration suitable for local development: memory
// chain store, per-source audit streams, telemetry off.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:    "neuromesh",
			Version: "0.0.0",
			Address: "127.0.0.1:8080",
		},
		RBAC: RBACConfig{
			StalenessSeconds: 300,
			ResolveTimeoutMS: 3000,
			RefreshBurst:     4,
		},
		Chain: ChainConfig{
			Store:         StoreMemory,
			Genesis:       "genesis",
			MaxRetries:    5,
			HashAlgorithm: "sha256",
		},
		Audit: AuditConfig{
			Partition: PartitionBySource,
		},
		Registry: RegistryConfig{
			HeartbeatIntervalSeconds: 15,
			RegisterBackoffBaseMS:    100,
			RegisterBackoffMaxMS:     30000,
			DegradedAfter:            1,
			UnreachableAfter:         3,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// FromEnv loads configuration from NEUROMESH_* environment variables over
// the defaults. Unset variables keep their default; malformed values are
// collected and reported together.
func FromEnv() (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	flt := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("NEUROMESH_SERVICE_NAME", &cfg.Service.Name)
	str("NEUROMESH_SERVICE_VERSION", &cfg.Service.Version)
	str("NEUROMESH_SERVICE_ADDRESS", &cfg.Service.Address)

	str("NEUROMESH_IDENTITY_URL", &cfg.RBAC.IdentityURL)
	num("NEUROMESH_RBAC_STALENESS_SECONDS", &cfg.RBAC.StalenessSeconds)
	num("NEUROMESH_RBAC_RESOLVE_TIMEOUT_MS", &cfg.RBAC.ResolveTimeoutMS)
	num("NEUROMESH_RBAC_REFRESH_BURST", &cfg.RBAC.RefreshBurst)

	str("NEUROMESH_CHAIN_STORE", &cfg.Chain.Store)
	str("NEUROMESH_CHAIN_DSN", &cfg.Chain.DSN)
	str("NEUROMESH_CHAIN_GENESIS", &cfg.Chain.Genesis)
	num("NEUROMESH_CHAIN_MAX_RETRIES", &cfg.Chain.MaxRetries)
	str("NEUROMESH_CHAIN_HASH_ALGORITHM", &cfg.Chain.HashAlgorithm)

	str("NEUROMESH_AUDIT_PARTITION", &cfg.Audit.Partition)
	str("NEUROMESH_AUDIT_STREAM", &cfg.Audit.Stream)

	str("NEUROMESH_REGISTRY_ADDRESS", &cfg.Registry.Address)
	num("NEUROMESH_REGISTRY_HEARTBEAT_SECONDS", &cfg.Registry.HeartbeatIntervalSeconds)
	num("NEUROMESH_REGISTRY_BACKOFF_BASE_MS", &cfg.Registry.RegisterBackoffBaseMS)
	num("NEUROMESH_REGISTRY_BACKOFF_MAX_MS", &cfg.Registry.RegisterBackoffMaxMS)
	num("NEUROMESH_REGISTRY_DEGRADED_AFTER", &cfg.Registry.DegradedAfter)
	num("NEUROMESH_REGISTRY_UNREACHABLE_AFTER", &cfg.Registry.UnreachableAfter)

	boolean("NEUROMESH_TELEMETRY_ENABLED", &cfg.Observability.Enabled)
	str("NEUROMESH_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	flt("NEUROMESH_TELEMETRY_SAMPLE_RATE", &cfg.Observability.SampleRate)
	boolean("NEUROMESH_TELEMETRY_INSECURE", &cfg.Observability.Insecure)
	str("NEUROMESH_ENVIRONMENT", &cfg.Observability.Environment)

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	var errs []error

	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	if c.RBAC.StalenessSeconds <= 0 {
		errs = append(errs, errors.New("rbac.staleness_seconds must be positive"))
	}
	if c.RBAC.ResolveTimeoutMS <= 0 {
		errs = append(errs, errors.New("rbac.resolve_timeout_ms must be positive"))
	}

	switch c.Chain.Store {
	case StoreMemory:
	case StorePostgres, StoreSQLite, StoreRedis:
		if c.Chain.DSN == "" {
			errs = append(errs, fmt.Errorf("chain.dsn is required for the %s store", c.Chain.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chain.store %q", c.Chain.Store))
	}
	if c.Chain.Genesis == "" {
		errs = append(errs, errors.New("chain.genesis is required"))
	}
	if c.Chain.MaxRetries < 1 {
		errs = append(errs, errors.New("chain.max_retries must be at least 1"))
	}

	switch c.Audit.Partition {
	case PartitionBySource:
	case PartitionSingle:
		if c.Audit.Stream == "" {
			errs = append(errs, errors.New("audit.stream is required for single partitioning"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.partition %q", c.Audit.Partition))
	}

	if c.Registry.HeartbeatIntervalSeconds <= 0 {
		errs = append(errs, errors.New("registry.heartbeat_interval_seconds must be positive"))
	}
	if c.Registry.DegradedAfter < 1 || c.Registry.UnreachableAfter < c.Registry.DegradedAfter {
		errs = append(errs, errors.New("registry health thresholds must satisfy 1 <= degraded_after <= unreachable_after"))
	}

	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, errors.New("observability.sample_rate must be within [0, 1]"))
	}
	if c.Observability.Enabled && c.Observability.OTLPEndpoint == "" {
		errs = append(errs, errors.New("observability.otlp_endpoint is required when telemetry is enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
