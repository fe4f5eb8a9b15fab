package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ha1tch/xmigrate/pkg/batch"
	"github.com/ha1tch/xmigrate/pkg/remote"
)

const Version = "0.3.0"

// Config holds application configuration
type Config struct {
	// Source system
	SourceURL      string
	SourceDB       string
	SourceUsername string
	SourcePassword string

	// Target system
	TargetURL      string
	TargetDB       string
	TargetUsername string
	TargetPassword string

	// Staging
	DataDir  string
	ErrorDir string
	PlanFile string

	// Batching
	BatchSize    int
	ReadPageSize int
	MappingModel string

	// RPC
	RPCTimeout      int // seconds
	PollInterval    int // seconds
	PollCeiling     int // seconds
	NetworkRetries  int
	NetworkBackoff  int // seconds
	ConflictRetries int
	ConflictBackoff int     // seconds
	RPCRateLimit    float64 // calls per second, 0 = unlimited

	// Cache configuration
	CacheType string // "memory", "redis" or "none"
	CacheSize int
	CacheTTL  int // seconds
	RedisHost string
	RedisPort int

	// Status server, disabled when empty
	StatusAddr string

	// SeedSchemas copies source field catalogs onto a local target
	SeedSchemas bool

	LogLevel string
	Debug    bool
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		SourceURL:       "http://localhost:8069",
		TargetURL:       "http://localhost:8070",
		DataDir:         "migration_data",
		ErrorDir:        "migration_errors",
		PlanFile:        "migration.yaml",
		BatchSize:       100,
		ReadPageSize:    500,
		MappingModel:    remote.MappingModel,
		RPCTimeout:      300,
		PollInterval:    10,
		PollCeiling:     300,
		NetworkRetries:  3,
		NetworkBackoff:  5,
		ConflictRetries: 3,
		ConflictBackoff: 10,
		RPCRateLimit:    0,
		CacheType:       "memory",
		CacheSize:       100000,
		CacheTTL:        3600,
		RedisHost:       "localhost",
		RedisPort:       6379,
		LogLevel:        "info",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	setString(&cfg.SourceURL, "SOURCE_URL")
	setString(&cfg.SourceDB, "SOURCE_DB")
	setString(&cfg.SourceUsername, "SOURCE_USERNAME")
	setString(&cfg.SourcePassword, "SOURCE_PASSWORD")
	setString(&cfg.TargetURL, "TARGET_URL")
	setString(&cfg.TargetDB, "TARGET_DB")
	setString(&cfg.TargetUsername, "TARGET_USERNAME")
	setString(&cfg.TargetPassword, "TARGET_PASSWORD")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.ErrorDir, "ERROR_DIR")
	setString(&cfg.PlanFile, "PLAN_FILE")
	setString(&cfg.MappingModel, "MAPPING_MODEL")
	setString(&cfg.CacheType, "CACHE_TYPE")
	setString(&cfg.RedisHost, "REDIS_HOST")
	setString(&cfg.StatusAddr, "STATUS_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setInt(&cfg.BatchSize, "BATCH_SIZE")
	setInt(&cfg.ReadPageSize, "READ_PAGE_SIZE")
	setInt(&cfg.RPCTimeout, "RPC_TIMEOUT")
	setInt(&cfg.PollInterval, "POLL_INTERVAL")
	setInt(&cfg.PollCeiling, "POLL_CEILING")
	setInt(&cfg.NetworkRetries, "NETWORK_RETRIES")
	setInt(&cfg.NetworkBackoff, "NETWORK_BACKOFF")
	setInt(&cfg.ConflictRetries, "CONFLICT_RETRIES")
	setInt(&cfg.ConflictBackoff, "CONFLICT_BACKOFF")
	setInt(&cfg.CacheSize, "CACHE_SIZE")
	setInt(&cfg.CacheTTL, "CACHE_TTL")
	setInt(&cfg.RedisPort, "REDIS_PORT")

	if val := os.Getenv("RPC_RATE_LIMIT"); val != "" {
		if limit, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RPCRateLimit = limit
		}
	}
	if val := os.Getenv("SEED_SCHEMAS"); val != "" {
		cfg.SeedSchemas = parseBool(val)
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
		if cfg.Debug {
			cfg.LogLevel = "debug"
		}
	}
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

// SourceEndpoint returns the source connection settings
func (c *Config) SourceEndpoint() remote.Endpoint {
	return remote.Endpoint{
		URL:      c.SourceURL,
		DB:       c.SourceDB,
		Username: c.SourceUsername,
		Password: c.SourcePassword,
		Timeout:  seconds(c.RPCTimeout),
	}
}

// TargetEndpoint returns the target connection settings
func (c *Config) TargetEndpoint() remote.Endpoint {
	return remote.Endpoint{
		URL:      c.TargetURL,
		DB:       c.TargetDB,
		Username: c.TargetUsername,
		Password: c.TargetPassword,
		Timeout:  seconds(c.RPCTimeout),
	}
}

// RetryPolicy returns the client retry policy
func (c *Config) RetryPolicy() remote.RetryPolicy {
	return remote.RetryPolicy{
		NetworkRetries:  c.NetworkRetries,
		NetworkBackoff:  seconds(c.NetworkBackoff),
		ConflictRetries: c.ConflictRetries,
		ConflictBackoff: seconds(c.ConflictBackoff),
	}
}

// BatchConfig returns the batch polling settings
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		PollInterval:       seconds(c.PollInterval),
		PollCeiling:        seconds(c.PollCeiling),
		UseRemoteProcedure: true,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
