// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bithedge/backend/internal/domain"
)

// Network identifies which Stacks network the backend targets.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
)

// FeedConfig describes one external price source.
type FeedConfig struct {
	Source      string  // source tag recorded on every tick
	URL         string  // full quote endpoint
	Weight      float64 // aggregation weight
	APIKey      string  // optional, sent as a header when set
	MinInterval time.Duration
}

// ContractConfig identifies one deployed contract.
type ContractConfig struct {
	Address string // principal, e.g. SP000...
	Name    string // contract name, e.g. "oracle"
}

// ID returns the fully qualified contract identifier.
func (c ContractConfig) ID() string {
	return c.Address + "." + c.Name
}

// OracleThresholds gates on-chain price submission.
type OracleThresholds struct {
	MinSourceCount int
	MinPctChange   float64
	MinInterval    time.Duration
	MaxInterval    time.Duration
}

// QuoteDefaults holds pricing model defaults.
type QuoteDefaults struct {
	RiskFreeRate   float64
	PeriodDaysSet  []int // recognized protection periods
	ScenarioPoints int
}

// BackupConfig holds S3-compatible snapshot upload settings.
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // custom endpoint for R2/minio, empty for AWS
	Region    string
	AccessKey string
	SecretKey string
	Retention int // number of daily snapshots to keep
}

// Config holds application configuration.
type Config struct {
	DataDir  string
	Port     int
	DevMode  bool
	LogLevel string

	Network      Network
	ChainAPIURL  string // Stacks node / API base URL for the selected network
	SignerKeyHex string // backend signer private key; absence is fatal

	OracleContract   ContractConfig
	PolicyContract   ContractConfig
	PoolContract     ContractConfig
	DeployerAddress  string // sender principal derived config, used for nonce lookups
	Thresholds       OracleThresholds
	Quotes           QuoteDefaults
	Feeds            []FeedConfig
	BinanceStreamURL string // optional websocket trade stream, empty disables

	IngestInterval     time.Duration
	AggregateInterval  time.Duration
	SubmitInterval     time.Duration
	ExpirationInterval time.Duration
	EventPollInterval  time.Duration
	EventPageLimit     int
	ExpirationBatch    int
	AggregateDeadline  time.Duration
	TierCapacityLimit  int64 // per (tier, token) deposit cap in base units, 0 uncapped

	Backup BackupConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BITHEDGE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	network := Network(strings.ToLower(getEnv("NETWORK", "testnet")))

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Network:         network,
		ChainAPIURL:     chainAPIURL(network),
		SignerKeyHex:    getEnv("BACKEND_SIGNER_PRIVATE_KEY", ""),
		DeployerAddress: getEnv("BACKEND_SIGNER_ADDRESS", ""),

		OracleContract: contractFor("ORACLE", network, "oracle"),
		PolicyContract: contractFor("POLICY_REGISTRY", network, "policy-registry"),
		PoolContract:   contractFor("LIQUIDITY_POOL", network, "liquidity-pool-vault"),

		Thresholds: OracleThresholds{
			MinSourceCount: getEnvAsInt("ORACLE_MIN_SOURCE_COUNT", 3),
			MinPctChange:   getEnvAsFloat("ORACLE_MIN_PCT_CHANGE", 1.0),
			MinInterval:    getEnvAsDuration("ORACLE_MIN_INTERVAL", 15*time.Minute),
			MaxInterval:    getEnvAsDuration("ORACLE_MAX_INTERVAL", 24*time.Hour),
		},
		Quotes: QuoteDefaults{
			RiskFreeRate:   getEnvAsFloat("QUOTE_RISK_FREE_RATE", 0.02),
			PeriodDaysSet:  []int{7, 14, 30, 60, 90},
			ScenarioPoints: 21,
		},
		Feeds:            defaultFeeds(),
		BinanceStreamURL: getEnv("BINANCE_STREAM_URL", ""),

		IngestInterval:     getEnvAsDuration("PRICE_INGEST_INTERVAL", 60*time.Second),
		AggregateInterval:  getEnvAsDuration("PRICE_AGGREGATE_INTERVAL", 60*time.Second),
		SubmitInterval:     getEnvAsDuration("ORACLE_SUBMIT_INTERVAL", 5*time.Minute),
		ExpirationInterval: getEnvAsDuration("EXPIRATION_INTERVAL", 30*time.Second),
		EventPollInterval:  getEnvAsDuration("EVENT_POLL_INTERVAL", 30*time.Second),
		EventPageLimit:     getEnvAsInt("EVENT_PAGE_LIMIT", 50),
		ExpirationBatch:    getEnvAsInt("EXPIRATION_BATCH_SIZE", 50),
		AggregateDeadline:  getEnvAsDuration("AGGREGATE_DEADLINE", 30*time.Second),
		TierCapacityLimit:  getEnvAsInt64("TIER_CAPACITY_LIMIT", 0),

		Backup: BackupConfig{
			Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:    getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
			Retention: getEnvAsInt("BACKUP_RETENTION", 7),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present. Failures here are
// fatal at startup.
func (c *Config) Validate() error {
	switch c.Network {
	case NetworkMainnet, NetworkTestnet, NetworkDevnet:
	default:
		return domain.NewError(domain.KindConfig, fmt.Sprintf("unknown network %q", c.Network))
	}

	if c.SignerKeyHex == "" {
		return domain.NewError(domain.KindConfig, "BACKEND_SIGNER_PRIVATE_KEY is required")
	}

	if c.DeployerAddress == "" {
		return domain.NewError(domain.KindConfig, "BACKEND_SIGNER_ADDRESS is required")
	}

	if c.OracleContract.Address == "" || c.PolicyContract.Address == "" || c.PoolContract.Address == "" {
		return domain.NewError(domain.KindConfig, "contract addresses must be configured for the selected network")
	}

	if len(c.Feeds) == 0 {
		return domain.NewError(domain.KindConfig, "at least one price feed must be configured")
	}

	return nil
}

// chainAPIURL resolves the node API base URL for a network, with per-network
// env overrides.
func chainAPIURL(network Network) string {
	switch network {
	case NetworkMainnet:
		return getEnv("MAINNET_API_URL", "https://api.hiro.so")
	case NetworkTestnet:
		return getEnv("TESTNET_API_URL", "https://api.testnet.hiro.so")
	default:
		return getEnv("DEVNET_API_URL", "http://localhost:3999")
	}
}

// contractFor reads the per-network contract address env var, e.g.
// ORACLE_CONTRACT_ADDRESS_TESTNET.
func contractFor(prefix string, network Network, name string) ContractConfig {
	envKey := fmt.Sprintf("%s_CONTRACT_ADDRESS_%s", prefix, strings.ToUpper(string(network)))
	return ContractConfig{
		Address: getEnv(envKey, ""),
		Name:    getEnv(prefix+"_CONTRACT_NAME", name),
	}
}

// defaultFeeds builds the external price source set. Weights: major
// centralized venues 1.5, mid-tier 1.3, others 1.0.
func defaultFeeds() []FeedConfig {
	feeds := []FeedConfig{
		{Source: "binance", URL: getEnv("BINANCE_API_URL", "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT"), Weight: 1.5, MinInterval: 10 * time.Second},
		{Source: "coinbase", URL: getEnv("COINBASE_API_URL", "https://api.coinbase.com/v2/prices/BTC-USD/spot"), Weight: 1.5, MinInterval: 10 * time.Second},
		{Source: "kraken", URL: getEnv("KRAKEN_API_URL", "https://api.kraken.com/0/public/Ticker?pair=XBTUSD"), Weight: 1.3, MinInterval: 10 * time.Second},
		{Source: "bitstamp", URL: getEnv("BITSTAMP_API_URL", "https://www.bitstamp.net/api/v2/ticker/btcusd/"), Weight: 1.3, MinInterval: 10 * time.Second},
		{Source: "gemini", URL: getEnv("GEMINI_API_URL", "https://api.gemini.com/v1/pubticker/btcusd"), Weight: 1.0, MinInterval: 10 * time.Second},
		{Source: "coingecko", URL: getEnv("COINGECKO_API_URL", "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"), Weight: 1.0, APIKey: getEnv("COINGECKO_API_KEY", ""), MinInterval: 30 * time.Second},
	}
	return feeds
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
