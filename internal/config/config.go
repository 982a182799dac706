package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ReceiptChain/internal/canonical"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/pkg/logger"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvSigningKey      = "RECEIPTD_SIGNING_KEY"
	EnvHashAlgorithm   = "RECEIPTD_HASH_ALGORITHM"
	EnvMaxDepth        = "RECEIPTD_MAX_DEPTH"
	EnvMaxPackageBytes = "RECEIPTD_MAX_PACKAGE_BYTES"
	EnvRPCAllowList    = "RECEIPTD_RPC_ALLOWLIST"
	EnvChainConfig     = "RECEIPTD_CHAIN_CONFIG"
	EnvLogLevel        = "RECEIPTD_LOG_LEVEL"
	EnvSettlementMode  = "RECEIPTD_SETTLEMENT_MODE"
	EnvReceiptDSN      = "RECEIPTD_RECEIPT_DSN"
	EnvRedisAddr       = "RECEIPTD_REDIS_ADDR"
	EnvQueueDriver     = "RECEIPTD_QUEUE_DRIVER"
	EnvAMQPURL         = "RECEIPTD_AMQP_URL"
)

// Config is everything receiptd reads at start-up.
type Config struct {
	Receipt  ReceiptConfig  `json:"receipt"`
	Ledger   LedgerConfig   `json:"ledger"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Worker   WorkerConfig   `json:"worker"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ReceiptConfig controls hashing, signing and the publication gates.
type ReceiptConfig struct {
	SigningKey      string `json:"signing_key"`
	HashAlgorithm   string `json:"hash_algorithm"`
	MaxDepth        int    `json:"max_depth"`
	MaxPackageBytes int    `json:"max_package_bytes"`
	SettlementMode  string `json:"settlement_mode"`
}

// LedgerConfig points at the chain definitions and extends the RPC
// allow-list.
type LedgerConfig struct {
	ChainConfig           string   `json:"chain_config"`
	RPCAllowList          []string `json:"rpc_allowlist"`
	ConfirmationThreshold uint64   `json:"confirmation_threshold"`
}

// StorageConfig describes the receipt repository and the Redis index.
type StorageConfig struct {
	Receipts ReceiptStoreConfig `json:"receipts"`
	Tasks    TaskStoreConfig    `json:"tasks"`
	Redis    RedisConfig        `json:"redis"`
}

// ReceiptStoreConfig selects the receipt repository. The memory driver
// appends to Path when it is set.
type ReceiptStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// TaskStoreConfig selects where commit jobs are tracked.
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// RedisConfig enables the package-hash index and settlement gate when Addr
// is set.
type RedisConfig struct {
	Addr          string `json:"addr"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Prefix        string `json:"prefix"`
	SettlementSet string `json:"settlement_set"`
}

// QueueConfig selects the commit job queue.
type QueueConfig struct {
	Driver       string `json:"driver"`
	Buffer       int    `json:"buffer"`
	RedisKey     string `json:"redis_key"`
	AMQPURL      string `json:"amqp_url"`
	AMQPQueue    string `json:"amqp_queue"`
	AMQPPrefetch int    `json:"amqp_prefetch"`
}

// WorkerConfig tunes the commit worker.
type WorkerConfig struct {
	Concurrency    int    `json:"concurrency"`
	MaxRetries     int    `json:"max_retries"`
	MetricsAddress string `json:"metrics_address"`
	CommitTimeout  string `json:"commit_timeout"`
}

// AlertingConfig configures terminal failure notifications.
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
	Timeout    string `json:"timeout"`
}

// RuntimeConfig holds paths shared by every component.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Default returns a configuration with every default applied, rooted at
// the working directory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load parses the JSON file at path and fills in defaults. Relative paths
// in the file are resolved against its directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "open config file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read config file")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse config file")
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults fills fields left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Receipt.HashAlgorithm == "" {
		c.Receipt.HashAlgorithm = string(receipt.HashSHA256)
	}
	if c.Receipt.MaxDepth == 0 {
		c.Receipt.MaxDepth = canonical.DefaultMaxDepth
	}
	if c.Receipt.MaxPackageBytes == 0 {
		c.Receipt.MaxPackageBytes = canonical.DefaultMaxBytes
	}
	if c.Receipt.SettlementMode == "" {
		c.Receipt.SettlementMode = string(receipt.SettlementAssumed)
	}
	c.Receipt.SigningKey = resolve(baseDir, c.Receipt.SigningKey)
	c.Ledger.ChainConfig = resolve(baseDir, c.Ledger.ChainConfig)
	if c.Ledger.ConfirmationThreshold == 0 {
		c.Ledger.ConfirmationThreshold = 1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Receipts.Driver == "" {
		c.Storage.Receipts.Driver = "memory"
	}
	if c.Storage.Receipts.Driver == "memory" && c.Storage.Receipts.Path == "" {
		c.Storage.Receipts.Path = filepath.Join(c.Runtime.DataDir, "receipts.jsonl")
	} else {
		c.Storage.Receipts.Path = resolve(baseDir, c.Storage.Receipts.Path)
	}
	if c.Storage.Tasks.Driver == "" {
		c.Storage.Tasks.Driver = "memory"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "receiptchain"
	}
	if c.Storage.Redis.SettlementSet == "" {
		c.Storage.Redis.SettlementSet = "settled"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}
	if c.Queue.RedisKey == "" {
		c.Queue.RedisKey = "receiptchain:commits"
	}
	if c.Queue.AMQPQueue == "" {
		c.Queue.AMQPQueue = "receiptchain.commits"
	}
	if c.Queue.AMQPPrefetch <= 0 {
		c.Queue.AMQPPrefetch = 1
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.MetricsAddress == "" {
		c.Worker.MetricsAddress = ":9464"
	}
	if c.Worker.CommitTimeout == "" {
		c.Worker.CommitTimeout = "30s"
	}
	if c.Alerting.Timeout == "" {
		c.Alerting.Timeout = "5s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ApplyEnv overlays the RECEIPTD_* variables found through lookup. A nil
// lookup reads the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("%s must be an integer", name))
		}
		*dst = n
		return nil
	}

	str(EnvSigningKey, &c.Receipt.SigningKey)
	str(EnvHashAlgorithm, &c.Receipt.HashAlgorithm)
	str(EnvSettlementMode, &c.Receipt.SettlementMode)
	str(EnvChainConfig, &c.Ledger.ChainConfig)
	str(EnvLogLevel, &c.Logging.Level)
	str(EnvRedisAddr, &c.Storage.Redis.Addr)
	str(EnvQueueDriver, &c.Queue.Driver)
	str(EnvAMQPURL, &c.Queue.AMQPURL)
	if v, ok := lookup(EnvReceiptDSN); ok && strings.TrimSpace(v) != "" {
		c.Storage.Receipts.Driver = "mysql"
		c.Storage.Receipts.DSN = strings.TrimSpace(v)
	}
	if err := num(EnvMaxDepth, &c.Receipt.MaxDepth); err != nil {
		return err
	}
	if err := num(EnvMaxPackageBytes, &c.Receipt.MaxPackageBytes); err != nil {
		return err
	}
	if v, ok := lookup(EnvRPCAllowList); ok {
		for _, host := range strings.Split(v, ",") {
			if host = strings.TrimSpace(host); host != "" {
				c.Ledger.RPCAllowList = append(c.Ledger.RPCAllowList, host)
			}
		}
	}
	return nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	if _, err := receipt.ParseHashAlgorithm(c.Receipt.HashAlgorithm); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "receipt.hash_algorithm")
	}
	if c.Receipt.MaxDepth <= 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "receipt.max_depth must be positive")
	}
	if c.Receipt.MaxPackageBytes <= 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "receipt.max_package_bytes must be positive")
	}
	if _, err := receipt.ParseSettlementMode(c.Receipt.SettlementMode); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "receipt.settlement_mode")
	}
	if err := oneOf("storage.receipts.driver", c.Storage.Receipts.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Receipts.Driver == "mysql" && c.Storage.Receipts.DSN == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "storage.receipts.dsn is required for the mysql driver")
	}
	if err := oneOf("storage.tasks.driver", c.Storage.Tasks.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Tasks.Driver == "mysql" && c.Storage.Tasks.DSN == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "storage.tasks.dsn is required for the mysql driver")
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Queue.Driver == "redis" && c.Storage.Redis.Addr == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "storage.redis.addr is required for the redis queue")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.AMQPURL == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "queue.amqp_url is required for the rabbitmq queue")
	}
	if c.Worker.MaxRetries < 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "worker.max_retries cannot be negative")
	}
	for field, value := range map[string]string{
		"worker.commit_timeout": c.Worker.CommitTimeout,
		"alerting.timeout":      c.Alerting.Timeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return xerrors.Wrap(xerrors.CodeConfigInvalid, err, field)
		}
	}
	for _, host := range c.Ledger.RPCAllowList {
		if strings.ContainsAny(host, "/:@ ") {
			return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("ledger.rpc_allowlist entry %q must be a bare host name", host))
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeConfigInvalid,
		fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
}

// Codec builds the canonical codec with the configured bounds.
func (c *Config) Codec() *canonical.Codec {
	return canonical.New(
		canonical.WithMaxDepth(c.Receipt.MaxDepth),
		canonical.WithMaxBytes(c.Receipt.MaxPackageBytes),
	)
}

// Hasher builds the package hasher.
func (c *Config) Hasher() (*receipt.Hasher, error) {
	alg, err := receipt.ParseHashAlgorithm(c.Receipt.HashAlgorithm)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "receipt.hash_algorithm")
	}
	return receipt.NewHasher(alg, c.Codec())
}

// Settlement returns the parsed settlement mode.
func (c *Config) Settlement() (receipt.SettlementMode, error) {
	return receipt.ParseSettlementMode(c.Receipt.SettlementMode)
}

// AllowList returns the default RPC allow-list extended with the
// configured hosts.
func (c *Config) AllowList() ledger.AllowList {
	return ledger.DefaultAllowList().With(c.Ledger.RPCAllowList...)
}

// CommitTimeout parses worker.commit_timeout.
func (c *Config) CommitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Worker.CommitTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// AlertTimeout parses alerting.timeout.
func (c *Config) AlertTimeout() time.Duration {
	d, err := time.ParseDuration(c.Alerting.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
