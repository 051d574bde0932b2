// Package config handles configuration loading and validation.
//
// Values are layered: defaults, then a .env file, then the process
// environment, then command-line flags. Later layers win.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/gateway-fm/callbench/internal/keystore"
)

// Config holds benchmark configuration.
type Config struct {
	RPCURL  string
	WSURL   string // new-head subscription; empty disables it
	ChainID int64  // 0 = ask the node

	KeystoreBackend   keystore.Backend
	KeystorePath      string
	KeystoreNamespace string

	GasTipCap int64  // wei; 0 = 1 gwei
	GasFeeCap int64  // wei; 0 = derived from the base fee
	GasLimit  uint64 // 0 = estimate per call
	LegacyTx  bool

	RPCTimeout        time.Duration
	RPCMaxRetries     int
	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
	ConfirmationDepth uint64

	RateLimit   float64 // calls per second; 0 = unlimited
	MaxInFlight int     // 0 = unlimited

	SingleRunTimes  int
	ContractAddress string
	ContractABI     string // optional ABI or artifact path for the default contract
	ScenarioFile    string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Defaults
const (
	DefaultRPCURL            = "http://localhost:8545"
	DefaultKeystorePath      = "./data"
	DefaultRPCTimeout        = 10 * time.Second
	DefaultRPCMaxRetries     = 3
	DefaultReceiptTimeout    = 60 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultConfirmationDepth = 2
	DefaultSingleRunTimes    = 3
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RPCURL:            DefaultRPCURL,
		KeystoreBackend:   keystore.BackendJSON,
		KeystorePath:      DefaultKeystorePath,
		KeystoreNamespace: keystore.DefaultNamespace,
		RPCTimeout:        DefaultRPCTimeout,
		RPCMaxRetries:     DefaultRPCMaxRetries,
		ReceiptTimeout:    DefaultReceiptTimeout,
		PollInterval:      DefaultPollInterval,
		ConfirmationDepth: DefaultConfirmationDepth,
		SingleRunTimes:    DefaultSingleRunTimes,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// option binds one setting to its environment variable and flag. Both
// sources go through the same parser.
type option struct {
	env   string
	flag  string
	usage string
	get   func(c *Config) string
	set   func(c *Config, v string) error
}

func stringOpt(env, flag, usage string, field func(c *Config) *string) option {
	return option{
		env: env, flag: flag, usage: usage,
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func intOpt(env, flag, usage string, field func(c *Config) *int) option {
	return option{
		env: env, flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func int64Opt(env, flag, usage string, field func(c *Config) *int64) option {
	return option{
		env: env, flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.FormatInt(*field(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func uint64Opt(env, flag, usage string, field func(c *Config) *uint64) option {
	return option{
		env: env, flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.FormatUint(*field(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func durationOpt(env, flag, usage string, field func(c *Config) *time.Duration) option {
	return option{
		env: env, flag: flag, usage: usage,
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := parseDuration(v)
			if err != nil {
				return err
			}
			*field(c) = d
			return nil
		},
	}
}

// parseDuration accepts Go durations ("1500ms", "2s") and bare milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

var options = []option{
	stringOpt("RPC_URL", "rpc-url", "JSON-RPC endpoint", func(c *Config) *string { return &c.RPCURL }),
	stringOpt("WS_URL", "ws-url", "WebSocket endpoint for new heads (empty disables)", func(c *Config) *string { return &c.WSURL }),
	int64Opt("CHAIN_ID", "chain-id", "chain id (0 = ask the node)", func(c *Config) *int64 { return &c.ChainID }),
	{
		env: "KEYSTORE_BACKEND", flag: "keystore-backend", usage: "keystore backend: json, sqlite or badger",
		get: func(c *Config) string { return string(c.KeystoreBackend) },
		set: func(c *Config, v string) error { c.KeystoreBackend = keystore.Backend(strings.ToLower(v)); return nil },
	},
	stringOpt("KEYSTORE_PATH", "keystore-path", "keystore directory (sqlite: database file)", func(c *Config) *string { return &c.KeystorePath }),
	stringOpt("KEYSTORE_NAMESPACE", "keystore-namespace", "keystore namespace", func(c *Config) *string { return &c.KeystoreNamespace }),
	int64Opt("GAS_TIP_CAP", "gas-tip-cap", "priority fee in wei (0 = 1 gwei)", func(c *Config) *int64 { return &c.GasTipCap }),
	int64Opt("GAS_FEE_CAP", "gas-fee-cap", "max fee per gas in wei (0 = from base fee)", func(c *Config) *int64 { return &c.GasFeeCap }),
	uint64Opt("GAS_LIMIT", "gas-limit", "gas limit for writes (0 = estimate)", func(c *Config) *uint64 { return &c.GasLimit }),
	{
		env: "LEGACY_TX", flag: "legacy-tx", usage: "send legacy transactions instead of EIP-1559",
		get: func(c *Config) string { return strconv.FormatBool(c.LegacyTx) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.LegacyTx = b
			return nil
		},
	},
	durationOpt("RPC_TIMEOUT", "rpc-timeout", "per-request RPC timeout", func(c *Config) *time.Duration { return &c.RPCTimeout }),
	intOpt("RPC_MAX_RETRIES", "rpc-max-retries", "retries for retryable RPC failures", func(c *Config) *int { return &c.RPCMaxRetries }),
	durationOpt("RECEIPT_TIMEOUT", "receipt-timeout", "how long a write waits for its receipt or finality", func(c *Config) *time.Duration { return &c.ReceiptTimeout }),
	durationOpt("POLL_INTERVAL", "poll-interval", "receipt and head polling interval", func(c *Config) *time.Duration { return &c.PollInterval }),
	uint64Opt("CONFIRMATION_DEPTH", "confirmation-depth", "blocks on top of a write when the node has no finalized tag", func(c *Config) *uint64 { return &c.ConfirmationDepth }),
	{
		env: "RATE_LIMIT", flag: "rate-limit", usage: "max calls per second (0 = unlimited)",
		get: func(c *Config) string { return strconv.FormatFloat(c.RateLimit, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.RateLimit = f
			return nil
		},
	},
	intOpt("MAX_IN_FLIGHT", "max-in-flight", "max calls in flight (0 = unlimited)", func(c *Config) *int { return &c.MaxInFlight }),
	intOpt("SINGLE_RUN_TIMES", "single-run-times", "repeat count of single-account scenarios", func(c *Config) *int { return &c.SingleRunTimes }),
	stringOpt("CONTRACT_ADDRESS", "contract", "counter contract address for the default scenarios", func(c *Config) *string { return &c.ContractAddress }),
	stringOpt("CONTRACT_ABI", "contract-abi", "ABI or artifact file for the default contract", func(c *Config) *string { return &c.ContractABI }),
	stringOpt("SCENARIO_FILE", "scenarios", "YAML scenario file (default: counter scenarios)", func(c *Config) *string { return &c.ScenarioFile }),
	stringOpt("METRICS_ADDR", "metrics-addr", "serve Prometheus metrics on this address", func(c *Config) *string { return &c.MetricsAddr }),
	stringOpt("LOG_LEVEL", "log-level", "log level: debug, info, warn, error", func(c *Config) *string { return &c.LogLevel }),
	stringOpt("LOG_FORMAT", "log-format", "log format: text or json", func(c *Config) *string { return &c.LogFormat }),
}

// RegisterFlags adds a flag for every setting to fs. Flag defaults show the
// built-in values; only flags set on the command line override the
// environment.
func RegisterFlags(fs *pflag.FlagSet) {
	defaults := Default()
	for _, o := range options {
		fs.String(o.flag, o.get(defaults), o.usage+" (env "+o.env+")")
	}
	fs.String("env-file", ".env", "dotenv file to load (missing file is ignored)")
}

// Load builds the configuration from an optional dotenv file, the
// environment and the flags changed on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	if fs != nil {
		if f := fs.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	dotenv, err := readDotenv(envFile)
	if err != nil {
		return nil, err
	}
	return load(dotenv, os.LookupEnv, fs)
}

func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return values, nil
}

func load(dotenv map[string]string, lookupEnv func(string) (string, bool), fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	for _, o := range options {
		v, ok := lookupEnv(o.env)
		if !ok {
			v, ok = dotenv[o.env]
		}
		if !ok || v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", o.env, v, err)
		}
	}

	if fs != nil {
		for _, o := range options {
			f := fs.Lookup(o.flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := o.set(cfg, f.Value.String()); err != nil {
				return nil, fmt.Errorf("invalid --%s %q: %w", o.flag, f.Value.String(), err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if u, err := url.Parse(c.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("RPC URL must be http(s), got %q", c.RPCURL)
	}
	if c.WSURL != "" {
		if u, err := url.Parse(c.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("WS URL must be ws(s), got %q", c.WSURL)
		}
	}
	if c.ChainID < 0 {
		return fmt.Errorf("chain ID cannot be negative")
	}
	switch c.KeystoreBackend {
	case keystore.BackendJSON, keystore.BackendSQLite, keystore.BackendBadger:
	default:
		return fmt.Errorf("%w: %q", keystore.ErrUnknownBackend, c.KeystoreBackend)
	}
	if c.KeystorePath == "" {
		return fmt.Errorf("keystore path is required")
	}
	if c.KeystoreNamespace == "" {
		return fmt.Errorf("keystore namespace is required")
	}
	if c.GasTipCap < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}
	// GasFeeCap can be 0 (derived from the chain) or positive
	if c.GasFeeCap < 0 {
		return fmt.Errorf("gas fee cap cannot be negative")
	}
	if c.GasFeeCap > 0 && c.GasTipCap > c.GasFeeCap {
		return fmt.Errorf("gas tip cap %d exceeds gas fee cap %d", c.GasTipCap, c.GasFeeCap)
	}
	if c.RPCTimeout <= 0 || c.ReceiptTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("timeouts and poll interval must be positive")
	}
	if c.RPCMaxRetries < 0 {
		return fmt.Errorf("RPC max retries cannot be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in flight cannot be negative")
	}
	if c.SingleRunTimes <= 0 {
		return fmt.Errorf("single run times must be positive, got %d", c.SingleRunTimes)
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", c.ContractAddress)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
