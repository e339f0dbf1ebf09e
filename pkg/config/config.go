// pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Nonce allocation modes
const (
	NonceModeLocal  = "local"
	NonceModeShared = "shared"
)

// Submission queue modes
const (
	QueueModeLocal       = "local"
	QueueModeDistributed = "distributed"
)

// EnvPrefix is the prefix for namespaced environment variables.
const EnvPrefix = "ORACLED"

// Config holds all configuration for the application
type Config struct {
	API     APIConfig
	Chain   ChainConfig
	Redis   RedisConfig
	Nonce   NonceConfig
	Queue   QueueConfig
	Kafka   KafkaConfig
	Auth    AuthConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// APIConfig holds API-related configuration
type APIConfig struct {
	Port               string
	Version            string
	CORSAllowedOrigins []string
	// RateLimit is the number of requests allowed per client IP per hour.
	RateLimit       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ChainConfig holds the signing identity and registry binding
type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	RegistryAddress string
	// ChainID overrides detection from the node when non-zero.
	ChainID             int64
	RPCTimeout          time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
}

// Configured reports whether a signing identity can be built.
func (c ChainConfig) Configured() bool {
	return c.RPCURL != "" && c.PrivateKey != "" && c.RegistryAddress != ""
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	// URL takes precedence over Address/Password/DB when set.
	URL      string
	Address  string
	Password string
	DB       int
}

// Enabled reports whether any Redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != "" || c.Address != ""
}

// NonceConfig selects the nonce allocator
type NonceConfig struct {
	Mode string
}

// QueueConfig selects and tunes the submission queue
type QueueConfig struct {
	Mode          string
	WorkerEnabled bool
	Prefix        string
	WaitTimeout   time.Duration
	ResultTTL     time.Duration
}

// KafkaConfig holds Kafka-related configuration
type KafkaConfig struct {
	Brokers        string
	ConfirmedTopic string
	FailedTopic    string
}

// Enabled reports whether submission events should be published.
func (c KafkaConfig) Enabled() bool {
	return c.Brokers != ""
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string
	Environment string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an optional YAML/JSON/TOML file.
	ConfigFile string
	// EnvFiles are dotenv files loaded before the environment is read. Missing files are ignored.
	EnvFiles []string
	// Flags are bound over every other source when set.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns options that read ./.env and the process environment.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{EnvFiles: []string{".env"}}
}

// legacyEnv maps config keys to the unprefixed variable names of earlier deployments.
var legacyEnv = map[string]string{
	"api.port":               "PORT",
	"api.cors_origins":       "CORS_ORIGIN",
	"api.rate_limit":         "RATE_LIMIT_MAX",
	"chain.rpc_url":          "RPC_URL",
	"chain.private_key":      "PRIVATE_KEY",
	"chain.registry_address": "REGISTRY_ADDRESS",
	"redis.url":              "REDIS_URL",
	"queue.worker_enabled":   "QUEUE_WORKER",
	"auth.api_key":           "API_KEY",
	"auth.jwt_secret":        "JWT_SECRET",
	"log.level":              "LOG_LEVEL",
	"log.environment":        "NODE_ENV",
	"kafka.brokers":          "KAFKA_BROKERS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", "3000")
	v.SetDefault("api.version", "v1")
	v.SetDefault("api.cors_origins", "")
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)

	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.rpc_timeout", 15*time.Second)
	v.SetDefault("chain.receipt_timeout", 2*time.Minute)
	v.SetDefault("chain.receipt_poll_interval", time.Second)
	v.SetDefault("chain.max_retries", 2)
	v.SetDefault("chain.retry_backoff", 200*time.Millisecond)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nonce.mode", NonceModeLocal)

	v.SetDefault("queue.mode", QueueModeLocal)
	v.SetDefault("queue.worker_enabled", true)
	v.SetDefault("queue.prefix", "chainjobs")
	v.SetDefault("queue.wait_timeout", 20*time.Second)
	v.SetDefault("queue.result_ttl", time.Hour)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.confirmed_topic", "resolutions.confirmed")
	v.SetDefault("kafka.failed_topic", "resolutions.failed")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")
	v.SetDefault("metrics.namespace", "oracled")
}

// Load loads configuration from .env, the environment and defaults
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from the sources named in opts
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	for _, f := range opts.EnvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.Flags != nil {
		if err := v.BindPFlags(opts.Flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{
		API: APIConfig{
			Port:               v.GetString("api.port"),
			Version:            v.GetString("api.version"),
			CORSAllowedOrigins: splitList(v.GetString("api.cors_origins")),
			RateLimit:          v.GetInt("api.rate_limit"),
			ReadTimeout:        v.GetDuration("api.read_timeout"),
			WriteTimeout:       v.GetDuration("api.write_timeout"),
			ShutdownTimeout:    v.GetDuration("api.shutdown_timeout"),
		},
		Chain: ChainConfig{
			RPCURL:              v.GetString("chain.rpc_url"),
			PrivateKey:          v.GetString("chain.private_key"),
			RegistryAddress:     v.GetString("chain.registry_address"),
			ChainID:             v.GetInt64("chain.chain_id"),
			RPCTimeout:          v.GetDuration("chain.rpc_timeout"),
			ReceiptTimeout:      v.GetDuration("chain.receipt_timeout"),
			ReceiptPollInterval: v.GetDuration("chain.receipt_poll_interval"),
			MaxRetries:          v.GetInt("chain.max_retries"),
			RetryBackoff:        v.GetDuration("chain.retry_backoff"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Nonce: NonceConfig{
			Mode: strings.ToLower(v.GetString("nonce.mode")),
		},
		Queue: QueueConfig{
			Mode:          strings.ToLower(v.GetString("queue.mode")),
			WorkerEnabled: v.GetBool("queue.worker_enabled"),
			Prefix:        v.GetString("queue.prefix"),
			WaitTimeout:   v.GetDuration("queue.wait_timeout"),
			ResultTTL:     v.GetDuration("queue.result_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers:        v.GetString("kafka.brokers"),
			ConfirmedTopic: v.GetString("kafka.confirmed_topic"),
			FailedTopic:    v.GetString("kafka.failed_topic"),
		},
		Auth: AuthConfig{
			APIKey:    v.GetString("auth.api_key"),
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Log: LogConfig{
			Level:       strings.ToLower(v.GetString("log.level")),
			Environment: v.GetString("log.environment"),
		},
		Metrics: MetricsConfig{
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	// USE_REDIS_NONCE=true predates nonce.mode and still selects the shared allocator.
	if cfg.Nonce.Mode == NonceModeLocal && strings.EqualFold(os.Getenv("USE_REDIS_NONCE"), "true") {
		cfg.Nonce.Mode = NonceModeShared
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects mode combinations that cannot run
func (c *Config) Validate() error {
	switch c.Nonce.Mode {
	case NonceModeLocal, NonceModeShared:
	default:
		return fmt.Errorf("invalid nonce mode %q (want %s or %s)", c.Nonce.Mode, NonceModeLocal, NonceModeShared)
	}
	switch c.Queue.Mode {
	case QueueModeLocal, QueueModeDistributed:
	default:
		return fmt.Errorf("invalid queue mode %q (want %s or %s)", c.Queue.Mode, QueueModeLocal, QueueModeDistributed)
	}
	if c.Nonce.Mode == NonceModeShared && !c.Redis.Enabled() {
		return fmt.Errorf("nonce mode %s requires a redis url or address", NonceModeShared)
	}
	if c.Queue.Mode == QueueModeDistributed && !c.Redis.Enabled() {
		return fmt.Errorf("queue mode %s requires a redis url or address", QueueModeDistributed)
	}
	if c.Chain.MaxRetries < 0 {
		return fmt.Errorf("chain max retries must not be negative")
	}
	// Redis blocking pops wait in whole seconds.
	if c.Queue.WaitTimeout < time.Second {
		return fmt.Errorf("queue wait timeout must be at least 1s, got %s", c.Queue.WaitTimeout)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
