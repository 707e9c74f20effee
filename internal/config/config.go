package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. LICENSE_SERVER_PORT.
const EnvPrefix = "LICENSE"

// ConfigFileEnv names an explicit YAML config file.
const ConfigFileEnv = "LICENSE_CONFIG_FILE"

// Dedup backends.
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Config represents the complete configuration of the issuer service and
// the client tooling.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Issuer    IssuerConfig    `yaml:"issuer" envconfig:"ISSUER"`
	Dedup     DedupConfig     `yaml:"dedup" envconfig:"DEDUP"`
	Kafka     KafkaConfig     `yaml:"kafka" envconfig:"KAFKA"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// IssuePerMinute limits POST /issue per client IP.
	IssuePerMinute int `yaml:"issue_per_minute" envconfig:"ISSUE_PER_MINUTE"`
}

// RateLimitConfig contains global rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// IssuerConfig holds the signing key and issuance defaults.
type IssuerConfig struct {
	ProductID      string `yaml:"product_id" envconfig:"PRODUCT_ID"`
	PrivateKey     string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	PrivateKeyFile string `yaml:"private_key_file" envconfig:"PRIVATE_KEY_FILE"`
	DefaultPlan    string `yaml:"default_plan" envconfig:"DEFAULT_PLAN"`
	DefaultTTLDays int    `yaml:"default_ttl_days" envconfig:"DEFAULT_TTL_DAYS"`
	// Purchases mint PurchasePlan licenses; PurchaseTTLDays 0 means no expiry.
	PurchasePlan    string `yaml:"purchase_plan" envconfig:"PURCHASE_PLAN"`
	PurchaseTTLDays int    `yaml:"purchase_ttl_days" envconfig:"PURCHASE_TTL_DAYS"`
}

// DedupConfig selects where processed sale ids are remembered.
type DedupConfig struct {
	Backend   string `yaml:"backend" envconfig:"BACKEND"`
	RedisURL  string `yaml:"redis_url" envconfig:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	// Retention bounds how long a sale id is remembered; 0 keeps it forever.
	Retention time.Duration `yaml:"retention" envconfig:"RETENTION"`
	// ReservationTTL bounds an in-flight claim left behind by a crashed
	// replica.
	ReservationTTL time.Duration `yaml:"reservation_ttl" envconfig:"RESERVATION_TTL"`
}

// KafkaConfig configures the optional purchase event consumer.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" envconfig:"ENABLED"`
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
	GroupID string   `yaml:"group_id" envconfig:"GROUP_ID"`
}

// ClientConfig configures the client-side entitlement cache.
type ClientConfig struct {
	CachePath      string        `yaml:"cache_path" envconfig:"CACHE_PATH"`
	RecheckTimeout time.Duration `yaml:"recheck_timeout" envconfig:"RECHECK_TIMEOUT"`
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a matching variable keep their current value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg. Keys missing from the file
// leave cfg untouched.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if strings.TrimSpace(c.Issuer.ProductID) == "" {
		return fmt.Errorf("issuer product id must be set")
	}

	if c.Issuer.DefaultTTLDays < 0 || c.Issuer.PurchaseTTLDays < 0 {
		return fmt.Errorf("ttl days must not be negative")
	}

	switch c.Dedup.Backend {
	case DedupMemory:
	case DedupRedis:
		if c.Dedup.RedisURL == "" {
			return fmt.Errorf("redis dedup backend requires a redis url")
		}
	default:
		return fmt.Errorf("unknown dedup backend: %q", c.Dedup.Backend)
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		return fmt.Errorf("kafka consumer requires brokers, topic and group id")
	}

	if c.Client.RecheckTimeout <= 0 {
		return fmt.Errorf("client recheck timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "stdout", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/licensegate.log"
	}

	return nil
}

// PurchaseTTL returns the ttl applied to purchase-minted licenses, nil for
// lifetime licenses.
func (c IssuerConfig) PurchaseTTL() *time.Duration {
	return daysToTTL(c.PurchaseTTLDays)
}

// DefaultTTL returns the ttl applied when an issue request omits one.
func (c IssuerConfig) DefaultTTL() *time.Duration {
	return daysToTTL(c.DefaultTTLDays)
}

func daysToTTL(days int) *time.Duration {
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(ConfigFileEnv); explicit != "" {
		return explicit
	}

	// Check for config file in common locations
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
			IssuePerMinute: 30,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/licensegate.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "licensegate",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		Issuer: IssuerConfig{
			ProductID:       "localendar-mvp",
			DefaultPlan:     "pro",
			DefaultTTLDays:  365,
			PurchasePlan:    "pro",
			PurchaseTTLDays: 0,
		},
		Dedup: DedupConfig{
			Backend:        DedupMemory,
			RedisURL:       "redis://localhost:6379/0",
			KeyPrefix:      "licensegate:sale:",
			ReservationTTL: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "purchases",
			GroupID: "licensegate-issuer",
		},
		Client: ClientConfig{
			CachePath:      "~/.licensegate/entitlement.json",
			RecheckTimeout: 5 * time.Second,
		},
	}
}
