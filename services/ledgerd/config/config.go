// Package config loads the ledgerd runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to accept human readable strings in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for ledgerd.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Environment   string             `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig     `yaml:"database" toml:"database"`
	Redis         RedisConfig        `yaml:"redis" toml:"redis"`
	Chain         ChainConfig        `yaml:"chain" toml:"chain"`
	Queues        QueueConfig        `yaml:"queues" toml:"queues"`
	Funding       FundingConfig      `yaml:"funding" toml:"funding"`
	Scanner       ScannerConfig      `yaml:"scanner" toml:"scanner"`
	Provisioning  ProvisioningConfig `yaml:"provisioning" toml:"provisioning"`
	Notify        NotifyConfig       `yaml:"notify" toml:"notify"`
	Auth          AuthConfig         `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig      `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the gorm dialector.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// RedisConfig configures the query cache. An empty address disables caching.
type RedisConfig struct {
	Address  string   `yaml:"address" toml:"address"`
	Password string   `yaml:"password" toml:"password"`
	DB       int      `yaml:"db" toml:"db"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
}

// ChainConfig configures the node client and the platform signer.
type ChainConfig struct {
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	BearerToken    string   `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenEnv string   `yaml:"bearer_token_env" toml:"bearer_token_env"`
	TLSClientCA    string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
	AllowInsecure  bool     `yaml:"allow_insecure" toml:"allow_insecure"`
	Keystore       string   `yaml:"keystore" toml:"keystore"`
	PassphraseEnv  string   `yaml:"passphrase_env" toml:"passphrase_env"`
	Passphrase     string   `yaml:"-" toml:"-"`
	Confirmations  uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	PollAttempts   int      `yaml:"poll_attempts" toml:"poll_attempts"`
	PollBlocks     uint64   `yaml:"poll_blocks" toml:"poll_blocks"`
	SubmitAttempts int      `yaml:"submit_attempts" toml:"submit_attempts"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// QueueConfig sizes the worker pools.
type QueueConfig struct {
	ReprocessWorkers int      `yaml:"reprocess_workers" toml:"reprocess_workers"`
	FundingWorkers   int      `yaml:"funding_workers" toml:"funding_workers"`
	MaxAttempts      int      `yaml:"max_attempts" toml:"max_attempts"`
	Backoff          Duration `yaml:"backoff" toml:"backoff"`
	Lease            Duration `yaml:"lease" toml:"lease"`
}

// FundingConfig controls gas funding of wallets and workers. Amounts are display units.
type FundingConfig struct {
	WelcomeAmount    string   `yaml:"welcome_amount" toml:"welcome_amount"`
	BalanceThreshold string   `yaml:"balance_threshold" toml:"balance_threshold"`
	TopUpAmount      string   `yaml:"top_up_amount" toml:"top_up_amount"`
	Exempt           []string `yaml:"exempt" toml:"exempt"`

	Welcome   decimal.Decimal `yaml:"-" toml:"-"`
	Threshold decimal.Decimal `yaml:"-" toml:"-"`
	TopUp     decimal.Decimal `yaml:"-" toml:"-"`
}

// ScannerConfig schedules the reconciliation sweep.
type ScannerConfig struct {
	Interval        Duration `yaml:"interval" toml:"interval"`
	SupervisorGrace Duration `yaml:"supervisor_grace" toml:"supervisor_grace"`
}

// ProvisioningConfig controls tenant creation.
type ProvisioningConfig struct {
	Attempts        int    `yaml:"attempts" toml:"attempts"`
	DeployerFunding string `yaml:"deployer_funding" toml:"deployer_funding"`
	CoopArtifact    string `yaml:"coop_artifact" toml:"coop_artifact"`
	EurArtifact     string `yaml:"eur_artifact" toml:"eur_artifact"`

	Funding decimal.Decimal `yaml:"-" toml:"-"`
}

// NotifyConfig configures the webhook bus. An empty URL disables it.
type NotifyConfig struct {
	WebhookURL       string `yaml:"webhook_url" toml:"webhook_url"`
	WebhookSecret    string `yaml:"webhook_secret" toml:"webhook_secret"`
	WebhookSecretEnv string `yaml:"webhook_secret_env" toml:"webhook_secret_env"`
}

// AuthConfig secures the HTTP surface.
type AuthConfig struct {
	JWTSecret      string  `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv   string  `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer         string  `yaml:"issuer" toml:"issuer"`
	AdminToken     string  `yaml:"admin_token" toml:"admin_token"`
	AdminTokenFile string  `yaml:"admin_token_file" toml:"admin_token_file"`
	RateLimit      float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst" toml:"rate_burst"`

	// AllowedOrigins lists extra origin host patterns for browser websocket clients.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig optionally mirrors logs to a rotated file.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
}

// Load reads configuration from path. Files ending in .toml are decoded as TOML, anything else
// as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.parseAmounts(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8087"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Redis.TTL.Duration == 0 {
		cfg.Redis.TTL.Duration = 30 * time.Second
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.PollAttempts <= 0 {
		cfg.Chain.PollAttempts = 60
	}
	if cfg.Chain.PollBlocks == 0 {
		cfg.Chain.PollBlocks = 10
	}
	if cfg.Chain.SubmitAttempts <= 0 {
		cfg.Chain.SubmitAttempts = 5
	}
	if cfg.Chain.RequestTimeout.Duration == 0 {
		cfg.Chain.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Queues.ReprocessWorkers <= 0 {
		cfg.Queues.ReprocessWorkers = 10
	}
	if cfg.Queues.FundingWorkers <= 0 {
		cfg.Queues.FundingWorkers = 2
	}
	if cfg.Queues.MaxAttempts <= 0 {
		cfg.Queues.MaxAttempts = 5
	}
	if cfg.Queues.Backoff.Duration == 0 {
		cfg.Queues.Backoff.Duration = 5 * time.Second
	}
	if cfg.Queues.Lease.Duration == 0 {
		cfg.Queues.Lease.Duration = 5 * time.Minute
	}
	if cfg.Funding.WelcomeAmount == "" {
		cfg.Funding.WelcomeAmount = "0.3"
	}
	if cfg.Funding.BalanceThreshold == "" {
		cfg.Funding.BalanceThreshold = "0.05"
	}
	if cfg.Funding.TopUpAmount == "" {
		cfg.Funding.TopUpAmount = "0.3"
	}
	if cfg.Scanner.Interval.Duration == 0 {
		cfg.Scanner.Interval.Duration = time.Minute
	}
	if cfg.Scanner.SupervisorGrace.Duration == 0 {
		cfg.Scanner.SupervisorGrace.Duration = 10 * time.Minute
	}
	if cfg.Provisioning.Attempts <= 0 {
		cfg.Provisioning.Attempts = 3
	}
	if cfg.Provisioning.DeployerFunding == "" {
		cfg.Provisioning.DeployerFunding = "5"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "coopledger"
	}
	if cfg.Auth.RateLimit <= 0 {
		cfg.Auth.RateLimit = 5
	}
	if cfg.Auth.RateBurst <= 0 {
		cfg.Auth.RateBurst = 10
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Database.DSN, err = fromEnv(c.Database.DSN, c.Database.DSNEnv, "database.dsn_env"); err != nil {
		return err
	}
	if c.Chain.BearerToken, err = fromEnv(c.Chain.BearerToken, c.Chain.BearerTokenEnv, "chain.bearer_token_env"); err != nil {
		return err
	}
	if c.Chain.Passphrase, err = fromEnv("", c.Chain.PassphraseEnv, "chain.passphrase_env"); err != nil {
		return err
	}
	if c.Notify.WebhookSecret, err = fromEnv(c.Notify.WebhookSecret, c.Notify.WebhookSecretEnv, "notify.webhook_secret_env"); err != nil {
		return err
	}
	if c.Auth.JWTSecret, err = fromEnv(c.Auth.JWTSecret, c.Auth.JWTSecretEnv, "auth.jwt_secret_env"); err != nil {
		return err
	}
	token := strings.TrimSpace(c.Auth.AdminToken)
	if path := strings.TrimSpace(c.Auth.AdminTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read admin_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	c.Auth.AdminToken = token
	return nil
}

// fromEnv returns value unless envName is set, in which case the variable must be non-empty.
func fromEnv(value, envName, field string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return strings.TrimSpace(value), nil
	}
	resolved := strings.TrimSpace(os.Getenv(envName))
	if resolved == "" {
		return "", fmt.Errorf("%s %s is empty", field, envName)
	}
	return resolved, nil
}

func (c *Config) parseAmounts() error {
	amounts := []struct {
		field string
		raw   string
		dst   *decimal.Decimal
	}{
		{"funding.welcome_amount", c.Funding.WelcomeAmount, &c.Funding.Welcome},
		{"funding.balance_threshold", c.Funding.BalanceThreshold, &c.Funding.Threshold},
		{"funding.top_up_amount", c.Funding.TopUpAmount, &c.Funding.TopUp},
		{"provisioning.deployer_funding", c.Provisioning.DeployerFunding, &c.Provisioning.Funding},
	}
	for _, a := range amounts {
		parsed, err := decimal.NewFromString(strings.TrimSpace(a.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", a.field, err)
		}
		if parsed.IsNegative() {
			return fmt.Errorf("%s must not be negative", a.field)
		}
		*a.dst = parsed
	}
	return nil
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain.endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Chain.Keystore) == "" {
		return fmt.Errorf("chain.keystore must be configured")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	if cfg.Auth.AdminToken == "" {
		return fmt.Errorf("auth.admin_token must be configured")
	}
	if cfg.Notify.WebhookURL != "" && cfg.Notify.WebhookSecret == "" {
		return fmt.Errorf("notify.webhook_secret must be configured with webhook_url")
	}
	return nil
}
