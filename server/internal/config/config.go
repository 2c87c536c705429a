package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultRefreshInterval   = 600 // seconds
	DefaultFetchTimeout      = 10 * time.Second
	DefaultFetchBurst        = 1
	DefaultGRPCPort          = 50051
	DefaultHTTPPort          = 8080
	DefaultBroadcastInterval = 5 * time.Second
	DefaultTelemetryType     = "prometheus"
	DefaultMinMetric         = "kwranking_power_min_watts"
	DefaultMaxMetric         = "kwranking_power_max_watts"
	DefaultFlopMetric        = "kwranking_flops"
	DefaultHostLabel         = "host"
	DefaultMeter             = "power"
	DefaultWindow            = time.Hour
	DefaultKeyPrefix         = "kwranking:power"
)

// HostPlaceholder is substituted with the host identifier in telemetry endpoints.
const HostPlaceholder = "{host}"

// Config is the top-level configuration of the ranking service.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	// RefreshInterval is the number of seconds between refresh cycles, and the
	// age at which a host record counts as stale. Zero or negative disables
	// the background refresh.
	RefreshInterval int `yaml:"refresh_interval"`

	// Refresh tunes how a cycle talks to the telemetry provider.
	Refresh RefreshConfig `yaml:"refresh"`

	// Waitlist holds host identifiers queued at startup.
	Waitlist []string `yaml:"waitlist"`

	// Telemetry selects and configures the metrics provider.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Server holds the listener settings.
	Server ServerConfig `yaml:"server"`

	// Alerts holds rule definitions and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts"`
}

// Interval returns RefreshInterval as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

// RefreshConfig paces provider calls within one refresh cycle.
type RefreshConfig struct {
	// FetchRate is the maximum number of provider calls per second.
	// Zero means unlimited.
	FetchRate float64 `yaml:"fetch_rate"`

	// FetchBurst is the number of calls allowed back to back.
	FetchBurst int `yaml:"fetch_burst"`

	// FetchTimeout bounds a single provider call.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// TelemetryConfig describes where power statistics come from.
type TelemetryConfig struct {
	// Type is one of: prometheus | postgres | redis.
	Type string `yaml:"type"`

	// Endpoint is the exposition URL for the prometheus provider. The
	// literal {host} is replaced with the URL-escaped host identifier.
	Endpoint string `yaml:"endpoint"`

	// MinMetric, MaxMetric and FlopMetric name the gauge families that carry
	// minimum power, maximum power and compute throughput.
	MinMetric  string `yaml:"min_metric"`
	MaxMetric  string `yaml:"max_metric"`
	FlopMetric string `yaml:"flop_metric"`

	// HostLabel is the label used to pick a host's series out of a shared
	// exposition. Series without the label are accepted as-is.
	HostLabel string `yaml:"host_label"`

	// Auth configures how the provider authenticates.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`

	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`

	// Meter is the samples.meter value aggregated by the postgres provider.
	Meter string `yaml:"meter"`

	// Window is how far back the postgres provider aggregates samples.
	Window time.Duration `yaml:"window"`

	// Addr is the redis server address (host:port).
	Addr string `yaml:"addr"`

	// PasswordEnv names the environment variable holding the redis password.
	PasswordEnv string `yaml:"password_env"`

	// DB is the redis logical database.
	DB int `yaml:"db"`

	// KeyPrefix prefixes the per-host redis hash: <prefix>:<host>.
	KeyPrefix string `yaml:"key_prefix"`
}

// DSN returns the postgres connection string resolved from the environment.
func (t TelemetryConfig) DSN() string {
	if t.DSNEnv == "" {
		return ""
	}
	return os.Getenv(t.DSNEnv)
}

// Password returns the redis password resolved from the environment.
func (t TelemetryConfig) Password() string {
	if t.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(t.PasswordEnv)
}

// AuthConfig specifies how the telemetry provider authenticates.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | token | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header carrying the API key (Mode == "apikey").
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv names the environment variable holding a static bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is used by "basic" and "token" modes.
	Username string `yaml:"username"`
	// PasswordEnv names the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
	// Project scopes the token request in "token" mode.
	Project string `yaml:"project"`

	// TokenURL is the identity endpoint exchanged for a bearer token at the
	// start of every refresh cycle (Mode == "token").
	TokenURL string `yaml:"token_url"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options for the provider.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ServerConfig holds all listener settings.
type ServerConfig struct {
	// GRPCPort is the port of the gRPC health endpoint (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// BroadcastInterval is how often the WebSocket hub pushes a snapshot.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// Auth configures how the server authenticates incoming clients.
	Auth ServerAuthConfig `yaml:"auth"`
}

// ServerAuthConfig controls client authentication on the server side.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Condition is a simple expression: "efficiency < 0.2", "wmax > 450",
	// "age_seconds > 1800".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		RefreshInterval: DefaultRefreshInterval,
		Refresh: RefreshConfig{
			FetchBurst:   DefaultFetchBurst,
			FetchTimeout: DefaultFetchTimeout,
		},
		Telemetry: TelemetryConfig{
			Type:       DefaultTelemetryType,
			MinMetric:  DefaultMinMetric,
			MaxMetric:  DefaultMaxMetric,
			FlopMetric: DefaultFlopMetric,
			HostLabel:  DefaultHostLabel,
			Meter:      DefaultMeter,
			Window:     DefaultWindow,
			KeyPrefix:  DefaultKeyPrefix,
		},
		Server: ServerConfig{
			GRPCPort:          DefaultGRPCPort,
			HTTPPort:          DefaultHTTPPort,
			BroadcastInterval: DefaultBroadcastInterval,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Refresh.FetchRate < 0 {
		return fmt.Errorf("refresh.fetch_rate must not be negative")
	}
	if cfg.Refresh.FetchBurst <= 0 {
		return fmt.Errorf("refresh.fetch_burst must be positive")
	}
	if cfg.Refresh.FetchTimeout <= 0 {
		return fmt.Errorf("refresh.fetch_timeout must be positive")
	}
	for i, id := range cfg.Waitlist {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("waitlist[%d]: empty host id", i)
		}
	}

	t := cfg.Telemetry
	switch t.Type {
	case "prometheus":
		if t.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required for type prometheus")
		}
		if t.MinMetric == "" || t.MaxMetric == "" {
			return fmt.Errorf("telemetry.min_metric and telemetry.max_metric are required")
		}
	case "postgres":
		if t.DSNEnv == "" {
			return fmt.Errorf("telemetry.dsn_env is required for type postgres")
		}
		if t.Window <= 0 {
			return fmt.Errorf("telemetry.window must be positive")
		}
	case "redis":
		if t.Addr == "" {
			return fmt.Errorf("telemetry.addr is required for type redis")
		}
	default:
		return fmt.Errorf("telemetry.type %q unknown: want prometheus|postgres|redis", t.Type)
	}
	switch t.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	case "token":
		if t.Auth.TokenURL == "" {
			return fmt.Errorf("telemetry.auth.token_url is required for mode token")
		}
	default:
		return fmt.Errorf("telemetry.auth.mode %q unknown", t.Auth.Mode)
	}

	if cfg.Server.GRPCPort <= 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", cfg.Server.GRPCPort)
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.BroadcastInterval <= 0 {
		return fmt.Errorf("server.broadcast_interval must be positive")
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if len(strings.Fields(r.Condition)) != 3 {
			return fmt.Errorf("alerts.rules[%d] %q: condition must be \"<field> <op> <value>\"", i, r.Name)
		}
	}
	return nil
}
