package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envconfig:"SERVER"`
	Security      SecurityConfig      `yaml:"security" envconfig:"SECURITY"`
	Logging       LoggingConfig       `yaml:"logging" envconfig:"LOGGING"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" envconfig:"TELEMETRY"`
	Store         StoreConfig         `yaml:"store" envconfig:"STORE"`
	License       LicenseConfig       `yaml:"license" envconfig:"LICENSE"`
	Notifications NotificationsConfig `yaml:"notifications" envconfig:"NOTIFICATIONS"`
	WebSocket     WebSocketConfig     `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration.
// envconfig falls back to the bare tag name when the prefixed variable is
// unset, so tags avoid common names such as HOST and PATH.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"BIND_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	AdminToken     string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty trusts no one.
	TrustedProxies []string        `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Lockout        LockoutConfig   `yaml:"lockout" envconfig:"LOCKOUT"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single
// host prefix.
func (s SecurityConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LockoutConfig bounds repeated failed validations from one client.
type LockoutConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	Window        time.Duration `yaml:"window" envconfig:"WINDOW"`
	BlockDuration time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// StoreConfig selects and tunes the license store backend
type StoreConfig struct {
	Driver       string        `yaml:"driver" envconfig:"DRIVER"`
	Path         string        `yaml:"path" envconfig:"DB_PATH"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	CASRetries   int           `yaml:"cas_retries" envconfig:"CAS_RETRIES"`
	MaxOpenConns int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
}

// LicenseConfig contains license lifecycle policy
type LicenseConfig struct {
	ValidityWindow      time.Duration `yaml:"validity_window" envconfig:"VALIDITY_WINDOW"`
	IssueRetries        int           `yaml:"issue_retries" envconfig:"ISSUE_RETRIES"`
	Levels              []string      `yaml:"levels" envconfig:"LEVELS"`
	ExpiryWarningWindow time.Duration `yaml:"expiry_warning_window" envconfig:"EXPIRY_WARNING_WINDOW"`
	ExpiryScanInterval  time.Duration `yaml:"expiry_scan_interval" envconfig:"EXPIRY_SCAN_INTERVAL"`
}

// NotificationsConfig contains event dispatch configuration
type NotificationsConfig struct {
	QueueSize        int  `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	Workers          int  `yaml:"workers" envconfig:"WORKERS"`
	EnableWebSocket  bool `yaml:"enable_websocket" envconfig:"ENABLE_WEBSOCKET"`
	LogNotifications bool `yaml:"log_notifications" envconfig:"LOG_NOTIFICATIONS"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration from defaults, the optional YAML file and
// LICENSED_* environment variables, in that order of precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields whose variable is unset keep their file or default value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// validate checks ranges and normalizes enumerations
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server read timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server write timeout must be positive"))
	}
	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("at least one allowed origin must be specified"))
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	if c.Security.Lockout.MaxAttempts <= 0 {
		errs = append(errs, errors.New("lockout max attempts must be positive"))
	}
	if _, err := c.Security.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %q", c.Logging.Level))
	}
	// Structured output is always JSON.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("invalid log output: %q", c.Logging.Output))
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = DefaultLogFile
	}

	switch c.Telemetry.TraceExporter {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported trace exporter: %q", c.Telemetry.TraceExporter))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("sample ratio must be within [0,1]: %v", c.Telemetry.SampleRatio))
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("sqlite store requires a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver: %q", c.Store.Driver))
	}

	if c.License.ValidityWindow <= 0 {
		errs = append(errs, errors.New("license validity window must be positive"))
	}
	if c.License.IssueRetries <= 0 {
		errs = append(errs, errors.New("license issue retries must be positive"))
	}
	if len(c.License.Levels) == 0 {
		errs = append(errs, errors.New("at least one subscription level must be configured"))
	}
	if c.License.ExpiryScanInterval <= 0 {
		errs = append(errs, errors.New("expiry scan interval must be positive"))
	}

	if c.Notifications.QueueSize <= 0 || c.Notifications.Workers <= 0 {
		errs = append(errs, errors.New("notification queue size and workers must be positive"))
	}

	return errors.Join(errs...)
}

// getConfigFilePath returns LICENSED_CONFIG or the first config file found
// in the usual locations.
func getConfigFilePath() string {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimit,
				Burst:   DefaultBurstSize,
			},
			Lockout: LockoutConfig{
				MaxAttempts:   MaxFailedValidations,
				Window:        FailedValidationWindow,
				BlockDuration: ValidationBlockDuration,
			},
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Format:   DefaultLogFormat,
			Output:   "console",
			FilePath: DefaultLogFile,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			EnableTracing:  true,
			EnableMetrics:  true,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		Store: StoreConfig{
			Driver:       StoreDriverMemory,
			Path:         DefaultStorePath,
			ReadTimeout:  DefaultStoreReadTimeout,
			CASRetries:   DefaultCASRetries,
			MaxOpenConns: 4,
		},
		License: LicenseConfig{
			ValidityWindow:      DefaultValidityWindow,
			IssueRetries:        DefaultIssueRetries,
			Levels:              []string{"basic", "pro", "enterprise"},
			ExpiryWarningWindow: DefaultExpiryWarningWindow,
			ExpiryScanInterval:  DefaultExpiryScanInterval,
		},
		Notifications: NotificationsConfig{
			QueueSize:        DefaultNotificationQueue,
			Workers:          DefaultNotificationWorkers,
			EnableWebSocket:  true,
			LogNotifications: true,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  WebSocketReadBufferSize,
			WriteBufferSize: WebSocketWriteBufferSize,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
	}
}
