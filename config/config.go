package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server" yaml:"server"`
	AuthConfig     AuthConfig     `json:"auth" yaml:"auth"`
	LoggingConfig  LoggingConfig  `json:"logging" yaml:"logging"`
	EngineConfig   EngineConfig   `json:"engine" yaml:"engine"`
	BrokerConfig   BrokerConfig   `json:"broker" yaml:"broker"`
	SignalsConfig  SignalsConfig  `json:"signals" yaml:"signals"`
	RedisConfig    RedisConfig    `json:"redis" yaml:"redis"`
	DatabaseConfig DatabaseConfig `json:"database" yaml:"database"`
	VaultConfig    VaultConfig    `json:"vault" yaml:"vault"`
	MetricsConfig  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`       // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`     // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret              string        `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenDuration    time.Duration `json:"access_token_duration" yaml:"access_token_duration"`
	RefreshTokenDuration   time.Duration `json:"refresh_token_duration" yaml:"refresh_token_duration"`
	SessionIdleTimeout     time.Duration `json:"session_idle_timeout" yaml:"session_idle_timeout"`         // idle, non-running sessions are closed after this
	SessionCleanupInterval time.Duration `json:"session_cleanup_interval" yaml:"session_cleanup_interval"` // how often the registry sweeps
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Output      string `json:"output" yaml:"output"`
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`
	IncludeFile bool   `json:"include_file" yaml:"include_file"`
}

// EngineConfig holds signal execution defaults and timings
type EngineConfig struct {
	StopLossPercent float64       `json:"stop_loss_percent" yaml:"stop_loss_percent"`
	EntryMode       string        `json:"entry_mode" yaml:"entry_mode"` // PERCENT or FIXED
	EntryValue      float64       `json:"entry_value" yaml:"entry_value"`
	GaleLevel       int           `json:"gale_level" yaml:"gale_level"` // 0, 1 or 2
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"` // martingale escalation factor
	AccountType     string        `json:"account_type" yaml:"account_type"`
	Timezone        string        `json:"timezone" yaml:"timezone"` // signal times are wall-clock in this zone
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	ReloadInterval  time.Duration `json:"reload_interval" yaml:"reload_interval"`
	ResultGrace     time.Duration `json:"result_grace" yaml:"result_grace"` // wait past expiry before checking a result
	NoSignalGrace   time.Duration `json:"no_signal_grace" yaml:"no_signal_grace"`
	LedgerCapacity  int           `json:"ledger_capacity" yaml:"ledger_capacity"`
	LogCapacity     int           `json:"log_capacity" yaml:"log_capacity"`
}

// BrokerConfig selects and configures the trading venue connection
type BrokerConfig struct {
	Mode                 string        `json:"mode" yaml:"mode"` // "paper" or "websocket"
	URL                  string        `json:"url" yaml:"url"`   // websocket bridge endpoint
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PaperStartingBalance float64       `json:"paper_starting_balance" yaml:"paper_starting_balance"`
	PaperPayout          float64       `json:"paper_payout" yaml:"paper_payout"` // profit ratio on a win, e.g. 0.87
}

// SignalsConfig holds signal file storage configuration
type SignalsConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// RedisConfig holds Redis configuration for refresh sessions and status caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// DatabaseConfig holds the PostgreSQL trade journal configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path"` // Path prefix for broker credentials
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Load reads the config file (JSON, or YAML by extension) if present, then applies
// defaults and environment overrides. An empty path uses CONFIG_FILE or config.json.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	return &config, nil
}

// applyDefaults fills zero values left by the config file
func applyDefaults(cfg *Config) {
	s := &cfg.ServerConfig
	s.Port = intOr(s.Port, 8080)
	s.Host = stringOr(s.Host, "0.0.0.0")
	s.AllowedOrigins = stringOr(s.AllowedOrigins, "*")
	s.ReadTimeout = intOr(s.ReadTimeout, 30)
	s.WriteTimeout = intOr(s.WriteTimeout, 30)
	s.ShutdownTimeout = intOr(s.ShutdownTimeout, 10)

	a := &cfg.AuthConfig
	a.AccessTokenDuration = durationOr(a.AccessTokenDuration, 15*time.Minute)
	a.RefreshTokenDuration = durationOr(a.RefreshTokenDuration, 7*24*time.Hour)
	a.SessionIdleTimeout = durationOr(a.SessionIdleTimeout, 12*time.Hour)
	a.SessionCleanupInterval = durationOr(a.SessionCleanupInterval, 10*time.Minute)

	l := &cfg.LoggingConfig
	l.Level = stringOr(l.Level, "INFO")
	l.Output = stringOr(l.Output, "stdout")

	e := &cfg.EngineConfig
	e.StopLossPercent = floatOr(e.StopLossPercent, 5)
	e.EntryMode = stringOr(e.EntryMode, "PERCENT")
	e.EntryValue = floatOr(e.EntryValue, 1)
	e.Multiplier = floatOr(e.Multiplier, 2.15)
	e.AccountType = stringOr(e.AccountType, "PRACTICE")
	e.Timezone = stringOr(e.Timezone, "Local")
	e.PollInterval = durationOr(e.PollInterval, 100*time.Millisecond)
	e.ReloadInterval = durationOr(e.ReloadInterval, 60*time.Second)
	e.ResultGrace = durationOr(e.ResultGrace, 5*time.Second)
	e.NoSignalGrace = durationOr(e.NoSignalGrace, 2*time.Minute)
	e.LedgerCapacity = intOr(e.LedgerCapacity, 50)
	e.LogCapacity = intOr(e.LogCapacity, 100)

	b := &cfg.BrokerConfig
	b.Mode = stringOr(b.Mode, "paper")
	b.RequestTimeout = durationOr(b.RequestTimeout, 15*time.Second)
	b.PaperStartingBalance = floatOr(b.PaperStartingBalance, 10000)
	b.PaperPayout = floatOr(b.PaperPayout, 0.87)

	cfg.SignalsConfig.Dir = stringOr(cfg.SignalsConfig.Dir, "data/signals")

	r := &cfg.RedisConfig
	r.Address = stringOr(r.Address, "localhost:6379")
	r.PoolSize = intOr(r.PoolSize, 10)

	d := &cfg.DatabaseConfig
	d.Host = stringOr(d.Host, "localhost")
	d.Port = intOr(d.Port, 5432)
	d.User = stringOr(d.User, "trading_bot")
	d.Name = stringOr(d.Name, "trading_bot")
	d.SSLMode = stringOr(d.SSLMode, "disable")

	v := &cfg.VaultConfig
	v.Address = stringOr(v.Address, "http://localhost:8200")
	v.MountPath = stringOr(v.MountPath, "secret")
	v.SecretPath = stringOr(v.SecretPath, "iqoption-bot/credentials")

	cfg.MetricsConfig.Path = stringOr(cfg.MetricsConfig.Path, "/metrics")
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	s := &cfg.ServerConfig
	s.Port = getEnvIntOrDefault("WEB_PORT", s.Port)
	s.Host = getEnvOrDefault("WEB_HOST", s.Host)
	s.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", s.AllowedOrigins)
	s.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", s.WriteTimeout)
	s.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	// Auth config
	a := &cfg.AuthConfig
	a.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", a.JWTSecret)
	a.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", a.AccessTokenDuration)
	a.RefreshTokenDuration = getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_DURATION", a.RefreshTokenDuration)
	a.SessionIdleTimeout = getEnvDurationOrDefault("AUTH_SESSION_IDLE_TIMEOUT", a.SessionIdleTimeout)
	a.SessionCleanupInterval = getEnvDurationOrDefault("AUTH_SESSION_CLEANUP_INTERVAL", a.SessionCleanupInterval)

	// Logging config
	l := &cfg.LoggingConfig
	l.Level = getEnvOrDefault("LOG_LEVEL", l.Level)
	l.Output = getEnvOrDefault("LOG_OUTPUT", l.Output)
	l.JSONFormat = getEnvBoolOrDefault("LOG_JSON", l.JSONFormat)
	l.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", l.IncludeFile)

	// Engine defaults keep the bot's historical variable names
	e := &cfg.EngineConfig
	e.StopLossPercent = getEnvFloatOrDefault("IQ_OPTION_STOP_LOSS", e.StopLossPercent)
	e.EntryMode = strings.ToUpper(getEnvOrDefault("IQ_OPTION_ENTRY_TYPE", e.EntryMode))
	e.EntryValue = getEnvFloatOrDefault("IQ_OPTION_ENTRY_VALUE", e.EntryValue)
	e.GaleLevel = getEnvIntOrDefault("IQ_OPTION_GALE", e.GaleLevel)
	e.AccountType = strings.ToUpper(getEnvOrDefault("IQ_OPTION_ACCOUNT_TYPE", e.AccountType))
	e.Multiplier = getEnvFloatOrDefault("ENGINE_MARTINGALE_MULTIPLIER", e.Multiplier)
	e.Timezone = getEnvOrDefault("ENGINE_TIMEZONE", e.Timezone)
	e.PollInterval = getEnvDurationOrDefault("ENGINE_POLL_INTERVAL", e.PollInterval)
	e.ReloadInterval = getEnvDurationOrDefault("ENGINE_RELOAD_INTERVAL", e.ReloadInterval)
	e.ResultGrace = getEnvDurationOrDefault("ENGINE_RESULT_GRACE", e.ResultGrace)
	e.NoSignalGrace = getEnvDurationOrDefault("ENGINE_NO_SIGNAL_GRACE", e.NoSignalGrace)

	// Broker config
	b := &cfg.BrokerConfig
	b.Mode = strings.ToLower(getEnvOrDefault("BROKER_MODE", b.Mode))
	b.URL = getEnvOrDefault("BROKER_URL", b.URL)
	b.RequestTimeout = getEnvDurationOrDefault("BROKER_REQUEST_TIMEOUT", b.RequestTimeout)
	b.PaperStartingBalance = getEnvFloatOrDefault("BROKER_PAPER_BALANCE", b.PaperStartingBalance)
	b.PaperPayout = getEnvFloatOrDefault("BROKER_PAPER_PAYOUT", b.PaperPayout)

	cfg.SignalsConfig.Dir = getEnvOrDefault("SIGNALS_DIR", cfg.SignalsConfig.Dir)

	// Redis config
	r := &cfg.RedisConfig
	r.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", r.Enabled)
	r.Address = getEnvOrDefault("REDIS_ADDR", r.Address)
	r.Password = getEnvOrDefault("REDIS_PASSWORD", r.Password)
	r.DB = getEnvIntOrDefault("REDIS_DB", r.DB)
	r.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", r.PoolSize)

	// Database config
	d := &cfg.DatabaseConfig
	d.Enabled = getEnvBoolOrDefault("DB_ENABLED", d.Enabled)
	d.Host = getEnvOrDefault("DB_HOST", d.Host)
	d.Port = getEnvIntOrDefault("DB_PORT", d.Port)
	d.User = getEnvOrDefault("DB_USER", d.User)
	d.Password = getEnvOrDefault("DB_PASSWORD", d.Password)
	d.Name = getEnvOrDefault("DB_NAME", d.Name)
	d.SSLMode = getEnvOrDefault("DB_SSLMODE", d.SSLMode)

	// Vault config
	v := &cfg.VaultConfig
	v.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", v.Enabled)
	v.Address = getEnvOrDefault("VAULT_ADDR", v.Address)
	v.Token = getEnvOrDefault("VAULT_TOKEN", v.Token)
	v.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", v.MountPath)
	v.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", v.SecretPath)
	v.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", v.TLSEnabled)
	v.CACert = getEnvOrDefault("VAULT_CACERT", v.CACert)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
	cfg.MetricsConfig.Path = getEnvOrDefault("METRICS_PATH", cfg.MetricsConfig.Path)
}

// Validate checks the settings the engine cannot run without
func (c *Config) Validate() error {
	var errs []error

	e := c.EngineConfig
	if e.StopLossPercent <= 0 || e.StopLossPercent >= 100 {
		errs = append(errs, fmt.Errorf("engine.stop_loss_percent must be between 0 and 100, got %v", e.StopLossPercent))
	}
	if e.EntryMode != "PERCENT" && e.EntryMode != "FIXED" {
		errs = append(errs, fmt.Errorf("engine.entry_mode must be PERCENT or FIXED, got %q", e.EntryMode))
	}
	if e.EntryValue <= 0 {
		errs = append(errs, fmt.Errorf("engine.entry_value must be positive, got %v", e.EntryValue))
	}
	if e.GaleLevel < 0 || e.GaleLevel > 2 {
		errs = append(errs, fmt.Errorf("engine.gale_level must be 0, 1 or 2, got %d", e.GaleLevel))
	}
	if e.Multiplier <= 1 {
		errs = append(errs, fmt.Errorf("engine.multiplier must be greater than 1, got %v", e.Multiplier))
	}
	if e.AccountType != "PRACTICE" && e.AccountType != "REAL" {
		errs = append(errs, fmt.Errorf("engine.account_type must be PRACTICE or REAL, got %q", e.AccountType))
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if e.PollInterval <= 0 || e.ReloadInterval <= 0 {
		errs = append(errs, errors.New("engine poll and reload intervals must be positive"))
	}

	switch c.BrokerConfig.Mode {
	case "paper":
	case "websocket":
		if c.BrokerConfig.URL == "" {
			errs = append(errs, errors.New("broker.url is required in websocket mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.mode must be paper or websocket, got %q", c.BrokerConfig.Mode))
	}

	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.ServerConfig.Port))
	}

	return errors.Join(errs...)
}

// Location returns the time zone signal times are expressed in
func (e EngineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Origins splits AllowedOrigins into a list, dropping blanks
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(strings.Replace(value, ",", ".", 1), 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func durationOr(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
