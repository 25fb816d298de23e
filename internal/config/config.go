// Package config handles loading and validation of ursa-minor configuration
// from a YAML file and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// URSA_ prefix:
//
//	hypixel.token → URSA_HYPIXEL_TOKEN
//	auth.secret   → URSA_AUTH_SECRET
//	rules.files   → URSA_RULES_FILES (colon-separated JSON rule files)
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via URSA_CONFIG_FILE.
const defaultConfigFile = "/etc/ursa-minor/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13:
		return true
	}
	return false
}

// Config is the top-level ursa-minor configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Hypixel   HypixelConfig   `yaml:"hypixel"    envPrefix:"HYPIXEL_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Rules     RulesConfig     `yaml:"rules"      envPrefix:"RULES_"`
	Inventory InventoryConfig `yaml:"inventory"  envPrefix:"INVENTORY_"`
	Scanner   ScannerConfig   `yaml:"scanner"    envPrefix:"SCANNER_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings for the gateway.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// HypixelConfig holds the upstream Hypixel API settings. The token is the
// secret this gateway exists to hide from callers; it is held as a
// RedactedString so it cannot leak through logs or serialized output.
type HypixelConfig struct {
	Token           RedactedString `yaml:"token"             env:"TOKEN"`
	Timeout         string         `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int            `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string         `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
}

// AuthConfig holds session-token and identity-verification settings.
type AuthConfig struct {
	// Secret is the HMAC-SHA384 signing key for session tokens.
	Secret RedactedString `yaml:"secret" env:"SECRET"`

	// Anonymous disables authentication and rate limiting entirely; every
	// caller is served as a fixed synthetic principal. Deployments enabling
	// this are expected to throttle upstream of this process.
	Anonymous bool `yaml:"anonymous" env:"ANONYMOUS"`

	// TokenLifetime is the validity window of freshly issued tokens.
	TokenLifetime string `yaml:"token_lifetime" env:"TOKEN_LIFETIME"`

	// SessionServerURL is the Mojang hasJoined endpoint. Overridable for
	// tests and proxied deployments.
	SessionServerURL string `yaml:"session_server_url" env:"SESSION_SERVER_URL"`

	// Timeout bounds a single identity-verification call.
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

// RateLimitConfig holds fixed-window admission control settings.
type RateLimitConfig struct {
	// Window is the fixed-window length. The window is anchored at a
	// bucket's first use and is never extended by later traffic.
	Window string `yaml:"window" env:"WINDOW"`

	// Threshold is the number of requests admitted per principal per window.
	Threshold int64 `yaml:"threshold" env:"THRESHOLD"`

	// Namespace prefixes every key this gateway writes to the shared store.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// RulesConfig defines where the path-translation rule table comes from.
// Rules may be given inline in the YAML config and/or as standalone JSON
// rule files; both load into the same table at startup.
type RulesConfig struct {
	Inline []RuleConfig `yaml:"inline"`
	Files  []string     `yaml:"files" env:"FILES" envSeparator:":"`
}

// RuleConfig is a single path-translation rule. The JSON tags match the
// standalone rule-file format.
type RuleConfig struct {
	PublicPath       string   `yaml:"public_path"     json:"http-path"`
	UpstreamTemplate string   `yaml:"upstream"        json:"hypixel-path"`
	QueryArguments   []string `yaml:"query_arguments" json:"query-arguments"`
}

// InventoryConfig holds the inventory-report endpoint settings.
type InventoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Dir     string `yaml:"dir"     env:"DIR"`
}

// ScannerConfig holds the background lowest-bin auction scanner settings.
type ScannerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	AuctionsURL string `yaml:"auctions_url" env:"AUCTIONS_URL"`

	// PageConcurrency bounds simultaneous auction-page fetches.
	PageConcurrency int64 `yaml:"page_concurrency" env:"PAGE_CONCURRENCY"`

	// ScanInterval is the delay after a snapshot's lastUpdated before the
	// next scan; RetryInterval is the wait after a failed scan.
	ScanInterval  string `yaml:"scan_interval"  env:"SCAN_INTERVAL"`
	RetryInterval string `yaml:"retry_interval" env:"RETRY_INTERVAL"`

	Influx InfluxConfig `yaml:"influx" envPrefix:"INFLUX_"`
}

// InfluxConfig holds the price time-series sink settings.
type InfluxConfig struct {
	URL    string         `yaml:"url"    env:"URL"`
	Token  RedactedString `yaml:"token"  env:"TOKEN"`
	Org    string         `yaml:"org"    env:"ORG"`
	Bucket string         `yaml:"bucket" env:"BUCKET"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer so %#v is masked too.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Hypixel: HypixelConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		Auth: AuthConfig{
			TokenLifetime:    "24h",
			SessionServerURL: "https://sessionserver.mojang.com/session/minecraft/hasJoined",
			Timeout:          "10s",
		},
		RateLimit: RateLimitConfig{
			Window:    "5m",
			Threshold: 100,
			Namespace: "hypixel",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Inventory: InventoryConfig{
			Dir: "reports",
		},
		Scanner: ScannerConfig{
			AuctionsURL:     "https://api.hypixel.net/v2/skyblock/auctions",
			PageConcurrency: 8,
			ScanInterval:    "65s",
			RetryInterval:   "30s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "ursa-minor",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("URSA_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the default YAML file (or URSA_CONFIG_FILE)
// and overlays environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "URSA_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Single"
// or env values like "SENTINEL" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = normalizeTLSVersion(cfg.Server.TLS.MinVersion)
}

// normalizeTLSVersion maps accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v TLSVersion) TLSVersion {
	switch strings.ToLower(string(v)) {
	case "1.3", "tls13", "tls1.3":
		return TLSVersion13
	case "1.2", "tls12", "tls1.2":
		return TLSVersion12
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateHypixel(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateScanner(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateHypixel(cfg *Config) error {
	if cfg.Hypixel.Token.Value() == "" {
		return fmt.Errorf("hypixel.token is required (set URSA_HYPIXEL_TOKEN)")
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if !cfg.Auth.Anonymous && cfg.Auth.Secret.Value() == "" {
		return fmt.Errorf("auth.secret is required unless auth.anonymous is enabled")
	}
	if cfg.Auth.SessionServerURL != "" {
		if _, err := url.Parse(cfg.Auth.SessionServerURL); err != nil {
			return fmt.Errorf("invalid auth.session_server_url %q: %w", cfg.Auth.SessionServerURL, err)
		}
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"hypixel.timeout", cfg.Hypixel.Timeout},
		{"hypixel.idle_conn_timeout", cfg.Hypixel.IdleConnTimeout},
		{"auth.token_lifetime", cfg.Auth.TokenLifetime},
		{"auth.timeout", cfg.Auth.Timeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"scanner.scan_interval", cfg.Scanner.ScanInterval},
		{"scanner.retry_interval", cfg.Scanner.RetryInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	tls := cfg.Server.TLS
	if tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if tls.HTTP3Enabled && !tls.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled (QUIC mandates TLS)")
	}
	if tls.MinVersion != "" && !tls.MinVersion.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", tls.MinVersion)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.Threshold < 0 {
		return fmt.Errorf("rate_limit.threshold must be >= 0")
	}
	if cfg.RateLimit.Namespace == "" {
		return fmt.Errorf("rate_limit.namespace must not be empty")
	}
	if strings.ContainsAny(cfg.RateLimit.Namespace, ": ") {
		return fmt.Errorf("rate_limit.namespace %q must not contain colons or spaces", cfg.RateLimit.Namespace)
	}
	if w := cfg.RateLimit.Window; w != "" {
		if d, err := time.ParseDuration(w); err == nil && d < time.Second {
			return fmt.Errorf("rate_limit.window %q must be at least 1s", w)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateScanner(cfg *Config) error {
	if !cfg.Scanner.Enabled {
		return nil
	}
	if cfg.Scanner.AuctionsURL == "" {
		return fmt.Errorf("scanner.auctions_url is required when the scanner is enabled")
	}
	if cfg.Scanner.PageConcurrency < 1 {
		return fmt.Errorf("scanner.page_concurrency must be >= 1")
	}
	if cfg.Scanner.Influx.URL == "" {
		return fmt.Errorf("scanner.influx.url is required when the scanner is enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is
// empty. Validation has already run, so callers treat parse errors as bugs.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed but cannot be hot-reloaded. An empty slice means the new
// config can be applied in place. The rule table and signing secret are
// immutable for the process lifetime by contract, so changes to either are
// always restart-required.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS != old.Server.TLS {
		fields = append(fields, "server.tls")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Auth.Secret != old.Auth.Secret {
		fields = append(fields, "auth.secret")
	}
	if c.Hypixel.Token != old.Hypixel.Token {
		fields = append(fields, "hypixel.token")
	}
	if !rulesEqual(c.Rules, old.Rules) {
		fields = append(fields, "rules")
	}
	if c.Scanner.Enabled != old.Scanner.Enabled {
		fields = append(fields, "scanner.enabled")
	}
	return fields
}

func rulesEqual(a, b RulesConfig) bool {
	if len(a.Inline) != len(b.Inline) || len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Inline {
		ra, rb := a.Inline[i], b.Inline[i]
		if ra.PublicPath != rb.PublicPath || ra.UpstreamTemplate != rb.UpstreamTemplate {
			return false
		}
		if len(ra.QueryArguments) != len(rb.QueryArguments) {
			return false
		}
		for j := range ra.QueryArguments {
			if ra.QueryArguments[j] != rb.QueryArguments[j] {
				return false
			}
		}
	}
	for i := range a.Files {
		if a.Files[i] != b.Files[i] {
			return false
		}
	}
	return true
}
