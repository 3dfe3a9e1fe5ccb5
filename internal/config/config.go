// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"terminal-proxy/internal/router"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/terminal-proxy/config.toml",
	"configs/config.toml",
}

// Routing strategies.
const (
	StrategyTerminal = "terminal"
	StrategyPort     = "port"
)

// Built-in defaults, used when the config leaves them unset.
const (
	DefaultPort               = 88
	DefaultRoutingField       = "terminal_id"
	DefaultPortField          = "port"
	DefaultPortHost           = "127.0.0.1"
	DefaultDestination        = "127.0.0.1:77"
	DefaultMetricsPath        = "/_proxy/metrics"
	DefaultTracingServiceName = "terminal-proxy"
)

// AdminPrefix is reserved for the proxy's own endpoints; every other path is proxied.
const AdminPrefix = "/_proxy"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routing  RoutingConfig  `toml:"routing"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (88)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RoutingConfig describes how requests are mapped to upstream destinations.
// With no destinations and no default, the built-in table is used.
type RoutingConfig struct {
	Strategy           string              `toml:"strategy"`
	Field              string              `toml:"field"`
	PortField          string              `toml:"port_field"`
	PortHost           string              `toml:"port_host"`
	DefaultDestination string              `toml:"default_destination"`
	Destinations       []DestinationConfig `toml:"destinations"`
}

// DestinationConfig is one upstream and the routing keys it owns.
// Keys may mix integers and strings.
type DestinationConfig struct {
	Addr   string        `toml:"addr"`
	Keys   []any         `toml:"keys"`
	Ranges []RangeConfig `toml:"ranges"`
}

// RangeConfig is an inclusive integer key range.
type RangeConfig struct {
	From int64 `toml:"from"`
	To   int64 `toml:"to"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"` // 0 means no client timeout
	IdleConnections int                  `toml:"idle_connections"`
	RewriteHost     bool                 `toml:"rewrite_host"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the per-destination circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
	ServiceName string  `toml:"service_name"`
}

// Default returns the configuration used when no config file exists: the
// terminal table 7700–7798 -> 127.0.0.1:77, 7800–7898 -> 127.0.0.1:78.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/terminal-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if _, err := cfg.RoutingTable(); err != nil {
		return nil, fmt.Errorf("config: routing: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	cb := c.Upstream.CircuitBreaker
	if cb.FailureThreshold < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker thresholds must be non-negative")
	}

	// Routing.
	switch strings.ToLower(c.Routing.Strategy) {
	case StrategyTerminal, StrategyPort, "":
		// valid
	default:
		return fmt.Errorf("routing.strategy must be one of: terminal, port; got %q", c.Routing.Strategy)
	}
	if len(c.Routing.Destinations) > 0 && c.Routing.DefaultDestination == "" {
		return fmt.Errorf("routing.default_destination is required when destinations are configured")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if !strings.HasPrefix(p, AdminPrefix+"/") || p == AdminPrefix+"/" {
			return fmt.Errorf("metrics.path must be under %s/ so it does not shadow proxied paths; got %q", AdminPrefix, p)
		}
		for _, reserved := range []string{AdminPrefix + "/healthz", AdminPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]; got %v", c.Tracing.SampleRatio)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}

	c.Routing.Strategy = strings.ToLower(c.Routing.Strategy)
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = StrategyTerminal
	}
	if c.Routing.Field == "" {
		c.Routing.Field = DefaultRoutingField
	}
	if c.Routing.PortField == "" {
		c.Routing.PortField = DefaultPortField
	}
	if c.Routing.PortHost == "" {
		c.Routing.PortHost = DefaultPortHost
	}
	if len(c.Routing.Destinations) == 0 && c.Routing.DefaultDestination == "" {
		c.Routing.DefaultDestination = DefaultDestination
		c.Routing.Destinations = []DestinationConfig{
			{Addr: "127.0.0.1:77", Ranges: []RangeConfig{{From: 7700, To: 7798}}},
			{Addr: "127.0.0.1:78", Ranges: []RangeConfig{{From: 7800, To: 7898}}},
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultTracingServiceName
	}
}

// RoutingTable builds the immutable routing table described by the config.
func (c *Config) RoutingTable() (*router.Table, error) {
	routes := make([]router.Route, 0, len(c.Routing.Destinations))
	for i, d := range c.Routing.Destinations {
		keys, err := routingKeys(d.Keys)
		if err != nil {
			return nil, fmt.Errorf("destinations[%d] (%s): %w", i, d.Addr, err)
		}
		ranges := make([]router.Range, 0, len(d.Ranges))
		for _, r := range d.Ranges {
			ranges = append(ranges, router.Range{From: r.From, To: r.To})
		}
		routes = append(routes, router.Route{Destination: d.Addr, Keys: keys, Ranges: ranges})
	}
	return router.NewTable(routes, c.Routing.DefaultDestination)
}

// routingKeys converts decoded TOML values into routing keys.
func routingKeys(raw []any) ([]router.Key, error) {
	keys := make([]router.Key, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case int64:
			keys = append(keys, router.IntKey(x))
		case int:
			keys = append(keys, router.IntKey(int64(x)))
		case string:
			keys = append(keys, router.StringKey(x))
		default:
			return nil, fmt.Errorf("key %v has unsupported type %T; use integers or strings", v, v)
		}
	}
	return keys, nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file that was loaded, or "" for built-in defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
