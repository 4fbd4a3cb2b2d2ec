// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultUpstreamURL is the Transport for NSW Open Data origin.
const DefaultUpstreamURL = "https://api.transport.nsw.gov.au"

// Lambda event formats.
const (
	EventFormatV1 = "v1"
	EventFormatV2 = "v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tfnsw-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey      string `kong:"help='TfNSW Open Data API key (overrides config).',env='TFNSW_API_KEY'"`
	UpstreamURL string `kong:"help='Upstream base URL (overrides config).',env='UPSTREAM_BASE_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CORS        string `kong:"help='Attach CORS headers to every response: true|false (overrides config).',env='PROXY_CORS'"`
	EventFormat string `kong:"help='Lambda event format: v1|v2 (overrides config).',env='LAMBDA_EVENT_FORMAT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	TfNSW    TfNSWConfig    `toml:"tfnsw"`
	Upstream UpstreamConfig `toml:"upstream"`
	Response ResponseConfig `toml:"response"`
	Lambda   LambdaConfig   `toml:"lambda"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TfNSWConfig holds the Open Data API credential.
type TfNSWConfig struct {
	APIKey string `toml:"api_key"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// ResponseConfig controls the headers and body encoding of relayed responses.
// CORS and DefaultContentType are nil when unset and are then filled from the
// Lambda event format: v1 gets CORS and no default Content-Type, v2 gets
// application/json and no CORS. An empty DefaultContentType means the header
// is omitted when the upstream sends none.
type ResponseConfig struct {
	CORS               *bool   `toml:"cors"`
	DefaultContentType *string `toml:"default_content_type"`
	Base64NonUTF8      bool    `toml:"base64_non_utf8"`
}

// CORSEnabled reports whether CORS headers are attached. Unset means false.
func (r ResponseConfig) CORSEnabled() bool {
	return r.CORS != nil && *r.CORS
}

// ContentTypeFallback returns the Content-Type used when the upstream sends
// none, or "" to omit the header.
func (r ResponseConfig) ContentTypeFallback() string {
	if r.DefaultContentType == nil {
		return ""
	}
	return *r.DefaultContentType
}

// LambdaConfig selects the API Gateway event shape served by the Lambda binary.
type LambdaConfig struct {
	EventFormat string `toml:"event_format"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/tfnsw-proxy/config.toml then configs/config.toml. Running without a
// file is allowed so that the Lambda runtime can be configured from env alone.
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

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.TfNSW.APIKey = cli.APIKey
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CORS != "" {
		v, err := strconv.ParseBool(cli.CORS)
		if err != nil {
			return fmt.Errorf("cors override must be a boolean; got %q", cli.CORS)
		}
		c.Response.CORS = &v
	}
	if cli.EventFormat != "" {
		c.Lambda.EventFormat = cli.EventFormat
	}
	return nil
}

func (c *Config) validate() error {
	if c.TfNSW.APIKey == "YOUR_API_KEY_HERE" {
		return fmt.Errorf("tfnsw.api_key contains placeholder value; set a real key or set TFNSW_API_KEY")
	}

	// Upstream URL must be HTTPS and an origin only.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}

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

	switch strings.ToLower(c.Lambda.EventFormat) {
	case EventFormatV1, EventFormatV2:
	default:
		return fmt.Errorf("lambda.event_format must be one of: v1, v2; got %q", c.Lambda.EventFormat)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/v1", "/v2", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
// Unset response policy fields follow the event format.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB, GET-only
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Lambda.EventFormat = strings.ToLower(c.Lambda.EventFormat)
	if c.Lambda.EventFormat == "" {
		c.Lambda.EventFormat = EventFormatV1
	}
	c.setResponseDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) setResponseDefaults() {
	cors, contentType := true, ""
	if c.Lambda.EventFormat == EventFormatV2 {
		cors, contentType = false, "application/json"
	}
	if c.Response.CORS == nil {
		c.Response.CORS = &cors
	}
	if c.Response.DefaultContentType == nil {
		c.Response.DefaultContentType = &contentType
	}
}

// HasCredential reports whether a non-blank API key is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.TfNSW.APIKey) != ""
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
