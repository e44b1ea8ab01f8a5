package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-gateway-go/router"
)

// Config is the process configuration, read from the environment.
type Config struct {
	// ListenAddr for the HTTP server. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// PublicURL is the externally visible MCP endpoint, including its path.
	// ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL,default=http://127.0.0.1:8080/mcp"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// DevMode exposes internal error detail to clients. ENV: DEV_MODE
	DevMode bool `env:"DEV_MODE,default=false"`

	// JWTSecret enables HS256 validation. ENV: JWT_SECRET
	JWTSecret string `env:"JWT_SECRET"`
	// JWTIssuer is the expected iss claim. ENV: JWT_ISSUER
	JWTIssuer string `env:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim. ENV: JWT_AUDIENCE
	JWTAudience string `env:"JWT_AUDIENCE"`
	// JWKSURL enables JWKS validation against a fixed key set. ENV: JWKS_URL
	JWKSURL string `env:"JWKS_URL"`
	// OIDCIssuer enables discovery-based validation. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// UnscopedMethods may be invoked by any authenticated caller. Entries are
	// separated by semicolons. ENV: UNSCOPED_METHODS
	UnscopedMethods []string `env:"UNSCOPED_METHODS,default=initialize;notifications/initialized"`

	// RedisAddr switches replay buffers to Redis when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// SessionBufferSize caps replayable frames per session. ENV: SESSION_BUFFER_SIZE
	SessionBufferSize int `env:"SESSION_BUFFER_SIZE,default=1000"`
	// SessionTTL is the idle lifetime of a session. ENV: SESSION_TTL
	SessionTTL time.Duration `env:"SESSION_TTL,default=30m"`
	// Heartbeat is the ping interval on open streams. ENV: HEARTBEAT_INTERVAL
	Heartbeat time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	// MaxConcurrency bounds parallel batch dispatch. ENV: MAX_CONCURRENCY
	MaxConcurrency int `env:"MAX_CONCURRENCY,default=16"`
	// StreamBufferSize caps the buffered events of one streaming call.
	// ENV: STREAM_BUFFER_SIZE
	StreamBufferSize int `env:"STREAM_BUFFER_SIZE,default=0"`
	// RouterBatchSize groups stream events per flush; 1 writes each event
	// immediately. ENV: ROUTER_BATCH_SIZE
	RouterBatchSize int `env:"ROUTER_BATCH_SIZE,default=1"`
	// RouterHeartbeat is the ping interval of a streaming call's router. Zero
	// disables it. ENV: ROUTER_HEARTBEAT_INTERVAL
	RouterHeartbeat time.Duration `env:"ROUTER_HEARTBEAT_INTERVAL,default=0s"`

	// MapboxToken is the upstream access token. ENV: MAPBOX_ACCESS_TOKEN
	MapboxToken string `env:"MAPBOX_ACCESS_TOKEN"`
	// MapboxBaseURL overrides the API origin. ENV: MAPBOX_BASE_URL
	MapboxBaseURL string `env:"MAPBOX_BASE_URL,default=https://api.mapbox.com"`
	// UpstreamRPS is the client-side rate limit. ENV: UPSTREAM_RPS
	UpstreamRPS float64 `env:"UPSTREAM_RPS,default=10"`
	// UpstreamMaxTries bounds retries per upstream call. ENV: UPSTREAM_MAX_TRIES
	UpstreamMaxTries uint `env:"UPSTREAM_MAX_TRIES,default=4"`

	// ArtifactTTL is the lifetime of stored images. ENV: ARTIFACT_TTL
	ArtifactTTL time.Duration `env:"ARTIFACT_TTL,default=1h"`
	// ArtifactMaxBytes caps the artifact store. ENV: ARTIFACT_MAX_BYTES
	ArtifactMaxBytes int64 `env:"ARTIFACT_MAX_BYTES,default=67108864"`
}

// loadConfig decodes Config from the environment. Unset variables keep their
// defaults.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL)
	}
	if c.JWTSecret == "" && c.JWKSURL == "" && c.OIDCIssuer == "" {
		return errors.New("one of JWT_SECRET, JWKS_URL or OIDC_ISSUER is required")
	}
	if c.JWKSURL != "" && c.JWTIssuer == "" {
		return errors.New("JWT_ISSUER is required with JWKS_URL")
	}
	if c.RouterBatchSize < 1 {
		return fmt.Errorf("ROUTER_BATCH_SIZE must be at least 1, got %d", c.RouterBatchSize)
	}
	if c.RouterHeartbeat < 0 {
		return fmt.Errorf("ROUTER_HEARTBEAT_INTERVAL must not be negative, got %s", c.RouterHeartbeat)
	}
	return nil
}

// publicBase is PUBLIC_URL without its path.
func (c *Config) publicBase() string {
	u, _ := url.Parse(c.PublicURL)
	return u.Scheme + "://" + u.Host
}

// audience defaults to PUBLIC_URL.
func (c *Config) audience() string {
	if c.JWTAudience != "" {
		return c.JWTAudience
	}
	return c.PublicURL
}

func (c *Config) unscopedMethods() []string {
	var out []string
	for _, m := range c.UnscopedMethods {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func (c *Config) routerOptions() router.Options {
	return router.Options{
		BatchSize:         c.RouterBatchSize,
		HeartbeatInterval: c.RouterHeartbeat,
	}
}

func (c *Config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
