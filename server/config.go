package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-sse-server-go/internal/logging"
	"github.com/ggoodman/mcp-sse-server-go/sessions/redishost"
)

// Config is the process configuration. Every field can be set from the
// environment; LoadConfig applies the defaults in the struct tags.
type Config struct {
	// Host is the listen address. ENV: HOST
	Host string `env:"HOST,default=0.0.0.0"`
	// Port is the listen port. ENV: PORT
	Port int `env:"PORT,default=8000"`

	// SSEPath serves the event stream. ENV: MCP_SSE_PATH
	SSEPath string `env:"MCP_SSE_PATH,default=/sse"`
	// MessagePath accepts client posts and is advertised in the endpoint
	// event. ENV: MCP_MESSAGE_PATH
	MessagePath string `env:"MCP_MESSAGE_PATH,default=/messages"`
	// KeepAlive is the ping interval on idle streams. ENV: MCP_SSE_KEEPALIVE
	KeepAlive time.Duration `env:"MCP_SSE_KEEPALIVE,default=15s"`
	// ToolTimeout bounds a single tool call. ENV: MCP_TOOL_TIMEOUT
	ToolTimeout time.Duration `env:"MCP_TOOL_TIMEOUT,default=30s"`
	// ShutdownTimeout bounds graceful shutdown. ENV: MCP_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`

	ServerName    string `env:"MCP_SERVER_NAME,default=simple-mcp-sse"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=1.0.0"`
	Instructions  string `env:"MCP_INSTRUCTIONS"`

	// RedisAddr selects the Redis-backed session queues when set; otherwise
	// queues live in process memory. ENV: REDIS_ADDR
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX,default=mcp:sse:"`
	RedisTTL       time.Duration `env:"REDIS_SESSION_TTL,default=24h"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=auto"`
}

// LoadConfig decodes Config from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if !strings.HasPrefix(c.SSEPath, "/") {
		return fmt.Errorf("invalid MCP_SSE_PATH %q: must start with /", c.SSEPath)
	}
	if !strings.HasPrefix(c.MessagePath, "/") {
		return fmt.Errorf("invalid MCP_MESSAGE_PATH %q: must start with /", c.MessagePath)
	}
	if c.SSEPath == c.MessagePath {
		return fmt.Errorf("MCP_SSE_PATH and MCP_MESSAGE_PATH must differ")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) redisConfig() redishost.Config {
	return redishost.Config{
		RedisAddr:  c.RedisAddr,
		KeyPrefix:  c.RedisKeyPrefix,
		SessionTTL: c.RedisTTL,
	}
}
