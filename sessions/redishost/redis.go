package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-sse-server-go/sessions"
)

// Config for Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcp:sse:"`
	// SessionTTL bounds how long an abandoned queue survives. ENV: REDIS_SESSION_TTL
	SessionTTL time.Duration `env:"REDIS_SESSION_TTL,default=24h"`
	// PollInterval is the XREAD block timeout between liveness checks.
	PollInterval time.Duration `env:"REDIS_POLL_INTERVAL,default=500ms"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	block     time.Duration
}

var _ sessions.SessionHost = (*Host)(nil)

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The host takes ownership and
// closes it on Close.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	h := &Host{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.SessionTTL,
		block:     cfg.PollInterval,
	}
	if h.keyPrefix == "" {
		h.keyPrefix = "mcp:sse:"
	}
	if h.ttl <= 0 {
		h.ttl = 24 * time.Hour
	}
	if h.block <= 0 {
		h.block = 500 * time.Millisecond
	}
	return h
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) openKey(sessionID string) string   { return h.keyPrefix + "open:" + sessionID }
func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) subKey(sessionID string) string    { return h.keyPrefix + "sub:" + sessionID }

func (h *Host) CreateSession(ctx context.Context, sessionID string) error {
	return h.client.Set(ctx, h.openKey(sessionID), "1", h.ttl).Err()
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	n, err := h.client.Exists(ctx, h.openKey(sessionID)).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", sessions.ErrSessionNotFound
	}

	var add *redis.StringCmd
	key := h.streamKey(sessionID)
	_, err = h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]interface{}{"d": data}})
		p.Expire(ctx, key, h.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	n, err := h.client.Exists(ctx, h.openKey(sessionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}

	ok, err := h.client.SetNX(ctx, h.subKey(sessionID), "1", h.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrAlreadySubscribed
	}
	defer h.client.Del(context.WithoutCancel(ctx), h.subKey(sessionID))

	key := h.streamKey(sessionID)
	// Start from the beginning: frames published before the subscriber
	// attached are still pending delivery.
	start := "0"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 64, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				alive, err := h.client.Exists(ctx, h.openKey(sessionID)).Result()
				if err != nil {
					return err
				}
				if alive == 0 {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			// Robust payload decoding: accept string or []byte
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
			h.client.XDel(context.WithoutCancel(ctx), key, m.ID)
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	return h.client.Del(c, h.openKey(sessionID), h.streamKey(sessionID)).Err()
}
