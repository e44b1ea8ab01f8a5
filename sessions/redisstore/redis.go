package redisstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed event store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:gateway:"`
	// MaxEvents is the approximate per-session stream length. ENV: SESSION_BUFFER_SIZE
	MaxEvents int64 `env:"SESSION_BUFFER_SIZE,default=1000"`
	// TTL is refreshed on every append. ENV: SESSION_TTL
	TTL time.Duration `env:"SESSION_TTL,default=30m"`
}

const (
	defaultKeyPrefix = "mcp:gateway:"
	defaultMaxEvents = 1000
	defaultTTL       = 30 * time.Minute
)

// streamIDPattern matches Redis stream entry ids. Anything else cannot be a
// frame id from this store and is rejected before reaching XRANGE.
var streamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	maxEvents int64
	ttl       time.Duration
}

// New connects to cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(cl, cfg), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// NewFromClient wraps an existing client. Zero Config fields take their
// defaults.
func NewFromClient(client redis.UniversalClient, cfg Config) *Store {
	s := &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxEvents: cfg.MaxEvents,
		ttl:       cfg.TTL,
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultKeyPrefix
	}
	if s.maxEvents <= 0 {
		s.maxEvents = defaultMaxEvents
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	return s
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + "events:" + sessionID }

func (s *Store) Append(ctx context.Context, sessionID string, f sse.Frame) (sse.Frame, error) {
	key := s.streamKey(sessionID)

	pipe := s.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]any{"e": f.Event, "d": f.Data},
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return sse.Frame{}, fmt.Errorf("redis xadd: %w", err)
	}

	f.ID = add.Val()
	return f, nil
}

func (s *Store) After(ctx context.Context, sessionID, lastEventID string) ([]sse.Frame, bool, error) {
	if !streamIDPattern.MatchString(lastEventID) {
		return nil, false, nil
	}
	key := s.streamKey(sessionID)

	hit, err := s.client.XRangeN(ctx, key, lastEventID, lastEventID, 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis xrange: %w", err)
	}
	if len(hit) == 0 {
		return nil, false, nil
	}

	msgs, err := s.client.XRange(ctx, key, "("+lastEventID, "+").Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis xrange: %w", err)
	}
	out := make([]sse.Frame, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, sse.Frame{
			ID:    m.ID,
			Event: stringValue(m.Values["e"]),
			Data:  []byte(stringValue(m.Values["d"])),
		})
	}
	return out, true, nil
}

func (s *Store) Purge(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// stringValue decodes a stream field, which go-redis surfaces as a string.
func stringValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
