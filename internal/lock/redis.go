package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/abhisek/packplan/internal/logger"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
	Prefix   string `mapstructure:"prefix" toml:"prefix"`

	// TTL bounds how long a crashed holder keeps the lock.
	TTL  time.Duration `mapstructure:"ttl" toml:"ttl"`
	Wait time.Duration `mapstructure:"wait" toml:"wait"`

	// Poll is the interval between acquisition attempts.
	Poll time.Duration `mapstructure:"poll" toml:"poll"`
}

// Redis is a Locker shared by every instance pointed at the same Redis.
type Redis struct {
	rdb *goredis.Client
	cfg RedisConfig
	log *logger.Logger
}

// NewRedis connects and pings Redis.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis lock: addr required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(rdb, cfg, log), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *goredis.Client, cfg RedisConfig, log *logger.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "packplan:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 25 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{rdb: rdb, cfg: cfg, log: log.With("service", "RedisLock")}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.cfg.Prefix + key
	token := uuid.NewString()

	if r.cfg.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Wait)
		defer cancel()
	}

	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.cfg.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return r.releaser(k, token), nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrLockTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.unlock(key, token) })
	}
}

func (r *Redis) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil {
		r.log.Warn("redis unlock failed", "key", key, "error", err)
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
