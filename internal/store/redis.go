package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/secrets"
)

// RedisConfig carries addressing for the shared Redis instance that backs
// the queue, rate limiter, circuit breaker, heartbeats, and dynamic config.
type RedisConfig struct {
	Addr string
	DB   int
}

// NewRedisClient dials Redis with the primary credential, falling back to
// the secondary credential on an auth failure, mirroring NewPostgresPool.
// An empty password (unauthenticated dev Redis) is a valid primary value.
func NewRedisClient(ctx context.Context, cfg RedisConfig, secretsProvider secrets.Provider, log *logger.Logger) (*goredis.Client, error) {
	primary, secondary, err := secretsProvider.Resolve(ctx, "redis")
	if err != nil {
		return nil, fmt.Errorf("store: resolve redis credential: %w", err)
	}

	client, err := dialRedis(ctx, cfg, primary, log)
	if err == nil {
		return client, nil
	}
	if secondary == "" || !isRedisAuthError(err) {
		return nil, err
	}

	log.Warn("redis: primary credential rejected, retrying with secondary", "error", err)
	return dialRedis(ctx, cfg, secondary, log)
}

func dialRedis(ctx context.Context, cfg RedisConfig, password string, lg *logger.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	lg.Info("redis: connected", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

func isRedisAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "noauth") || strings.Contains(msg, "wrongpass") || strings.Contains(msg, "authentication")
}
