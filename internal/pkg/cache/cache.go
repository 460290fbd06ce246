package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// Config returns the connection settings shared by the status cache, the
// job queue and the rate limiter storage.
func Config() (host string, port int, password string, db int) {
	return env.GetEnv("CACHE_HOST", "localhost"),
		env.GetEnvInt("CACHE_PORT", 6379),
		env.GetEnv("CACHE_PASSWORD", ""),
		env.GetEnvInt("CACHE_DB", 0)
}

// SetupCache initializes the connection to the Redis compatible cache server.
// A failed ping is logged, not fatal: callers degrade to database reads.
func SetupCache() {
	host, port, password, db := Config()
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] could not connect to %s:%d: %v", host, port, err)
		return
	}
	log.Infof("[Cache] connected to %s:%d", host, port)
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
