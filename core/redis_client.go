// Package core provides the shared types, interfaces and configuration of the
// execution-coordination pipeline. This file implements the shared Redis
// client constructor used by the substrate adapter, the leader elector and
// the opportunity lock manager.
//
// Connection Management:
// - Automatic connection pooling tuned for steady stream traffic
// - Connection verification with retry at construction
// - Configurable timeouts
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient parses a Redis URL, applies production-grade pool settings
// and verifies connectivity before returning the client. A failure here maps
// to process exit code ExitSubstrateDown.
func NewRedisClient(redisURL string, logger Logger) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		if logger != nil {
			logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	// Pool sizing for a service whose every loop touches Redis
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = time.Millisecond * 100
	opt.MaxRetryBackoff = time.Second * 1
	opt.DialTimeout = time.Second * 5
	opt.ReadTimeout = time.Second * 5
	opt.WriteTimeout = time.Second * 5
	opt.PoolTimeout = time.Second * 10

	client := redis.NewClient(opt)

	// Connection verification with retry
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()

		if err == nil {
			break
		}

		if i < 2 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	if err != nil {
		if logger != nil {
			logger.Error("Failed to connect to Redis after retries", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", ErrConnectionFailed)
	}

	if logger != nil {
		logger.Info("Redis client connected", map[string]interface{}{
			"addr": opt.Addr,
			"db":   opt.DB,
		})
	}

	return client, nil
}
