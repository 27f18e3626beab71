// internal/notify/redis.go
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/service"
)

const (
	redisSinkName = "redis"

	pingTimeout = 5 * time.Second
)

// RedisSink publishes notifications on a Redis pub/sub channel.
type RedisSink struct {
	service.StatusHolder

	Client  *redis.Client
	address string
	channel string
	logger  *logging.Logger
}

var (
	_ Publisher       = (*RedisSink)(nil)
	_ service.Service = (*RedisSink)(nil)
)

// NewRedisSink creates a Redis-backed sink and checks the connection.
func NewRedisSink(cfg config.RedisConfig, logger *logging.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.NotifyWrap(err, errors.NotifyErrRedis, "failed to connect to Redis")
	}

	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisSink{
		Client:  client,
		address: cfg.Address,
		channel: cfg.Channel,
		logger:  logger.WithField("sink", redisSinkName),
	}, nil
}

// Name returns the sink and service name.
func (s *RedisSink) Name() string { return redisSinkName }

// Channel returns the pub/sub channel notifications are published on.
func (s *RedisSink) Channel() string { return s.channel }

// Publish sends n as JSON on the configured channel.
func (s *RedisSink) Publish(ctx context.Context, n submitter.Notification) error {
	payload, err := encode(n)
	if err != nil {
		return err
	}
	if err := s.Client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return errors.NotifyWrap(err, errors.NotifyErrRedis, fmt.Sprintf("failed to publish to %s", s.channel))
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// Start marks the sink running. The connection is opened by NewRedisSink.
func (s *RedisSink) Start(ctx context.Context) error {
	s.SetStatus(service.StatusRunning)
	s.logger.Info("Redis notification sink started", "address", s.address, "channel", s.channel)
	return nil
}

// Stop closes the Redis connection.
func (s *RedisSink) Stop(ctx context.Context) error {
	s.SetStatus(service.StatusStopping)
	err := s.Client.Close()
	s.SetStatus(service.StatusStopped)
	return err
}

// Health pings Redis.
func (s *RedisSink) Health() error {
	if s.Status() != service.StatusRunning {
		return fmt.Errorf("%w: %s", errors.ErrUnavailable, s.Status())
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return s.Ping(ctx)
}

// Dependencies returns no dependencies.
func (s *RedisSink) Dependencies() []string { return nil }
