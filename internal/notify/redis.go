package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/store"
)

// publishTimeout bounds a single PUBLISH so a slow Redis never stalls callers.
const publishTimeout = 2 * time.Second

// Redis publishes JSON notifications on the per-user channel "<prefix>:<userID>".
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis connects to the Redis server at url and verifies it with PING.
func NewRedis(ctx context.Context, url, prefix string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = "wpphub"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

// Channel returns the channel notifications for userID are published on.
func (r *Redis) Channel(userID string) string {
	return r.prefix + ":" + userID
}

func (r *Redis) NotifyConnectionStatus(ctx context.Context, userID, accountID, label string, status store.AccountStatus) {
	r.publish(ctx, userID, connectionStatus(userID, accountID, label, status))
}

func (r *Redis) NotifyNewMessage(ctx context.Context, userID, accountID, conversationID, content, from string) {
	r.publish(ctx, userID, newMessage(userID, accountID, conversationID, content, from))
}

func (r *Redis) publish(ctx context.Context, userID string, payload any) {
	if userID == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("marshal notification", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.Channel(userID), data).Err(); err != nil {
		r.logger.Warn("publish notification",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Close closes the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
