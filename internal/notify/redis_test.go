package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/store"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in -short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisPublishesPerUser(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	n, err := NewRedis(ctx, url, "crm", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	sub := redis.NewClient(opts)
	t.Cleanup(func() { _ = sub.Close() })

	ps := sub.Subscribe(ctx, n.Channel("user-1"))
	t.Cleanup(func() { _ = ps.Close() })
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	n.NotifyConnectionStatus(ctx, "user-1", "acc-1", "Support", store.AccountConnected)
	n.NotifyNewMessage(ctx, "user-2", "acc-2", "conv-x", "not for user-1", "x")
	n.NotifyNewMessage(ctx, "user-1", "acc-1", "conv-1", "hello", "5511888888888")

	msgs := ps.Channel()
	recv := func() map[string]any {
		select {
		case m := <-msgs:
			require.Equal(t, "crm:user-1", m.Channel)
			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(m.Payload), &out))
			return out
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for notification")
			return nil
		}
	}

	first := recv()
	require.Equal(t, "connection_status", first["type"])
	require.Equal(t, "CONNECTED", first["status"])

	second := recv()
	require.Equal(t, "new_message", second["type"])
	require.Equal(t, "conv-1", second["conversation_id"])
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url", "", zap.NewNop())
	require.Error(t, err)
}
