package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/storage/storetest"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis on REDIS_TEST_ADDR (default localhost:6379); DB 15 is flushed.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
		wantIs  error
	}{
		{name: "nil client", config: DefaultConfig(), wantErr: true},
		{name: "default config", client: client, config: DefaultConfig()},
		{name: "empty config gets defaults", client: client, config: Config{}},
		{
			name:    "ttl shorter than window",
			client:  client,
			config:  Config{WindowTTL: 30 * time.Minute},
			wantErr: true,
			wantIs:  aimeter.ErrInvalidConfig,
		},
		{
			name:    "missing tier budget",
			client:  client,
			config:  Config{Window: aimeter.WindowConfig{Budgets: aimeter.TierBudgets{}}},
			wantErr: true,
			wantIs:  aimeter.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "aimeter:", s.config.KeyPrefix)
				return
			}
			assert.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestStorage_Conformance(t *testing.T) {
	client := setupTestRedis(t)
	storetest.Run(t, func(t *testing.T, clock aimeter.Clock) aimeter.Store {
		s, err := New(client, Config{KeyPrefix: "aimeter_test:", Window: storetest.Window(), Clock: clock})
		require.NoError(t, err)
		return s
	})
}

func TestStorage_WindowTTL(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	s, err := New(client, Config{
		KeyPrefix: "ttl:",
		Window:    storetest.Window(),
		WindowTTL: 2 * time.Hour,
		Clock:     storetest.NewClock(),
	})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: "user1", Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 10})
	require.NoError(t, err)

	ttl, err := client.PTTL(ctx, "ttl:window:{user1}").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)
	assert.LessOrEqual(t, ttl, 2*time.Hour)
}

func TestStorage_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	_, err = s.Reserve(context.Background(), &aimeter.ReserveRequest{UserID: "user1", Tier: aimeter.TierFree, RequestsDelta: 1})
	require.Error(t, err)
	assert.False(t, aimeter.IsConfigurationError(err))
	assert.Error(t, s.Ping(context.Background()))
}
