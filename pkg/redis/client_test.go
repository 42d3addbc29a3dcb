package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr := miniredis.RunT(t)

	client, err := NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expectError bool
	}{
		{
			name:        "Invalid URL",
			url:         "invalid://url",
			expectError: true,
		},
		{
			name:        "Empty URL",
			url:         "",
			expectError: true,
		},
		{
			name:        "Unreachable server",
			url:         "redis://127.0.0.1:1/0",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.url, "test", nil)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, client)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, client)
			}
		})
	}
}

func TestClient_Get(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, Nil)

	require.NoError(t, mr.Set("k", "v"))
	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestClient_Incr(t *testing.T) {
	tests := []struct {
		name          string
		initialValue  string
		expectedValue int64
	}{
		{
			name:          "Increment non-existent key",
			expectedValue: 1,
		},
		{
			name:          "Increment existing counter",
			initialValue:  "5",
			expectedValue: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, client := setupTestRedis(t)
			if tt.initialValue != "" {
				require.NoError(t, mr.Set("counter", tt.initialValue))
			}

			value, err := client.Incr(context.Background(), "counter")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, value)
		})
	}
}

func TestClient_Expire(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k", "v"))
	require.NoError(t, client.Expire(ctx, "k", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("k"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("k"))
}

func TestClient_RunScript(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	script := goredis.NewScript(`
		redis.call('SET', KEYS[1], ARGV[1])
		return redis.call('INCR', KEYS[2])
	`)

	res, err := client.RunScript(ctx, script, []string{"a", "b"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)

	got, err := mr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestClient_Health(t *testing.T) {
	mr, client := setupTestRedis(t)

	assert.NoError(t, client.Health(context.Background()))

	mr.Close()
	assert.Error(t, client.Health(context.Background()))
}

func TestPrefixForLog(t *testing.T) {
	assert.Equal(t, "prod:authcache:a", prefixForLog("prod:authcache:a"))
	assert.Equal(t, "prod:authcache:abcdefghi…", prefixForLog("prod:authcache:abcdefghijklmnop"))
}
