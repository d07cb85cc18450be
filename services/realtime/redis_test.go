package realtimesvc

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
	testutil "github.com/trezcool/masomo-notifier/tests"
)

// needs a live server: REDIS_ADDR=localhost:6379 go test ./services/realtime/...
func newTestRedisRegistries(t *testing.T) (local, remote *RedisRegistry) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, core.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	channel := "masomo-test-" + uuid.NewString()
	local = NewRedisRegistry(NewHub(nil), rdb, channel, nil)
	remote = NewRedisRegistry(NewHub(nil), rdb, channel, nil)
	t.Cleanup(func() {
		rdb.Del(ctx, local.instancesKey(), local.presenceKey(local.origin), remote.presenceKey(remote.origin))
	})
	return local, remote
}

func TestRedisRegistry(t *testing.T) {
	local, remote := newTestRedisRegistries(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = remote.Run(ctx) }()

	_, ok := local.Lookup(42)
	assert.False(t, ok)

	handle := new(testutil.Handle)
	remote.Register(42, handle)

	h, ok := local.Lookup(42)
	require.True(t, ok)
	assert.IsType(t, &remoteHandle{}, h)

	// the subscriber may not be attached yet
	require.Eventually(t, func() bool {
		_ = h.Emit(notification.EventNewNotification, map[string]string{"title": "Upcoming Class: Physics"})
		return len(handle.Events()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	ev := handle.Events()[0]
	assert.Equal(t, notification.EventNewNotification, ev.Name)
	assert.JSONEq(t, `{"title":"Upcoming Class: Physics"}`, string(ev.Payload.(json.RawMessage)))

	remote.Unregister(42)
	_, ok = local.Lookup(42)
	assert.False(t, ok)
}

func TestRedisRegistry_staleInstance(t *testing.T) {
	local, remote := newTestRedisRegistries(t)
	ctx := context.Background()

	remote.Register(42, new(testutil.Handle))
	_, ok := local.Lookup(42)
	require.True(t, ok)

	ttl, err := remote.rdb.TTL(ctx, remote.presenceKey(remote.origin)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// the remote instance stops refreshing its heartbeat (e.g. it crashed)
	stale := float64(time.Now().Add(-2 * presenceTTL).Unix())
	require.NoError(t, remote.rdb.ZAdd(ctx, remote.instancesKey(), redis.Z{Score: stale, Member: remote.origin}).Err())

	_, ok = local.Lookup(42)
	assert.False(t, ok)

	// a heartbeat brings it back
	require.NoError(t, remote.heartbeat(ctx))
	_, ok = local.Lookup(42)
	assert.True(t, ok)

	remote.leave()
	_, ok = local.Lookup(42)
	assert.False(t, ok)
}
