package realtimesvc

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
)

const (
	redisTimeout = 2 * time.Second
	presenceTTL  = 30 * time.Second
)

// RedisRegistry shares presence between instances.
// Users connected here are served by the local hub; users connected elsewhere get a
// handle that publishes to channel, which every instance relays to its own hub.
//
// Each instance keeps its own presence hash and heartbeat while Run is active.
// Both expire after presenceTTL, so users of a crashed instance stop being found.
type RedisRegistry struct {
	hub     *Hub
	rdb     redis.UniversalClient
	channel string
	origin  string
	ttl     time.Duration
	logger  core.Logger
}

var _ notification.Registry = (*RedisRegistry)(nil)

type remoteEvent struct {
	UserID int             `json:"user_id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Origin string          `json:"origin"`
}

func NewRedisRegistry(hub *Hub, rdb redis.UniversalClient, channel string, logger core.Logger) *RedisRegistry {
	if logger == nil {
		logger = core.NopLogger{}
	}
	r := &RedisRegistry{
		hub:     hub,
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		ttl:     presenceTTL,
		logger:  logger,
	}
	hub.OnPresence(r.presence)
	return r
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, conf core.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return rdb, nil
}

func (r *RedisRegistry) instancesKey() string { return r.channel + ":instances" }

func (r *RedisRegistry) presenceKey(origin string) string {
	return r.channel + ":presence:" + origin
}

// staleBefore is the heartbeat score below which an instance is considered gone.
func (r *RedisRegistry) staleBefore() int64 { return time.Now().Add(-r.ttl).Unix() }

// touch marks this instance alive and extends its presence hash.
func (r *RedisRegistry) touch(ctx context.Context, pipe redis.Pipeliner) {
	pipe.ZAdd(ctx, r.instancesKey(), redis.Z{Score: float64(time.Now().Unix()), Member: r.origin})
	pipe.Expire(ctx, r.presenceKey(r.origin), r.ttl)
}

func (r *RedisRegistry) heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.touch(ctx, pipe)
		pipe.ZRemRangeByScore(ctx, r.instancesKey(), "-inf", "("+strconv.FormatInt(r.staleBefore(), 10))
		return nil
	})
	return errors.Wrap(err, "refreshing presence")
}

func (r *RedisRegistry) presence(userID, delta int) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key, field := r.presenceKey(r.origin), strconv.Itoa(userID)
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, field, int64(delta))
		r.touch(ctx, pipe)
		return nil
	})
	if err != nil {
		r.logger.Warn("realtime: updating presence", err, map[string]interface{}{"user_id": userID})
		return
	}
	if incr.Val() <= 0 {
		r.rdb.HDel(ctx, key, field)
	}
}

// leave drops this instance's presence, so peers stop routing to it right away.
func (r *RedisRegistry) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.instancesKey(), r.origin)
		pipe.Del(ctx, r.presenceKey(r.origin))
		return nil
	})
	if err != nil {
		r.logger.Warn("realtime: clearing presence", err)
	}
}

func (r *RedisRegistry) Register(userID int, h notification.Handle) {
	r.hub.Register(userID, h)
}

func (r *RedisRegistry) Unregister(userID int) {
	r.hub.Unregister(userID)
}

func (r *RedisRegistry) Lookup(userID int) (notification.Handle, bool) {
	if h, ok := r.hub.Lookup(userID); ok {
		return h, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	live, err := r.rdb.ZRangeByScore(ctx, r.instancesKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(r.staleBefore(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		r.logger.Warn("realtime: listing instances", err)
		return nil, false
	}

	field := strconv.Itoa(userID)
	var counts []*redis.StringCmd
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, origin := range live {
			if origin != r.origin { // the local hub was checked above
				counts = append(counts, pipe.HGet(ctx, r.presenceKey(origin), field))
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("realtime: looking up presence", err, map[string]interface{}{"user_id": userID})
		return nil, false
	}

	for _, cmd := range counts {
		if n, err := cmd.Int(); err == nil && n > 0 {
			return &remoteHandle{registry: r, userID: userID}, true
		}
	}
	return nil, false
}

// Run relays published events to local connections until ctx is done.
func (r *RedisRegistry) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribing to %s", r.channel)
	}

	if err := r.heartbeat(ctx); err != nil {
		r.logger.Warn("realtime: heartbeat", err)
	}
	defer r.leave()

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil {
				r.logger.Warn("realtime: heartbeat", err)
			}
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *RedisRegistry) deliver(payload string) {
	var ev remoteEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("realtime: invalid relayed event", err)
		return
	}

	h, ok := r.hub.Lookup(ev.UserID)
	if !ok {
		return
	}
	if err := h.Emit(ev.Event, ev.Data); err != nil {
		r.logger.Warn("realtime: relaying event", err, map[string]interface{}{
			"user_id": ev.UserID,
			"event":   ev.Event,
			"origin":  ev.Origin,
		})
	}
}

type remoteHandle struct {
	registry *RedisRegistry
	userID   int
}

func (h *remoteHandle) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	msg, err := json.Marshal(remoteEvent{UserID: h.userID, Event: event, Data: data, Origin: h.registry.origin})
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return errors.Wrap(h.registry.rdb.Publish(ctx, h.registry.channel, msg).Err(), "publishing event")
}
