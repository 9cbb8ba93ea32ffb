package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// payloadField is the stream entry field carrying the serialized payload.
const payloadField = "payload"

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Redis is the production Transport adapter backed by Redis streams
// (XADD/XREADGROUP/XACK) and pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client (used by tests).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close closes the underlying client.
func (t *Redis) Close() error {
	return t.client.Close()
}

// Publish sends payload to current subscribers of channel.
func (t *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return t.client.Publish(ctx, channel, payload).Result()
}

// Subscribe opens an ephemeral pub/sub listener on channel.
func (t *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	sub := t.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so a
	// Publish immediately after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Message, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-done:
					return
				}
			}
		}
	}()

	var once bool
	cancel := func() {
		if once {
			return
		}
		once = true
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

// StreamAppend appends payload to the stream at key.
func (t *Redis) StreamAppend(ctx context.Context, key string, payload []byte, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{payloadField: payload},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return id, nil
}

// StreamRead reads entries after cursor.
func (t *Redis) StreamRead(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]Message, error) {
	args := &redis.XReadArgs{
		Streams: []string{key, cursor},
		Count:   count,
		Block:   block,
	}
	if block <= 0 {
		args.Block = -1 // no BLOCK argument: return immediately
	}
	streams, err := t.client.XRead(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", key, err)
	}
	return flattenStreams(streams), nil
}

// CreateGroup creates a consumer group, creating the stream if needed.
func (t *Redis) CreateGroup(ctx context.Context, key, group, start string) error {
	err := t.client.XGroupCreateMkStream(ctx, key, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("xgroup create %s/%s: %w", key, group, err)
	}
	return nil
}

// StreamReadGroup reads undelivered entries for consumer within group.
func (t *Redis) StreamReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}
	if block <= 0 {
		args.Block = -1
	}
	streams, err := t.client.XReadGroup(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrNoGroup
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", key, group, err)
	}
	return flattenStreams(streams), nil
}

// Ack acknowledges delivered entries for group.
func (t *Redis) Ack(ctx context.Context, key, group string, ids ...string) (int64, error) {
	n, err := t.client.XAck(ctx, key, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s/%s: %w", key, group, err)
	}
	return n, nil
}

// Pending lists unacknowledged entries for group.
func (t *Redis) Pending(ctx context.Context, key, group string, count int64) ([]PendingEntry, error) {
	ext, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", key, group, err)
	}
	entries := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		entries = append(entries, PendingEntry{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return entries, nil
}

// Claim transfers ownership of stalled pending entries to consumer.
func (t *Redis) Claim(ctx context.Context, key, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s/%s: %w", key, group, err)
	}
	return decodeXMessages(key, msgs), next, nil
}

// Trim caps the stream at approximately maxLen entries.
func (t *Redis) Trim(ctx context.Context, key string, maxLen int64) (int64, error) {
	n, err := t.client.XTrimMaxLenApprox(ctx, key, maxLen, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", key, err)
	}
	return n, nil
}

// Len returns the stream length.
func (t *Redis) Len(ctx context.Context, key string) (int64, error) {
	return t.client.XLen(ctx, key).Result()
}

// flattenStreams converts XREAD replies into Messages, skipping malformed
// entries (missing payload field) instead of aborting the read.
func flattenStreams(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		out = append(out, decodeXMessages(s.Stream, s.Messages)...)
	}
	return out
}

func decodeXMessages(key string, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[payloadField]
		if !ok {
			log.Warn().Str("stream", key).Str("entryId", m.ID).Msg("Stream entry missing payload field, skipping")
			continue
		}
		var payload []byte
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			log.Warn().Str("stream", key).Str("entryId", m.ID).Msg("Stream entry payload has unexpected type, skipping")
			continue
		}
		out = append(out, Message{ID: m.ID, Channel: key, Payload: payload})
	}
	return out
}

// Ensure Redis implements Transport.
var _ Transport = (*Redis)(nil)
