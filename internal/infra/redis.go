// Package infra provides the concrete Redis adapter behind the stream and
// pub/sub interfaces the rest of the service consumes.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beeper/asmux/internal/queue"
)

// Stream entries store the serialized envelope under a single field.
const streamDataField = "txn"

// GoRedisAdapter wraps go-redis v9 and implements queue.StreamClient plus the
// pub/sub surface used by the directory and the websocket coordinator.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies connectivity with a ping.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		// Blocking stream reads manage their own deadlines.
		ReadTimeout: -1,
		PoolSize:    20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Append adds one entry to the stream and refreshes its TTL in a single
// pipelined transaction.
func (a *GoRedisAdapter) Append(ctx context.Context, stream string, payload []byte, ttl time.Duration) error {
	pipe := a.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{streamDataField: payload},
	})
	pipe.Expire(ctx, stream, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadBlocking reads up to count entries from the start of the stream,
// waiting up to block when the stream is empty. A timed-out wait returns an
// empty slice, not an error.
func (a *GoRedisAdapter) ReadBlocking(ctx context.Context, stream string, count int64, block time.Duration) ([]queue.StreamEntry, error) {
	res, err := a.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, "0"},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entries []queue.StreamEntry
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			entries = append(entries, streamEntry(msg))
		}
	}
	return entries, nil
}

// Delete removes specific entries from the stream.
func (a *GoRedisAdapter) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return a.rdb.XDel(ctx, stream, ids...).Err()
}

// Range returns all pending entries without blocking.
func (a *GoRedisAdapter) Range(ctx context.Context, stream string) ([]queue.StreamEntry, error) {
	msgs, err := a.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	entries := make([]queue.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, streamEntry(msg))
	}
	return entries, nil
}

func streamEntry(msg redis.XMessage) queue.StreamEntry {
	entry := queue.StreamEntry{ID: msg.ID}
	if data, ok := msg.Values[streamDataField].(string); ok {
		entry.Payload = []byte(data)
	}
	return entry
}

// Publish sends one message on a pub/sub channel.
func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.rdb.Publish(ctx, channel, payload).Err()
}

// Listen subscribes to the channels and dispatches messages to handler until
// ctx is done or the subscription breaks. The caller re-listens on error.
func (a *GoRedisAdapter) Listen(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error {
	sub := a.rdb.Subscribe(ctx, channels...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pub/sub channel closed")
			}
			handler(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
