package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/models"
)

// RedisQueue delivers job ids through a redis stream and consumer group.
// Delayed ids wait in a sorted set scored by their ready time until a
// Dequeue promotes them onto the stream.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *slog.Logger
}

// NewRedisQueue connects to redis and ensures the consumer group exists.
// block bounds how long Dequeue waits for a message.
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig, block time.Duration, logger *slog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  block + 5*time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &RedisQueue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumer,
		block:    block,
		logger:   logger.With(slog.String("component", "redis_queue")),
	}
	if err := q.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", q.group, err)
	}
	return nil
}

func (q *RedisQueue) delayedKey() string {
	return q.stream + ":delayed"
}

// Name returns the backend name.
func (q *RedisQueue) Name() string { return BackendRedis }

// Enqueue adds id to the stream, or to the delay set when notBefore is in
// the future.
func (q *RedisQueue) Enqueue(ctx context.Context, id models.ULID, notBefore *time.Time) error {
	data, err := encodeMessage(id, notBefore)
	if err != nil {
		return err
	}
	if notBefore != nil && notBefore.After(time.Now()) {
		err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(notBefore.UnixMilli()),
			Member: string(data),
		}).Err()
		if err != nil {
			return fmt.Errorf("scheduling job %s: %w", id, err)
		}
		return nil
	}
	return q.publish(ctx, data)
}

func (q *RedisQueue) publish(ctx context.Context, data []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", q.stream, err)
	}
	return nil
}

// promoteDue moves delayed messages whose time has come onto the stream.
// ZRem decides the winner when several workers promote at once.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed jobs: %w", err)
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("promoting delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.publish(ctx, []byte(member)); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue reads one new message for this consumer, blocking up to the
// configured interval.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("failed to promote delayed jobs", slog.String("error", err.Error()))
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from %s: %w", q.stream, err)
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			id, err := deliveryFromValues(msg.Values)
			if err != nil {
				// A message that cannot be decoded never will be.
				q.logger.Error("dropping malformed message",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()))
				_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
				continue
			}
			return &Delivery{JobID: id, receipt: msg.ID}, nil
		}
	}
	return nil, nil
}

func deliveryFromValues(values map[string]any) (models.ULID, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return models.ULID{}, fmt.Errorf("message has no data field")
	}
	_, id, err := decodeMessage([]byte(raw))
	return id, err
}

// Ack acknowledges the message in the consumer group.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d.receipt == "" {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, d.receipt).Err(); err != nil {
		return fmt.Errorf("acknowledging %s: %w", d.receipt, err)
	}
	return nil
}

// Close closes the redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
