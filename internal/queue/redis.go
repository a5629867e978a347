package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldBody     = "body"
	fieldID       = "msg_id"
	fieldTradeID  = "source_trade_id"
	delayedSuffix = ":delayed"
	moveBatch     = 100
	streamMaxLen  = 100000
)

// RedisStreams is a Queue over Redis Streams consumer groups. Unacknowledged
// entries idle longer than ClaimIdle are claimed by the next Receive, and
// delayed redeliveries wait in a sorted set until Run moves them back.
type RedisStreams struct {
	client       redis.UniversalClient
	logger       *zap.Logger
	group        string
	consumer     string
	block        time.Duration
	claimIdle    time.Duration
	pollInterval time.Duration
	now          func() time.Time

	groups    sync.Map // topic -> struct{}
	lastClaim sync.Map // topic -> time.Time
}

var _ Queue = (*RedisStreams)(nil)

// NewRedisStreams creates a queue over an already connected client.
func NewRedisStreams(client redis.UniversalClient, cfg config.Queue, logger *zap.Logger) *RedisStreams {
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second // zero would block forever
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &RedisStreams{
		client:       client,
		logger:       logger.Named("queue"),
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		block:        block,
		claimIdle:    cfg.ClaimIdle,
		pollInterval: poll,
		now:          time.Now,
	}
}

// Publish appends msg to the topic stream.
func (q *RedisStreams) Publish(ctx context.Context, topic string, msg *models.QueueMessage) error {
	cp := *msg
	cp.Attempt = 0
	return q.add(ctx, topic, &cp)
}

func (q *RedisStreams) add(ctx context.Context, topic string, msg *models.QueueMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldID:      msg.ID,
			fieldTradeID: msg.SourceTradeID,
			fieldBody:    string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", msg.SourceTradeID, topic, err)
	}
	return nil
}

func (q *RedisStreams) ensureGroup(ctx context.Context, topic string) error {
	if _, ok := q.groups.Load(topic); ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, topic, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", q.group, topic, err)
	}
	q.groups.Store(topic, struct{}{})
	return nil
}

// Receive returns the next entry for this consumer: first any entry another
// consumer left unacknowledged past ClaimIdle, then new entries.
func (q *RedisStreams) Receive(ctx context.Context, topic string) (Delivery, error) {
	if err := q.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d := q.claim(ctx, topic); d != nil {
			return d, nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{topic, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read from %s: %w", topic, err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				d, err := q.delivery(ctx, topic, entry, 1)
				if err != nil {
					q.logger.Error("Dropping undecodable entry", zap.String("topic", topic), zap.String("entry", entry.ID), zap.Error(err))
					_ = q.client.XAck(ctx, topic, q.group, entry.ID).Err()
					continue
				}
				return d, nil
			}
		}
	}
}

// claim takes over one entry idle past ClaimIdle. Failures are logged and
// skipped so a claim problem never stops fresh reads.
func (q *RedisStreams) claim(ctx context.Context, topic string) Delivery {
	if q.claimIdle <= 0 {
		return nil
	}
	now := q.now()
	if last, ok := q.lastClaim.Load(topic); ok && now.Sub(last.(time.Time)) < q.claimIdle/4 {
		return nil
	}
	q.lastClaim.Store(topic, now)

	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.Warn("Claiming idle entries failed", zap.String("topic", topic), zap.Error(err))
		}
		return nil
	}

	for _, entry := range entries {
		if len(entry.Values) == 0 {
			_ = q.client.XAck(ctx, topic, q.group, entry.ID).Err()
			continue
		}
		deliveries := q.deliveryCount(ctx, topic, entry.ID)
		d, err := q.delivery(ctx, topic, entry, deliveries)
		if err != nil {
			q.logger.Error("Dropping undecodable entry", zap.String("topic", topic), zap.String("entry", entry.ID), zap.Error(err))
			_ = q.client.XAck(ctx, topic, q.group, entry.ID).Err()
			continue
		}
		q.logger.Info("Claimed unacknowledged entry",
			zap.String("topic", topic),
			zap.String("source_trade_id", d.Message().SourceTradeID),
			zap.Int64("deliveries", deliveries),
		)
		return d
	}
	return nil
}

func (q *RedisStreams) deliveryCount(ctx context.Context, topic, id string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return pending[0].RetryCount
}

func (q *RedisStreams) delivery(_ context.Context, topic string, entry redis.XMessage, deliveries int64) (*redisDelivery, error) {
	body, ok := entry.Values[fieldBody].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s has no body", entry.ID)
	}
	msg, err := decode([]byte(body))
	if err != nil {
		return nil, err
	}
	msg.Attempt += int(deliveries)
	return &redisDelivery{q: q, topic: topic, entryID: entry.ID, msg: msg}, nil
}

// Run moves due delayed redeliveries back onto their streams until ctx is done.
func (q *RedisStreams) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.groups.Range(func(key, _ interface{}) bool {
				if err := q.MoveDue(ctx, key.(string)); err != nil && ctx.Err() == nil {
					q.logger.Warn("Moving delayed entries failed", zap.String("topic", key.(string)), zap.Error(err))
				}
				return true
			})
		}
	}
}

// MoveDue republishes delayed entries of topic whose time has come.
// The member is removed before it is re-added so concurrent movers publish it once.
func (q *RedisStreams) MoveDue(ctx context.Context, topic string) error {
	key := topic + delayedSuffix
	members, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: moveBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed entries of %s: %w", topic, err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return fmt.Errorf("failed to take delayed entry of %s: %w", topic, err)
		}
		if removed == 0 {
			continue
		}
		msg, err := decode([]byte(member))
		if err != nil {
			q.logger.Error("Dropping undecodable delayed entry", zap.String("topic", topic), zap.Error(err))
			continue
		}
		if err := q.add(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisStreams) Close() error { return nil }

type redisDelivery struct {
	q       *RedisStreams
	topic   string
	entryID string
	msg     *models.QueueMessage
}

func (d *redisDelivery) Message() *models.QueueMessage { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.q.client.XAck(ctx, d.topic, d.q.group, d.entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.entryID, err)
	}
	return nil
}

// Nack parks the message in the delayed set, then acks the current entry.
// A crash in between leaves both, which only costs a duplicate delivery.
func (d *redisDelivery) Nack(ctx context.Context, delay time.Duration) error {
	data, err := encode(d.msg)
	if err != nil {
		return err
	}
	due := d.q.now().Add(delay).UnixMilli()
	if err := d.q.client.ZAdd(ctx, d.topic+delayedSuffix, redis.Z{Score: float64(due), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("failed to delay %s: %w", d.msg.SourceTradeID, err)
	}
	d.q.groups.LoadOrStore(d.topic, struct{}{})
	return d.Ack(ctx)
}
