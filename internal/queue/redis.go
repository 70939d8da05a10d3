package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queuewatch/internal/config"
)

const (
	redisBodyField    = "body"
	redisStreamPrefix = "queuewatch:"
)

// RedisTransport maps each queue onto a Redis stream read through one
// consumer group. Messages that stay pending longer than the queue's
// visibility timeout are reclaimed with XAUTOCLAIM, which gives streams the
// same redelivery behaviour as an SQS visibility timeout.
type RedisTransport struct {
	client   *redis.Client
	group    string
	consumer string
}

var (
	_ Transport = (*RedisTransport)(nil)
	_ Sender    = (*RedisTransport)(nil)
)

func NewRedisTransport(client *redis.Client, group string) *RedisTransport {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &RedisTransport{client: client, group: group, consumer: host + "-" + uuid.NewString()[:8]}
}

// StreamKey is the Redis key backing a queue.
func StreamKey(queueName string) string { return redisStreamPrefix + queueName }

func (t *RedisTransport) Open(ctx context.Context, opts config.QueueOptions) (Receiver, error) {
	stream := StreamKey(opts.Name)
	err := t.client.XGroupCreateMkStream(ctx, stream, t.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = 30 * time.Second
	}
	block := opts.WaitTime
	if block <= 0 {
		block = -1 // go-redis omits BLOCK for negative values
	}
	return &redisReceiver{
		client:     t.client,
		stream:     stream,
		group:      t.group,
		consumer:   t.consumer,
		visibility: vis,
		block:      block,
		logger:     log.With().Str("stream", stream).Logger(),
	}, nil
}

func (t *RedisTransport) Send(ctx context.Context, queueName string, body []byte) (string, error) {
	return t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(queueName),
		Values: map[string]interface{}{redisBodyField: string(body)},
	}).Result()
}

type redisReceiver struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	block      time.Duration
	logger     zerolog.Logger
	warnOnce   sync.Once
}

func (r *redisReceiver) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  r.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", r.stream, err)
	}
	msgs := make([]Message, 0, max)
	for _, m := range claimed {
		msgs = append(msgs, fromStream(m, 0))
	}
	if len(msgs) >= max {
		return msgs, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    int64(max - len(msgs)),
		Block:    r.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return msgs, nil
		}
		if len(msgs) > 0 {
			// claimed messages are now pending on this consumer; hand them out
			r.logger.Warn().Err(err).Int("claimed", len(msgs)).Msg("xreadgroup failed; delivering reclaimed messages only")
			return msgs, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", r.stream, err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, fromStream(m, 1))
		}
	}
	return msgs, nil
}

// ChangeVisibility restarts the message's idle clock by claiming it again for
// this consumer. Streams keep no per-message deadline, so the message becomes
// reclaimable once it has been idle for the queue's visibility timeout. d
// cannot lengthen that window.
func (r *redisReceiver) ChangeVisibility(ctx context.Context, m Message, d time.Duration) error {
	if d > r.visibility {
		r.warnOnce.Do(func() {
			r.logger.Warn().Dur("requested", d).Dur("visibility_timeout", r.visibility).
				Msg("redis streams cannot extend visibility past the queue's visibility timeout")
		})
	}
	ids, err := r.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: []string{m.ReceiptHandle},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim %s: %w", m.ReceiptHandle, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: message %s", ErrReceiptNotFound, m.ID)
	}
	return nil
}

func (r *redisReceiver) Delete(ctx context.Context, m Message) error {
	pipe := r.client.TxPipeline()
	ack := pipe.XAck(ctx, r.stream, r.group, m.ReceiptHandle)
	pipe.XDel(ctx, r.stream, m.ReceiptHandle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", m.ReceiptHandle, err)
	}
	if ack.Val() == 0 {
		return fmt.Errorf("%w: message %s", ErrReceiptNotFound, m.ID)
	}
	return nil
}

func (r *redisReceiver) Close() error { return nil }

func fromStream(m redis.XMessage, receiveCount int) Message {
	msg := Message{
		ID:            m.ID,
		ReceiptHandle: m.ID,
		Attributes:    map[string]string{},
		ReceiveCount:  receiveCount,
	}
	for k, v := range m.Values {
		s := fmt.Sprint(v)
		if k == redisBodyField {
			msg.Body = []byte(s)
			continue
		}
		msg.Attributes[k] = s
	}
	return msg
}
