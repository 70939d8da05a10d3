package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// scriptedHook answers stream commands without a server.
type scriptedHook struct {
	claimed []redis.XMessage
	readErr error
	xclaim  []string
}

func (h *scriptedHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptedHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch c := cmd.(type) {
		case *redis.XAutoClaimCmd:
			c.SetVal(h.claimed, "0-0")
			return nil
		case *redis.XStreamSliceCmd:
			c.SetErr(h.readErr)
			return h.readErr
		case *redis.StringSliceCmd:
			c.SetVal(h.xclaim)
			return nil
		}
		return next(ctx, cmd)
	}
}

func (h *scriptedHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func newScriptedReceiver(h *scriptedHook, logs *bytes.Buffer) *redisReceiver {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(h)
	return &redisReceiver{
		client:     client,
		stream:     StreamKey("orders"),
		group:      "queuewatch",
		consumer:   "test",
		visibility: time.Second,
		block:      -1,
		logger:     zerolog.New(logs),
	}
}

func TestRedisReceiveKeepsReclaimedOnReadError(t *testing.T) {
	var logs bytes.Buffer
	r := newScriptedReceiver(&scriptedHook{
		claimed: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"body": "a"}},
			{ID: "2-0", Values: map[string]interface{}{"body": "b"}},
		},
		readErr: errors.New("connection reset"),
	}, &logs)
	defer r.client.Close()

	msgs, err := r.Receive(context.Background(), 5)
	if err != nil {
		t.Fatalf("reclaimed messages should be delivered without error, got %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "1-0" || msgs[1].ID != "2-0" {
		t.Fatalf("messages: %+v", msgs)
	}
	if !strings.Contains(logs.String(), "connection reset") {
		t.Fatalf("read failure should be logged: %s", logs.String())
	}
}

func TestRedisReceiveReportsReadErrorWhenNothingClaimed(t *testing.T) {
	var logs bytes.Buffer
	r := newScriptedReceiver(&scriptedHook{readErr: errors.New("connection reset")}, &logs)
	defer r.client.Close()

	msgs, err := r.Receive(context.Background(), 5)
	if err == nil || len(msgs) != 0 {
		t.Fatalf("expected a read error and no messages, got %v %+v", err, msgs)
	}
}

func TestRedisChangeVisibilityWarnsPastWindow(t *testing.T) {
	var logs bytes.Buffer
	r := newScriptedReceiver(&scriptedHook{xclaim: []string{"1-0"}}, &logs)
	defer r.client.Close()

	m := Message{ID: "1-0", ReceiptHandle: "1-0"}
	for i := 0; i < 2; i++ {
		if err := r.ChangeVisibility(context.Background(), m, 30*time.Second); err != nil {
			t.Fatalf("change visibility: %v", err)
		}
	}
	if n := strings.Count(logs.String(), "cannot extend visibility"); n != 1 {
		t.Fatalf("expected one warning, got %d: %s", n, logs.String())
	}
}

func TestFromStream(t *testing.T) {
	m := fromStream(redis.XMessage{ID: "1700000000000-0", Values: map[string]interface{}{
		"body":   `{"Type":"Notification"}`,
		"source": "billing",
	}}, 1)
	if m.ID != "1700000000000-0" || m.ReceiptHandle != m.ID {
		t.Fatalf("ids: %+v", m)
	}
	if string(m.Body) != `{"Type":"Notification"}` {
		t.Fatalf("body: %s", m.Body)
	}
	if m.Attributes["source"] != "billing" || len(m.Attributes) != 1 {
		t.Fatalf("attributes: %+v", m.Attributes)
	}
	if m.ReceiveCount != 1 {
		t.Fatalf("receive count: %d", m.ReceiveCount)
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("orders"); got != "queuewatch:orders" {
		t.Fatalf("stream key: %s", got)
	}
}
