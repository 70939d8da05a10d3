// Package handlers holds the built-in message handlers the queuewatch binary
// can run. Each one plugs into the orchestrator through watch.Simple.
package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"queuewatch/internal/domain"
	"queuewatch/internal/worker"
)

// MessageHandler processes one message; a nil error deletes it.
type MessageHandler interface {
	Handle(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error
}

// Log writes every message to the logger and acknowledges it.
type Log struct {
	Logger zerolog.Logger
	// MaxBody truncates logged bodies; zero logs them whole.
	MaxBody int
}

func (h Log) Handle(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error {
	body := ev.Body()
	if h.MaxBody > 0 && len(body) > h.MaxBody {
		body = body[:h.MaxBody]
	}
	msg := ev.Message()
	h.Logger.Info().
		Str("queue", rec.QueueName).
		Str("watch_id", rec.ID).
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Bytes("body", body).
		Msg("message")
	return nil
}
