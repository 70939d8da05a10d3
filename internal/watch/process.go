package watch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"queuewatch/internal/confirm"
	"queuewatch/internal/domain"
	"queuewatch/internal/worker"
)

type msgState int

const (
	stateReceived msgState = iota
	stateVisibilityExtended
	stateConfirmationCheck
	stateHandlerInvoked
	stateAcknowledged
	stateFinalized
)

func (s msgState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateVisibilityExtended:
		return "visibility_extended"
	case stateConfirmationCheck:
		return "confirmation_check"
	case stateHandlerInvoked:
		return "handler_invoked"
	case stateAcknowledged:
		return "acknowledged"
	case stateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// maxLoggedResponse bounds the confirmation response written to the log.
const maxLoggedResponse = 512

// process runs one message through the state machine. Next is called exactly
// once on every path, including panics.
func (o *Orchestrator) process(ctx context.Context, w *queueWatch, ev *worker.Event) {
	msg := ev.Message()
	logger := o.log.With().Str("queue", w.name).Str("message_id", msg.ID).Logger()
	state := stateReceived
	reported := false

	defer func() {
		ev.Next()
		logger.Debug().Str("state", stateFinalized.String()).Msg("message finalized")
	}()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		o.stats.panics.Add(1)
		err := fmt.Errorf("%w: %v", domain.ErrHandlerPanic, r)
		logger.Error().Err(err).Str("state", state.String()).Bytes("stack", debug.Stack()).Msg("error processing message")
		if !reported {
			reportPanic(ctx, logger, w.handler, err, ev)
		}
	}()

	o.stats.received.Add(1)
	logger.Info().Int("receive_count", msg.ReceiveCount).Msg("received message")

	if err := ev.ExtendVisibility(ctx, o.cfg.ProcessingVisibility); err != nil {
		o.stats.extendErrors.Add(1)
		logger.Error().Err(err).Msg("extending message visibility failed")
		reported = true
		w.handler(ctx, err, nil, ev, func(error) {})
		return
	}
	state = stateVisibilityExtended

	rec := w.record.Load()
	state = stateConfirmationCheck
	if o.confirmer != nil && confirm.IsAutoConfirmQueue(rec, o.cfg.AutoConfirm) && confirm.IsConfirmationMessage(msg.Body) {
		o.confirmAsync(w, logger, msg.Body)
	}

	state = stateHandlerInvoked
	result := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		first := false
		once.Do(func() {
			first = true
			result <- err
		})
		if !first {
			logger.Warn().AnErr("ignored", err).Msg("handler completed the message more than once")
		}
	}
	w.handler(ctx, nil, rec, ev, done)

	var herr error
	select {
	case herr = <-result:
	case <-ctx.Done():
		// a completion that already arrived wins over the stop
		select {
		case herr = <-result:
		default:
			logger.Warn().Msg("watch stopped before the handler completed; message left for redelivery")
			return
		}
	}
	if herr != nil {
		o.stats.failed.Add(1)
		logger.Warn().Err(herr).Msg("handler failed; message left for redelivery")
		return
	}
	o.stats.succeeded.Add(1)

	state = stateAcknowledged
	// delete even if the watch is stopping
	if err := ev.Delete(context.WithoutCancel(ctx)); err != nil {
		o.stats.deleteErrors.Add(1)
		logger.Error().Err(err).Msg("error deleting message")
		return
	}
	o.stats.deleted.Add(1)
	logger.Info().Msg("deleted message")
}

func reportPanic(ctx context.Context, logger zerolog.Logger, h Handler, err error, ev *worker.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("handler panicked while receiving a processing error")
		}
	}()
	h(ctx, err, nil, ev, func(error) {})
}

// confirmAsync confirms a subscription handshake without holding up the
// handler. A handshake whose SubscribeURL is already being confirmed on the
// same queue is skipped.
func (o *Orchestrator) confirmAsync(w *queueWatch, logger zerolog.Logger, body []byte) {
	n, err := confirm.Parse(body)
	if err != nil {
		o.stats.confirmErrors.Add(1)
		logger.Error().Err(err).Msg("subscription confirmation failed")
		return
	}
	key := strings.TrimSpace(n.SubscribeURL)
	logger = logger.With().Str("topic_arn", n.TopicArn).Logger()
	if _, busy := w.pendingConfirms.LoadOrStore(key, struct{}{}); busy {
		logger.Info().Msg("subscription confirmation already in progress; skipped")
		return
	}
	o.confirmWG.Add(1)
	go func() {
		defer o.confirmWG.Done()
		defer w.pendingConfirms.Delete(key)
		defer func() {
			if r := recover(); r != nil {
				o.stats.confirmErrors.Add(1)
				logger.Error().Interface("panic", r).Msg("subscription confirmation panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConfirmTimeout)
		defer cancel()
		logger.Info().Msg("confirming subscription")
		out, err := o.confirmer.Confirm(ctx, body)
		if err != nil {
			o.stats.confirmErrors.Add(1)
			logger.Error().Err(err).Msg("subscription confirmation failed")
			return
		}
		o.stats.confirmations.Add(1)
		if len(out) > maxLoggedResponse {
			out = out[:maxLoggedResponse]
		}
		logger.Info().Str("response", string(out)).Msg("subscription confirmed")
	}()
}
