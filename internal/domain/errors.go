package domain

import "errors"

var (
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrRegistryWrite       = errors.New("registry write failed")
	ErrInvalidQueueName    = errors.New("queue name must be a non-empty string")
	ErrTransport           = errors.New("transport error")
	ErrConfirmation        = errors.New("subscription confirmation failed")
	ErrHandlerPanic        = errors.New("panic while processing message")
	ErrNotStarted          = errors.New("orchestrator not started")
)
