package amqp

import "errors"

// Client errors.
var (
	ErrNoAddress        = errors.New("no broker uri configured")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	ErrClosed           = errors.New("client closed")
)
