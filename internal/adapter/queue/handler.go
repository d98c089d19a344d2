package queue

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes a single delivery. It should be idempotent.
// Return nil => ACK; ErrPoison => drop; other errors => NACK with the Router's requeue policy.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc lets a plain function serve as a Handler.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error { return f(ctx, d) }

// ErrPoison marks a delivery that can never succeed; it is dropped, not requeued.
var ErrPoison = errors.New("poison message")
