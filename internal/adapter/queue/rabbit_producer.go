package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aq2208/gorder-payments/internal/usecase"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchange and queues the service uses.
type Topology struct {
	Exchange         string
	StatusRoutingKey string // prefix; the new status is appended, e.g. payment.status.confirmed
	ChargeRoutingKey string
	ChargeQueue      string
}

// DeclareTopology sets up the exchange and the charge-request queue. It is
// idempotent and runs once at startup on each channel owner.
func DeclareTopology(ch *amqp.Channel, t Topology) error {
	// 1. declare exchange (topic type, durable)
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// 2. declare the charge request queue
	q, err := ch.QueueDeclare(
		t.ChargeQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// 3. bind queue → exchange
	if err := ch.QueueBind(q.Name, t.ChargeRoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	return nil
}

// RabbitProducer implements usecase.EventPublisher.
type RabbitProducer struct {
	ch *amqp.Channel
	t  Topology
}

func NewRabbitProducer(ch *amqp.Channel, t Topology) (*RabbitProducer, error) {
	if err := DeclareTopology(ch, t); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	return &RabbitProducer{ch: ch, t: t}, nil
}

// StatusKey is the routing key a status change is published under.
func (t Topology) StatusKey(status string) string {
	return t.StatusRoutingKey + "." + strings.ToLower(status)
}

// PublishStatusChanged sends a status change event to the exchange.
func (p *RabbitProducer) PublishStatusChanged(ctx context.Context, msg usecase.PaymentStatusChangedMsg) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // survive broker restarts
		MessageId:    msg.OrderID + ":" + msg.Status,
		Timestamp:    msg.At,
		Body:         body,
	}

	if err := p.ch.PublishWithContext(
		ctx,
		p.t.Exchange,
		p.t.StatusKey(msg.Status),
		false, // mandatory
		false, // immediate
		pub,
	); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

var _ usecase.EventPublisher = (*RabbitProducer)(nil)
