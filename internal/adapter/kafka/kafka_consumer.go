package kafka

import (
	"context"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/aq2208/gorder-payments/internal/logging"
)

// HandlerFunc processes one raw message value.
type HandlerFunc func(ctx context.Context, value []byte) error

// Consumer consumes a topic with a single handler.
type Consumer struct {
	Group  sarama.ConsumerGroup
	Topics []string
	Handle HandlerFunc
	Logger *slog.Logger
}

func NewConsumer(group sarama.ConsumerGroup, topics []string, h HandlerFunc) *Consumer {
	return &Consumer{
		Group:  group,
		Topics: topics,
		Handle: h,
		Logger: logging.New("kafka"),
	}
}

// Start blocks until ctx is cancelled or the group fails.
func (c *Consumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.Group.Errors() {
			c.Logger.Warn("consumer group error", "err", err)
		}
	}()

	handler := &cgHandler{handle: c.Handle, logger: c.Logger}
	for {
		if err := c.Group.Consume(ctx, c.Topics, handler); err != nil {
			return err
		}
		// When Consume returns, it’s because ctx was cancelled or a rebalance happened.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type cgHandler struct {
	handle HandlerFunc
	logger *slog.Logger
}

func (h *cgHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *cgHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *cgHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		l := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		if err := h.handle(logging.WithCtx(sess.Context(), l), msg.Value); err != nil {
			l.Warn("handler error; message left unmarked for redelivery", "key", string(msg.Key), "err", err)
			// stop this claim so the uncommitted offset is re-read after rebalance
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
