package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/aq2208/gorder-payments/configs"
)

// NewGroup joins the consumer group that reads relayed gateway notifications.
// Offsets start at the oldest message so nothing relayed before the first
// start is skipped.
func NewGroup(cfg configs.Kafka) (sarama.ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_6_0_0
	sc.ClientID = cfg.GroupID
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 5 * time.Second
	return sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
}
