package kafka

import (
	"context"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
)

type consumerGroupHandler struct{}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		handler, err := GetHandler(msg.Topic)
		if err != nil {
			logger.Warnf("[kafka] no handler for topic %s", msg.Topic)
		} else if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
			// 投递尽力而为；持久性由存储+拉取链路兜底，处理失败不重放
			logger.Error("[kafka] handler error",
				zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartConsumerGroup 阻塞消费直到 ctx 取消。
func StartConsumerGroup(ctx context.Context, cfg Config, topics []string) error {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, BuildBaseConfig(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = group.Close() }()

	go func() {
		for err := range group.Errors() {
			logger.Error("[kafka] consumer group error", zap.Error(err))
		}
	}()

	handler := &consumerGroupHandler{}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			logger.Error("[kafka] consume error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
