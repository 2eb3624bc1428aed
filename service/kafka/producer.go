package kafka

import (
	"github.com/Shopify/sarama"

	"github.com/lamyinia/TellYou-sub000/logger"
)

// SyncProducer 以 key 做分区路由同步发送；满足 outbox.BrokerProducer。
type SyncProducer struct {
	p sarama.SyncProducer
}

func NewSyncProducer(p sarama.SyncProducer) *SyncProducer {
	return &SyncProducer{p: p}
}

func (s *SyncProducer) Publish(topic, key string, body []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}
	partition, offset, err := s.p.SendMessage(msg)
	if err != nil {
		return err
	}
	logger.Debugf("[kafka] sent topic=%s key=%s partition=%d offset=%d", topic, key, partition, offset)
	return nil
}
