package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

type Config struct {
	Brokers         []string `yaml:"brokers"`
	GroupID         string   `yaml:"group_id"`
	ProducerRetries int      `yaml:"producer_retries"`
	Compression     string   `yaml:"compression"`
	InitialOffset   string   `yaml:"initial_offset"`
}

var (
	KafkaClient sarama.Client
	Producer    sarama.SyncProducer
)

func BuildBaseConfig(cfg Config) *sarama.Config {
	c := sarama.NewConfig()
	c.Version = sarama.V2_1_0_0

	// Producer
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.ProducerRetries <= 0 {
		cfg.ProducerRetries = 1
	}
	c.Producer.Retry.Max = cfg.ProducerRetries
	c.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区：同会话同分区
	switch strings.ToLower(cfg.Compression) {
	case "snappy":
		c.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		c.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		c.Producer.Compression = sarama.CompressionZSTD
	default:
		c.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(cfg.InitialOffset) {
	case "oldest":
		c.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		c.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	c.Consumer.Return.Errors = true

	// Net
	c.Net.DialTimeout = 10 * time.Second
	c.Net.ReadTimeout = 30 * time.Second
	c.Net.WriteTimeout = 30 * time.Second
	return c
}

func InitKafkaClient(cfg Config) error {
	c, err := sarama.NewClient(cfg.Brokers, BuildBaseConfig(cfg))
	if err != nil {
		return err
	}
	KafkaClient = c
	return nil
}

func InitSyncProducerFromClient() error {
	p, err := sarama.NewSyncProducerFromClient(KafkaClient)
	if err != nil {
		return err
	}
	Producer = p
	return nil
}
