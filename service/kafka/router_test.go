package kafka

import (
	"testing"

	"github.com/Shopify/sarama"
)

func TestHandlerRegistry(t *testing.T) {
	var got string
	RegisterHandler("topic-a", func(topic string, key, value []byte) error {
		got = topic + "|" + string(value)
		return nil
	})

	h, err := GetHandler("topic-a")
	if err != nil {
		t.Fatalf("GetHandler: %v", err)
	}
	if err := h("topic-a", nil, []byte("v")); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "topic-a|v" {
		t.Fatalf("handler not invoked correctly: %q", got)
	}

	if _, err := GetHandler("topic-unknown"); err == nil {
		t.Fatal("unknown topic must error")
	}
}

func TestBuildBaseConfigCompression(t *testing.T) {
	cfg := BuildBaseConfig(Config{Compression: "snappy", ProducerRetries: 5})
	if !cfg.Producer.Return.Successes {
		t.Fatal("sync producer requires Return.Successes")
	}
	if cfg.Producer.Retry.Max != 5 {
		t.Fatalf("retry max = %d", cfg.Producer.Retry.Max)
	}
	if cfg.Producer.Compression != sarama.CompressionSnappy {
		t.Fatalf("compression = %v", cfg.Producer.Compression)
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatalf("acks = %v", cfg.Producer.RequiredAcks)
	}
}
