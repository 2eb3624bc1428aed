package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/store"
)

// BrokerProducer 发布一条事件到 broker；生产实现见 service/kafka。
type BrokerProducer interface {
	Publish(topic, key string, body []byte) error
}

type Config struct {
	Interval      time.Duration // 轮询周期
	BatchSize     int           // 单轮最多抢占行数
	Workers       int           // 并发发布上限
	MaxRetry      int32         // 重试预算，超过即 FAILED 终态
	BackoffCapSec int64         // 指数退避上限（秒）
	VisTimeout    time.Duration // 抢占可见性超时：PROCESSING 超时可被重抢
}

func (c *Config) norm() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 6
	}
	if c.BackoffCapSec <= 0 {
		c.BackoffCapSec = 60
	}
	if c.VisTimeout <= 0 {
		c.VisTimeout = 2 * time.Minute
	}
}

// Publisher 轮询 outbox 行，抢占后并发发布到 broker。
// 抢占是 crash-safe 的：进程抢到后崩溃，行会在可见性超时后被其他进程重抢。
type Publisher struct {
	db       store.DB
	producer BrokerProducer
	cfg      Config
	now      func() time.Time
}

func NewPublisher(db store.DB, producer BrokerProducer, cfg Config) *Publisher {
	cfg.norm()
	return &Publisher{db: db, producer: producer, cfg: cfg, now: time.Now}
}

// Run blocks until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	logger.Infof("[outbox] publisher started, interval=%s batch=%d", p.cfg.Interval, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[outbox] publisher stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮：抢占至多 BatchSize 行并并发发布。
func (p *Publisher) RunOnce(ctx context.Context) {
	nowMs := p.now().UnixMilli()
	rows, err := p.db.ClaimOutbox(ctx, nowMs, p.cfg.VisTimeout.Milliseconds(), p.cfg.BatchSize)
	if err != nil {
		logger.Error("[outbox] claim failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range rows {
		row := rows[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishOne(ctx, &row)
		}()
	}
	wg.Wait()
}

func (p *Publisher) publishOne(ctx context.Context, row *model.OutboxModel) {
	err := p.producer.Publish(row.Topic, row.PartitionKey, row.Body)
	nowMs := p.now().UnixMilli()
	if err == nil {
		if err := p.db.MarkOutboxSent(ctx, row.EventID, nowMs); err != nil {
			// 标记失败只会导致可见性超时后重发；broker 侧是 at-least-once
			logger.Error("[outbox] mark sent failed", zap.Int64("event_id", row.EventID), zap.Error(err))
		}
		return
	}

	rc := row.RetryCount + 1
	if rc >= p.cfg.MaxRetry {
		logger.Error("[outbox] event permanently failed",
			zap.Int64("event_id", row.EventID), zap.String("topic", row.Topic),
			zap.Int32("retry_count", rc), zap.Error(err))
		if e := p.db.MarkOutboxFailed(ctx, row.EventID, rc, nowMs); e != nil {
			logger.Error("[outbox] mark failed failed", zap.Int64("event_id", row.EventID), zap.Error(e))
		}
		return
	}
	next := nowMs + Backoff(rc, p.cfg.BackoffCapSec).Milliseconds()
	logger.Warn("[outbox] publish failed, rescheduled",
		zap.Int64("event_id", row.EventID), zap.Int32("retry_count", rc),
		zap.Int64("next_retry_at_ms", next), zap.Error(err))
	if e := p.db.RescheduleOutbox(ctx, row.EventID, rc, next, nowMs); e != nil {
		logger.Error("[outbox] reschedule failed", zap.Int64("event_id", row.EventID), zap.Error(e))
	}
}

// Backoff = min(capSec, 2^retryCount) 秒。
func Backoff(retryCount int32, capSec int64) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	sec := int64(1) << uint(retryCount)
	if sec > capSec {
		sec = capSec
	}
	return time.Duration(sec) * time.Second
}
