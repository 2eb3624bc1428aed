package fanout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/outbox"
	"github.com/lamyinia/TellYou-sub000/module/message/store"
	"github.com/lamyinia/TellYou-sub000/module/session"
)

type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetry      int32
	BackoffCapSec int64
	VisTimeout    time.Duration
}

func (c *Config) norm() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
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

// Worker 消费 fanout_task：展开活跃成员并幂等写扩散索引行。
// 大会话在持久化时只落任务，扩散延后到这里执行。
type Worker struct {
	db   store.DB
	sess session.Gateway
	cfg  Config
	now  func() time.Time
}

func NewWorker(db store.DB, sess session.Gateway, cfg Config) *Worker {
	cfg.norm()
	return &Worker{db: db, sess: sess, cfg: cfg, now: time.Now}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	logger.Infof("[fanout] worker started, interval=%s", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[fanout] worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) {
	nowMs := w.now().UnixMilli()
	tasks, err := w.db.ClaimFanoutTasks(ctx, nowMs, w.cfg.VisTimeout.Milliseconds(), w.cfg.BatchSize)
	if err != nil {
		logger.Error("[fanout] claim failed", zap.Error(err))
		return
	}
	for i := range tasks {
		w.runTask(ctx, &tasks[i])
	}
}

func (w *Worker) runTask(ctx context.Context, task *model.FanoutTaskModel) {
	err := w.expand(ctx, task)
	nowMs := w.now().UnixMilli()
	if err == nil {
		if e := w.db.MarkFanoutDone(ctx, task.TaskID, nowMs); e != nil {
			logger.Error("[fanout] mark done failed", zap.Int64("task_id", task.TaskID), zap.Error(e))
		}
		return
	}

	rc := task.RetryCount + 1
	if rc >= w.cfg.MaxRetry {
		logger.Error("[fanout] task permanently failed",
			zap.Int64("task_id", task.TaskID), zap.Int64("msg_id", task.MsgID),
			zap.Int32("retry_count", rc), zap.Error(err))
		_ = w.db.MarkFanoutFailed(ctx, task.TaskID, rc, nowMs)
		return
	}
	next := nowMs + outbox.Backoff(rc, w.cfg.BackoffCapSec).Milliseconds()
	logger.Warn("[fanout] task failed, rescheduled",
		zap.Int64("task_id", task.TaskID), zap.Int32("retry_count", rc), zap.Error(err))
	_ = w.db.RescheduleFanout(ctx, task.TaskID, rc, next, nowMs)
}

// expand 写扩散：重复执行安全（Upsert 以 (user,msg) 幂等）。
func (w *Worker) expand(ctx context.Context, task *model.FanoutTaskModel) error {
	msg, err := w.db.FindMessage(ctx, task.MsgID)
	if err != nil {
		return err
	}
	if msg == nil {
		// 消息被保留策略清理，任务已无意义
		logger.Warnf("[fanout] msg %d gone, task %d dropped", task.MsgID, task.TaskID)
		return nil
	}
	members, err := w.sess.ListActiveMembers(ctx, task.SessionID)
	if err != nil {
		return err
	}
	rows := store.BuildIndexRows(members, msg)
	return w.db.UpsertUserIndexRows(ctx, rows)
}
