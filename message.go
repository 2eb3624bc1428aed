package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/global"
	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/middleware"
	"github.com/lamyinia/TellYou-sub000/module/delivery"
	"github.com/lamyinia/TellYou-sub000/module/message/fanout"
	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/outbox"
	"github.com/lamyinia/TellYou-sub000/module/message/pull"
	"github.com/lamyinia/TellYou-sub000/module/message/sendapi"
	"github.com/lamyinia/TellYou-sub000/module/message/seq"
	"github.com/lamyinia/TellYou-sub000/module/message/store"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/service/kafka"
	"github.com/lamyinia/TellYou-sub000/service/mgo"
	"github.com/lamyinia/TellYou-sub000/service/rpc"
	redis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
	"github.com/lamyinia/TellYou-sub000/tools/safe"
)

// runData 拉起数据节点：存储链路、出箱发布、异步扩散、分发消费与拉取接口。
func runData(ctx context.Context, cfg *global.Config) error {
	global.ConfigIds()
	if err := global.ConfigStorage(ctx); err != nil {
		return err
	}
	if err := store.EnsureIndexes(ctx, mgo.GetDB()); err != nil {
		return err
	}

	db := store.NewMongoDB(mgo.GetClient(), mgo.GetDB())
	sess := session.NewMongoGateway(mgo.GetDB(), 0)
	alloc := seq.NewAllocator(redis.Client(), db)
	st := store.New(db, alloc, sess)

	// 出箱发布
	if err := kafka.InitKafkaClient(cfg.Kafka); err != nil {
		return err
	}
	if err := kafka.InitSyncProducerFromClient(); err != nil {
		return err
	}
	pub := outbox.NewPublisher(db, kafka.NewSyncProducer(kafka.Producer), cfg.OutboxConfig())
	safe.Go("outbox.publisher", func() { pub.Run(ctx) })

	// 大会话异步扩散
	fw := fanout.NewWorker(db, sess, cfg.FanoutConfig())
	safe.Go("fanout.worker", func() { fw.Run(ctx) })

	// 分发：消费 message-persisted，按路由推给各网关
	clients := rpc.NewManager()
	defer clients.Close()
	disp := delivery.NewDispatcher(sess, redis.NewRouteStore(redis.Client()), clients)
	kafka.RegisterHandler(model.TopicMessagePersisted, disp.HandleEvent)
	errCh := make(chan error, 2)
	safe.Go("kafka.consumer", func() {
		errCh <- kafka.StartConsumerGroup(ctx, cfg.Kafka, []string{model.TopicMessagePersisted})
	})

	// 发送 + 拉取 HTTP 面
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Cors())
	if cfg.Pull.RequireAuth {
		r.Use(middleware.Auth(global.GetJwtSecret()))
	}
	sendapi.NewHandler(st).Register(r)
	pull.NewHandler(pull.NewService(db, sess)).Register(r)
	httpSrv := &http.Server{Addr: cfg.Pull.Addr, Handler: r}
	safe.Go("pull.http", func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})
	logger.Info("[data] node started",
		zap.String("http", cfg.Pull.Addr),
		zap.Strings("brokers", cfg.Kafka.Brokers))

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	logger.Info("[data] node stopped")
	return runErr
}
