package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/protocol"
	storageredis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
	"github.com/lamyinia/TellYou-sub000/service/rpc"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Routes 是共享路由表的批量查询面（生产实现：service/storage/redis.RouteStore）。
type Routes interface {
	BatchListRoutes(ctx context.Context, userIDs []int64) (map[int64]map[string]storageredis.Route, error)
}

// Deliverer 把投递请求点对点发给持有 socket 的 Connector 节点。
type Deliverer interface {
	Deliver(ctx context.Context, gatewayID string, req *rpc.DeliverRequest) (*rpc.DeliverReply, error)
}

// Dispatcher 消费 message-persisted 事件并把消息推给在线设备。
// 推送尽力而为：离线成员静默跳过，由 Pull Service 补偿；RPC 失败只记录。
type Dispatcher struct {
	sess      session.Gateway
	routes    Routes
	deliverer Deliverer
	timeout   time.Duration
}

func NewDispatcher(sess session.Gateway, routes Routes, deliverer Deliverer) *Dispatcher {
	return &Dispatcher{sess: sess, routes: routes, deliverer: deliverer, timeout: 10 * time.Second}
}

// HandleEvent 适配 kafka 路由表的 Handler 签名。
func (d *Dispatcher) HandleEvent(topic string, _, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return d.Dispatch(ctx, value)
}

func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var evt model.MessagePersistedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return errs.New("decode event: %v", err)
	}
	if evt.Event != model.EventMessagePersisted {
		logger.Warnf("[dispatcher] unexpected event type %q, skipped", evt.Event)
		return nil
	}

	members, err := d.sess.ListActiveMembers(ctx, evt.SessionID)
	if err != nil {
		return err
	}
	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if m.Active {
			userIDs = append(userIDs, m.UserID)
		}
	}
	if len(userIDs) == 0 {
		return nil
	}

	routes, err := d.routes.BatchListRoutes(ctx, userIDs)
	if err != nil {
		return err
	}

	env := protocol.BuildDeliver(evt.TraceID, protocol.Deliver{
		MsgID:        evt.MsgID,
		SessionID:    evt.SessionID,
		SenderID:     evt.SenderID,
		PartitionID:  evt.PartitionID,
		Seq:          evt.Seq,
		MsgType:      evt.MsgType,
		Appearance:   evt.Appearance,
		Content:      evt.Content,
		ServerTimeMs: evt.ServerTimeMs,
	})
	envBody, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// 每个 (gateway,user) 一次 RPC，带设备过滤；并发发出
	var wg sync.WaitGroup
	for _, uid := range userIDs {
		devRoutes, ok := routes[uid]
		if !ok || len(devRoutes) == 0 {
			continue // 全端离线：交给拉取链路，不在这里重试
		}
		byGateway := make(map[string][]string)
		for dev, r := range devRoutes {
			byGateway[r.GatewayID] = append(byGateway[r.GatewayID], dev)
		}
		for gw, devices := range byGateway {
			wg.Add(1)
			go func(uid int64, gw string, devices []string) {
				defer wg.Done()
				reply, err := d.deliverer.Deliver(ctx, gw, &rpc.DeliverRequest{
					UserID:       uid,
					DeviceFilter: devices,
					Envelope:     envBody,
					TraceID:      evt.TraceID,
				})
				if err != nil {
					logger.Error("[dispatcher] deliver failed",
						zap.Int64("user_id", uid), zap.String("gateway_id", gw),
						zap.Int64("msg_id", evt.MsgID), zap.String("trace_id", evt.TraceID),
						zap.Error(err))
					return
				}
				logger.Debug("[dispatcher] delivered",
					zap.Int64("user_id", uid), zap.String("gateway_id", gw),
					zap.Int64("msg_id", evt.MsgID),
					zap.Int32("delivered", reply.Delivered),
					zap.Int32("offline", reply.Offline),
					zap.Int32("not_writable", reply.NotWritable),
					zap.Int32("errored", reply.Errored))
			}(uid, gw, devices)
		}
	}
	wg.Wait()
	return nil
}
