package delivery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/protocol"
	"github.com/lamyinia/TellYou-sub000/service/rpc"
	storageredis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

type memRoutes struct {
	routes map[int64]map[string]storageredis.Route
}

func (r *memRoutes) BatchListRoutes(_ context.Context, userIDs []int64) (map[int64]map[string]storageredis.Route, error) {
	out := make(map[int64]map[string]storageredis.Route)
	for _, uid := range userIDs {
		if devs, ok := r.routes[uid]; ok {
			out[uid] = devs
		}
	}
	return out, nil
}

type call struct {
	GatewayID string
	UserID    int64
	Devices   []string
	Envelope  json.RawMessage
}

type memDeliverer struct {
	mu    sync.Mutex
	calls []call
	fail  bool
}

func (d *memDeliverer) Deliver(_ context.Context, gatewayID string, req *rpc.DeliverRequest) (*rpc.DeliverReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errs.New("gateway unreachable")
	}
	devices := append([]string(nil), req.DeviceFilter...)
	sort.Strings(devices)
	d.calls = append(d.calls, call{
		GatewayID: gatewayID, UserID: req.UserID, Devices: devices, Envelope: req.Envelope,
	})
	return &rpc.DeliverReply{Delivered: int32(len(devices))}, nil
}

func (d *memDeliverer) snapshot() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]call(nil), d.calls...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].GatewayID < out[j].GatewayID
	})
	return out
}

func eventBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(model.MessagePersistedEvent{
		Event:     model.EventMessagePersisted,
		MsgID:     1001,
		SessionID: 7,
		SenderID:  1,
		Seq:       5,
		Content:   json.RawMessage(`{"text":"hi"}`),
		TraceID:   "trace-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDispatchGroupsByGateway(t *testing.T) {
	sess := session.NewMemGateway()
	sess.SetMembers(7, []session.Member{
		{UserID: 1, Active: true},
		{UserID: 2, Active: true},
		{UserID: 3, Active: true}, // 离线
	})
	routes := &memRoutes{routes: map[int64]map[string]storageredis.Route{
		1: {
			"ios":     {DeviceID: "ios", GatewayID: "gw-a", ConnID: "c1"},
			"android": {DeviceID: "android", GatewayID: "gw-a", ConnID: "c2"},
		},
		2: {
			"web": {DeviceID: "web", GatewayID: "gw-b", ConnID: "c3"},
		},
	}}
	deliverer := &memDeliverer{}
	d := NewDispatcher(sess, routes, deliverer)

	if err := d.HandleEvent(model.TopicMessagePersisted, nil, eventBytes(t)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	calls := deliverer.snapshot()
	if len(calls) != 2 {
		t.Fatalf("want 2 RPCs (one per user-gateway pair), got %d: %+v", len(calls), calls)
	}
	// user 1 的两个设备同网关：合并成一次带过滤的调用
	if calls[0].UserID != 1 || calls[0].GatewayID != "gw-a" ||
		len(calls[0].Devices) != 2 || calls[0].Devices[0] != "android" {
		t.Fatalf("user 1 call wrong: %+v", calls[0])
	}
	if calls[1].UserID != 2 || calls[1].GatewayID != "gw-b" || len(calls[1].Devices) != 1 {
		t.Fatalf("user 2 call wrong: %+v", calls[1])
	}

	// 投递的 envelope 是 deliver 类型且携带 trace id
	env, err := protocol.DecodeEnvelope(calls[0].Envelope)
	if err != nil {
		t.Fatalf("decode delivered envelope: %v", err)
	}
	if env.Type != protocol.TypeDeliver || env.TraceID != "trace-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	p, _ := protocol.DecodePayload(env)
	if dp := p.(*protocol.Deliver); dp.MsgID != 1001 || dp.Seq != 5 {
		t.Fatalf("deliver payload wrong: %+v", dp)
	}
}

func TestDispatchSkipsFullyOfflineSession(t *testing.T) {
	sess := session.NewMemGateway()
	sess.SetMembers(7, []session.Member{{UserID: 1, Active: true}})
	deliverer := &memDeliverer{}
	d := NewDispatcher(sess, &memRoutes{}, deliverer)

	if err := d.HandleEvent(model.TopicMessagePersisted, nil, eventBytes(t)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(deliverer.snapshot()) != 0 {
		t.Fatal("offline users must be skipped silently")
	}
}

// RPC 失败只记录，不让消费位点卡住。
func TestDispatchToleratesDeliverFailure(t *testing.T) {
	sess := session.NewMemGateway()
	sess.SetMembers(7, []session.Member{{UserID: 1, Active: true}})
	routes := &memRoutes{routes: map[int64]map[string]storageredis.Route{
		1: {"ios": {DeviceID: "ios", GatewayID: "gw-a", ConnID: "c1"}},
	}}
	d := NewDispatcher(sess, routes, &memDeliverer{fail: true})

	if err := d.HandleEvent(model.TopicMessagePersisted, nil, eventBytes(t)); err != nil {
		t.Fatalf("deliver failure must not fail the event: %v", err)
	}
}

func TestDispatchSkipsForeignEvent(t *testing.T) {
	deliverer := &memDeliverer{}
	d := NewDispatcher(session.NewMemGateway(), &memRoutes{}, deliverer)

	raw, _ := json.Marshal(map[string]string{"event": "session.created"})
	if err := d.HandleEvent(model.TopicMessagePersisted, nil, raw); err != nil {
		t.Fatalf("foreign event must be skipped, got %v", err)
	}
	if len(deliverer.snapshot()) != 0 {
		t.Fatal("foreign event must not trigger delivery")
	}
}

func TestDispatchRejectsGarbage(t *testing.T) {
	d := NewDispatcher(session.NewMemGateway(), &memRoutes{}, &memDeliverer{})
	if err := d.HandleEvent(model.TopicMessagePersisted, nil, []byte("not-json")); err == nil {
		t.Fatal("garbage event must surface a decode error")
	}
}
