package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// Dispatcher 与 Connector 之间的点对点投递契约。
// 没有生成桩：ServiceDesc 手写，编解码走注册的 json codec。

const (
	gatewayControlService = "tellyou.gateway.GatewayControl"
	DeliverFullMethod     = "/tellyou.gateway.GatewayControl/Deliver"
)

// DeliverRequest carries one encoded envelope to every bound device of a user.
type DeliverRequest struct {
	UserID       int64           `json:"user_id"`
	DeviceFilter []string        `json:"device_filter,omitempty"` // empty = all devices
	Envelope     json.RawMessage `json:"envelope"`                // protocol.Envelope JSON
	TraceID      string          `json:"trace_id,omitempty"`
}

// DeliverReply reports per-device outcomes so callers can reason about
// push coverage; no corrective action is required (pull path covers misses).
type DeliverReply struct {
	Delivered   int32 `json:"delivered"`
	Offline     int32 `json:"offline"`
	NotWritable int32 `json:"not_writable"`
	Errored     int32 `json:"errored"`
}

type GatewayControlServer interface {
	Deliver(ctx context.Context, req *DeliverRequest) (*DeliverReply, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeliverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayControlServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeliverFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayControlServer).Deliver(ctx, req.(*DeliverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var GatewayControlServiceDesc = grpc.ServiceDesc{
	ServiceName: gatewayControlService,
	HandlerType: (*GatewayControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGatewayControlServer mounts the deliver service on a grpc server.
func RegisterGatewayControlServer(s grpc.ServiceRegistrar, srv GatewayControlServer) {
	s.RegisterService(&GatewayControlServiceDesc, srv)
}
