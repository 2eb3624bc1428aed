package gateway

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/service/rpc"
)

// DeliverService 把分发层的投递 RPC 落到本节点的权威连接表上。
type DeliverService struct {
	manager *ConnManager
}

func NewDeliverService(manager *ConnManager) *DeliverService {
	return &DeliverService{manager: manager}
}

func (s *DeliverService) Deliver(_ context.Context, req *rpc.DeliverRequest) (*rpc.DeliverReply, error) {
	rep := s.manager.SendBodyToUser(req.UserID, req.DeviceFilter, req.Envelope)
	return &rpc.DeliverReply{
		Delivered:   rep.Delivered,
		Offline:     rep.Offline,
		NotWritable: rep.NotWritable,
		Errored:     rep.Errored,
	}, nil
}

// ServeControl 在 gateway_id 地址上暴露投递 RPC；gateway_id 即拨号地址。
func (s *Server) ServeControl(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.GatewayID)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	rpc.RegisterGatewayControlServer(gs, NewDeliverService(s.manager))
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	logger.Infof("[gateway] control rpc listening on %s", s.cfg.GatewayID)
	if err := gs.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
