package main

import (
	"context"

	"github.com/lamyinia/TellYou-sub000/global"
	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/service/gateway"
	redis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
	"github.com/lamyinia/TellYou-sub000/tools/safe"
)

// runGateway 拉起 Connector 节点：TCP/WS 接入 + 投递 RPC。
func runGateway(ctx context.Context, cfg *global.Config) error {
	if err := global.ConfigRedis(); err != nil {
		return err
	}

	manager := gateway.NewConnManager(cfg.Gateway.GatewayID)
	routes := redis.NewRouteStore(redis.Client())
	srv := gateway.NewServer(cfg.GatewayServerConfig(), manager, routes)

	errCh := make(chan error, 3)
	safe.Go("gateway.control", func() { errCh <- srv.ServeControl(ctx) })
	if cfg.Gateway.WSAddr != "" {
		safe.Go("gateway.ws", func() { errCh <- srv.ServeWS(ctx) })
	}
	safe.Go("gateway.tcp", func() { errCh <- srv.ServeTCP(ctx) })

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	manager.CloseAll()
	logger.Info("[gateway] node stopped")
	return nil
}
