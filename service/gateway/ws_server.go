package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 网关前置接入层做来源控制，这里放行
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS 在 ws_addr 上暴露 /ws，升级后复用 TCP 侧的连接状态机。
func (s *Server) ServeWS(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logger.Warn("[gateway] ws upgrade failed", zap.Error(err))
			return
		}
		safe.Go("gateway.wsconn", func() { s.serveWire(newWSWire(c)) })
	})

	srv := &http.Server{Addr: s.cfg.WSAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Infof("[gateway] ws listening on %s", s.cfg.WSAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
