package gateway

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/protocol"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
	"github.com/lamyinia/TellYou-sub000/tools/safe"
)

// RouteBinder 是共享路由表的写入面（生产实现：service/storage/redis.RouteStore）。
type RouteBinder interface {
	Bind(ctx context.Context, userID int64, deviceID, gatewayID, connID string, ttlSec int64) error
	Unbind(ctx context.Context, userID int64, deviceID, gatewayID, connID string) error
	Refresh(ctx context.Context, userID int64, ttlSec int64) error
}

type Config struct {
	GatewayID    string        `yaml:"gateway_id"` // 同时是本节点 grpc 投递地址
	TCPAddr      string        `yaml:"tcp_addr"`
	WSAddr       string        `yaml:"ws_addr"`
	AuthSecret   string        `yaml:"auth_secret"`
	HeartbeatMs  int64         `yaml:"heartbeat_ms"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RouteTTLSec  int64         `yaml:"route_ttl_sec"`
	MaxBody      uint32        `yaml:"max_body"`
	SendBuf      int           `yaml:"send_buf"`
}

func (c *Config) norm() {
	if c.HeartbeatMs <= 0 {
		c.HeartbeatMs = 25_000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 75 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RouteTTLSec <= 0 {
		c.RouteTTLSec = 90
	}
	if c.MaxBody == 0 {
		c.MaxBody = protocol.DefaultMaxBody
	}
}

// Server 终结自定义分帧协议：认证、心跳、投递与双层注册表同步。
type Server struct {
	cfg     Config
	manager *ConnManager
	routes  RouteBinder
}

func NewServer(cfg Config, manager *ConnManager, routes RouteBinder) *Server {
	cfg.norm()
	return &Server{cfg: cfg, manager: manager, routes: routes}
}

func (s *Server) Manager() *ConnManager { return s.manager }

// ServeTCP 运行 accept 循环直到 ctx 取消。
func (s *Server) ServeTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return err
	}
	logger.Infof("[gateway] tcp listening on %s", s.cfg.TCPAddr)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("[gateway] accept failed", zap.Error(err))
			continue
		}
		safe.Go("gateway.conn", func() { s.serveWire(newTCPWire(c)) })
	}
}

// serveWire 驱动单连接状态机；TCP 与 WS 共用。
func (s *Server) serveWire(w wire) {
	conn := newConn(uuid.NewString(), w, s.cfg.SendBuf)

	// —— UNAUTHENTICATED：第一帧必须是 auth_request ——
	env, err := w.ReadEnvelope(s.cfg.MaxBody, time.Now().Add(s.cfg.AuthTimeout))
	if err != nil {
		logger.Debugf("[gateway] conn %s pre-auth read failed: %v", conn.ID, err)
		conn.Close()
		return
	}
	if env.Type != protocol.TypeAuthRequest {
		s.rejectAndClose(w, conn, errs.CodeUnauthorized, "auth required")
		return
	}
	payload, err := protocol.DecodePayload(env)
	if err != nil {
		s.rejectAndClose(w, conn, errs.CodeBadFrame, "bad auth payload")
		return
	}
	req := payload.(*protocol.AuthRequest)
	claims, err := parseToken([]byte(s.cfg.AuthSecret), req.Token)
	if err != nil {
		s.rejectAndClose(w, conn, errs.CodeUnauthorized, "invalid credential")
		return
	}
	if req.UserID != 0 && req.UserID != claims.UserID {
		s.rejectAndClose(w, conn, errs.CodeUnauthorized, "identity mismatch")
		return
	}
	deviceID := claims.DeviceID
	if req.DeviceID != "" {
		deviceID = req.DeviceID
	}

	// —— AUTHENTICATED：本地权威表先行，共享路由表随后（弱指针，允许失败）——
	conn.setAuthenticated(claims.UserID, deviceID)
	if replaced := s.manager.Bind(conn); replaced != nil {
		// 同 (user,device) 重连：旧 socket 由注册表关闭，路由以新绑定为准
		logger.Infof("[gateway] conn %s replaced by %s for user=%d device=%s",
			replaced.ID, conn.ID, claims.UserID, deviceID)
		replaced.Close()
	}
	bindCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.routes.Bind(bindCtx, claims.UserID, deviceID, s.cfg.GatewayID, conn.ID, s.cfg.RouteTTLSec); err != nil {
		logger.Warn("[gateway] route bind failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
	}
	cancel()

	safe.Go("gateway.write", func() { conn.writeLoop(s.cfg.WriteTimeout) })
	_, _ = conn.EnqueueEnvelope(protocol.BuildAuthOk(protocol.AuthOk{
		UserID:          claims.UserID,
		HeartbeatMs:     s.cfg.HeartbeatMs,
		ServerTimeMs:    time.Now().UnixMilli(),
		MaxIdleMs:       s.cfg.IdleTimeout.Milliseconds(),
		RouteTTLSeconds: s.cfg.RouteTTLSec,
		GatewayID:       s.cfg.GatewayID,
		ConnID:          conn.ID,
	}))

	s.readLoop(w, conn)
	s.cleanup(conn)
}

func (s *Server) readLoop(w wire, conn *Conn) {
	for {
		env, err := w.ReadEnvelope(s.cfg.MaxBody, time.Now().Add(s.cfg.IdleTimeout))
		if err != nil {
			// 分帧违例 / 空闲超时 / 对端断开：都只终结本连接
			logger.Debugf("[gateway] conn %s read loop ended: %v", conn.ID, err)
			return
		}
		switch env.Type {
		case protocol.TypePing:
			var ts int64
			if p, err := protocol.DecodePayload(env); err == nil {
				ts = p.(*protocol.Ping).TsMs
			}
			_, _ = conn.EnqueueEnvelope(protocol.BuildPong(ts))
			refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.routes.Refresh(refreshCtx, conn.UserID, s.cfg.RouteTTLSec); err != nil {
				logger.Debugf("[gateway] route refresh failed for user %d: %v", conn.UserID, err)
			}
			cancel()
		default:
			// 已认证连接上的其他载荷：回错误 envelope，不断连
			_, _ = conn.EnqueueEnvelope(protocol.BuildError(errs.CodeBadFrame,
				"unsupported payload "+env.Type))
		}
	}
}

// rejectAndClose 认证前的拒绝走同步写（writer 尚未启动）。
func (s *Server) rejectAndClose(w wire, conn *Conn, code int, reason string) {
	if body, err := encodeEnvelope(protocol.BuildAuthFail(code, reason)); err == nil {
		_ = w.WriteRaw(w.Encode(body), time.Now().Add(s.cfg.WriteTimeout))
	}
	conn.Close()
}

// cleanup 退出路径：先关 socket，再解除两级注册。
// 解绑以 conn_id 为键：若 (user,device) 已被新连接占据，新绑定不受影响。
func (s *Server) cleanup(conn *Conn) {
	conn.Close()
	if conn.UserID == 0 {
		return
	}
	s.manager.Remove(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.routes.Unbind(ctx, conn.UserID, conn.DeviceID, s.cfg.GatewayID, conn.ID); err != nil {
		logger.Debugf("[gateway] route unbind failed for conn %s: %v", conn.ID, err)
	}
	logger.Infof("[gateway] conn %s closed user=%d device=%s", conn.ID, conn.UserID, conn.DeviceID)
}
