package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lamyinia/TellYou-sub000/protocol"
)

// memRoutes 记录共享路由表调用，断言绑定/解绑语义用。
type memRoutes struct {
	mu        sync.Mutex
	binds     []string // userId|deviceId|connId
	unbinds   []string
	refreshes int
}

func (r *memRoutes) Bind(_ context.Context, userID int64, deviceID, _, connID string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binds = append(r.binds, itoa(userID)+"|"+deviceID+"|"+connID)
	return nil
}

func (r *memRoutes) Unbind(_ context.Context, userID int64, deviceID, _, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbinds = append(r.unbinds, itoa(userID)+"|"+deviceID+"|"+connID)
	return nil
}

func (r *memRoutes) Refresh(context.Context, int64, int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return nil
}

func (r *memRoutes) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

func (r *memRoutes) unbindCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unbinds)
}

func itoa(v int64) string {
	b := [20]byte{}
	i := len(b)
	for {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return string(b[i:])
}

func newTestServer() (*Server, *ConnManager, *memRoutes) {
	m := NewConnManager("gw-test")
	routes := &memRoutes{}
	srv := NewServer(Config{
		GatewayID:   "gw-test",
		AuthSecret:  string(testSecret),
		AuthTimeout: 2 * time.Second,
		IdleTimeout: 2 * time.Second,
		HeartbeatMs: 100,
	}, m, routes)
	return srv, m, routes
}

// 起一条经 net.Pipe 的连接，服务端按真实 TCP 路径处理。
func dialPipe(srv *Server) net.Conn {
	client, server := net.Pipe()
	go srv.serveWire(newTCPWire(server))
	return client
}

func writeEnv(t *testing.T, c net.Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnv(t *testing.T, c net.Conn) *protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := protocol.ReadFrame(c, 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func authEnv(t *testing.T, userID int64, deviceID string) *protocol.Envelope {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, deviceID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	payload, _ := json.Marshal(protocol.AuthRequest{Token: tok})
	return &protocol.Envelope{
		V: int(protocol.Version), TsMs: time.Now().UnixMilli(),
		Type: protocol.TypeAuthRequest, Payload: payload,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestServerAuthAndHeartbeat(t *testing.T) {
	srv, m, routes := newTestServer()
	client := dialPipe(srv)
	defer client.Close()

	writeEnv(t, client, authEnv(t, 42, "ios"))
	env := readEnv(t, client)
	if env.Type != protocol.TypeAuthOk {
		t.Fatalf("want auth_ok, got %s", env.Type)
	}
	p, err := protocol.DecodePayload(env)
	if err != nil {
		t.Fatalf("auth_ok payload: %v", err)
	}
	ok := p.(*protocol.AuthOk)
	if ok.UserID != 42 || ok.GatewayID != "gw-test" || ok.ConnID == "" {
		t.Fatalf("auth_ok mismatch: %+v", ok)
	}
	if m.ConnCount() != 1 {
		t.Fatalf("want 1 bound conn, got %d", m.ConnCount())
	}

	// 心跳：pong 回给客户端，路由 TTL 刷新
	writeEnv(t, client, &protocol.Envelope{
		V: int(protocol.Version), Type: protocol.TypePing,
		Payload: json.RawMessage(`{"ts_ms":7}`),
	})
	pong := readEnv(t, client)
	if pong.Type != protocol.TypePong {
		t.Fatalf("want pong, got %s", pong.Type)
	}
	pp, _ := protocol.DecodePayload(pong)
	if pp.(*protocol.Pong).TsMs != 7 {
		t.Fatalf("pong must echo ping ts: %+v", pp)
	}
	waitFor(t, "route refresh", func() bool { return routes.refreshCount() >= 1 })

	// 断开：本地解绑 + 共享路由表 compare-and-delete
	client.Close()
	waitFor(t, "cleanup", func() bool { return m.ConnCount() == 0 && routes.unbindCount() == 1 })
}

func TestServerRejectsNonAuthFirstFrame(t *testing.T) {
	srv, m, _ := newTestServer()
	client := dialPipe(srv)
	defer client.Close()

	writeEnv(t, client, &protocol.Envelope{V: int(protocol.Version), Type: protocol.TypePing})
	env := readEnv(t, client)
	if env.Type != protocol.TypeAuthFail {
		t.Fatalf("want auth_fail, got %s", env.Type)
	}
	if m.ConnCount() != 0 {
		t.Fatal("rejected conn must not be bound")
	}
}

func TestServerRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer()
	client := dialPipe(srv)
	defer client.Close()

	payload, _ := json.Marshal(protocol.AuthRequest{Token: "bogus"})
	writeEnv(t, client, &protocol.Envelope{
		V: int(protocol.Version), Type: protocol.TypeAuthRequest, Payload: payload,
	})
	env := readEnv(t, client)
	if env.Type != protocol.TypeAuthFail {
		t.Fatalf("want auth_fail, got %s", env.Type)
	}
}

func TestServerUnsupportedPayloadIsNonFatal(t *testing.T) {
	srv, m, _ := newTestServer()
	client := dialPipe(srv)
	defer client.Close()

	writeEnv(t, client, authEnv(t, 42, "ios"))
	if env := readEnv(t, client); env.Type != protocol.TypeAuthOk {
		t.Fatalf("auth: %s", env.Type)
	}

	// 已认证后再发 auth_request：回 error envelope，连接保持
	writeEnv(t, client, authEnv(t, 42, "ios"))
	env := readEnv(t, client)
	if env.Type != protocol.TypeError {
		t.Fatalf("want error envelope, got %s", env.Type)
	}
	if m.ConnCount() != 1 {
		t.Fatal("unsupported payload must not kill the connection")
	}
}

func TestServerReplacesDuplicateBind(t *testing.T) {
	srv, m, _ := newTestServer()

	first := dialPipe(srv)
	defer first.Close()
	writeEnv(t, first, authEnv(t, 42, "ios"))
	if env := readEnv(t, first); env.Type != protocol.TypeAuthOk {
		t.Fatalf("first auth: %s", env.Type)
	}

	second := dialPipe(srv)
	defer second.Close()
	writeEnv(t, second, authEnv(t, 42, "ios"))
	if env := readEnv(t, second); env.Type != protocol.TypeAuthOk {
		t.Fatalf("second auth: %s", env.Type)
	}

	// 旧 socket 被注册表关闭；新连接继续可用
	waitFor(t, "old socket closed", func() bool {
		_ = first.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		_, _, err := protocol.ReadFrame(first, 0)
		return err != nil && !isTimeout(err)
	})
	waitFor(t, "single live conn", func() bool { return m.ConnCount() == 1 })
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
