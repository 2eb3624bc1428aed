package rpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lamyinia/TellYou-sub000/logger"
)

// Manager 维护到各 Connector 节点的客户端连接（按 gateway_id 即拨号地址缓存，懒建连）。
type Manager struct {
	mu          sync.RWMutex
	conns       map[string]*grpc.ClientConn
	callTimeout time.Duration
}

func NewManager() *Manager {
	return &Manager{
		conns:       make(map[string]*grpc.ClientConn),
		callTimeout: 5 * time.Second,
	}
}

func (m *Manager) conn(gatewayID string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	c := m.conns[gatewayID]
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conns[gatewayID]; c != nil {
		return c, nil
	}
	c, err := grpc.NewClient(gatewayID,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	m.conns[gatewayID] = c
	logger.Infof("[gwctrl] client for gateway %s created", gatewayID)
	return c, nil
}

// Deliver 向指定网关发一条投递请求。
func (m *Manager) Deliver(ctx context.Context, gatewayID string, req *DeliverRequest) (*DeliverReply, error) {
	c, err := m.conn(gatewayID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	reply := new(DeliverReply)
	if err := c.Invoke(callCtx, DeliverFullMethod, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		_ = c.Close()
		delete(m.conns, id)
	}
}
