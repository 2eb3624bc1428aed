package session

import (
	"context"
	"sort"
	"sync"
)

// MemGateway 内存实现，测试与单机联调用。
type MemGateway struct {
	mu      sync.RWMutex
	perms   map[int64]Permission // sessionID -> 统一权限结果
	members map[int64][]Member
}

func NewMemGateway() *MemGateway {
	return &MemGateway{
		perms:   make(map[int64]Permission),
		members: make(map[int64][]Member),
	}
}

func (g *MemGateway) SetPermission(sessionID int64, p Permission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perms[sessionID] = p
}

func (g *MemGateway) SetMembers(sessionID int64, members []Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[sessionID] = append([]Member(nil), members...)
}

func (g *MemGateway) CheckSendPermission(_ context.Context, sessionID, senderID int64, _ int32) (Permission, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.perms[sessionID]; ok {
		return p, nil
	}
	// 未配置的会话：要求发送者在成员表里
	for _, m := range g.members[sessionID] {
		if m.UserID == senderID && m.Active {
			return Permission{Allowed: true, Flags: FlagWriteFanout}, nil
		}
	}
	return Permission{Reason: "not a member"}, nil
}

func (g *MemGateway) ListActiveMembers(_ context.Context, sessionID int64) ([]Member, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Member
	for _, m := range g.members[sessionID] {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
