package gateway

import (
	"sync"

	"github.com/lamyinia/TellYou-sub000/protocol"
)

// Report 是一次 SendToUser 的设备级结果统计。
type Report struct {
	Delivered   int32
	Offline     int32
	NotWritable int32
	Errored     int32
}

// ConnManager 是连接注册表。本地内存是“谁真的在线”的唯一权威；
// 共享路由表只是供其他节点发现的弱指针。
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Conn            // conn_id -> conn
	byUser map[int64]map[string]*Conn  // user_id -> device_id -> conn

	gatewayID string
}

func NewConnManager(gatewayID string) *ConnManager {
	return &ConnManager{
		byConn:    make(map[string]*Conn),
		byUser:    make(map[int64]map[string]*Conn),
		gatewayID: gatewayID,
	}
}

func (m *ConnManager) GatewayID() string { return m.gatewayID }

// Bind 在认证通过后登记 (user,device) -> conn。同对重复绑定为后者胜：
// 返回被替换的旧连接，调用方负责关闭它。
func (m *ConnManager) Bind(c *Conn) (replaced *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[c.ID] = c
	devs := m.byUser[c.UserID]
	if devs == nil {
		devs = make(map[string]*Conn)
		m.byUser[c.UserID] = devs
	}
	replaced = devs[c.DeviceID]
	devs[c.DeviceID] = c
	return replaced
}

// Remove 按具体连接解除登记。若该 (user,device) 已被更新的连接占据，
// 不动新连接（解绑以 conn 为键，不是逻辑身份）。
func (m *ConnManager) Remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byConn, c.ID)
	if devs := m.byUser[c.UserID]; devs != nil {
		if cur, ok := devs[c.DeviceID]; ok && cur.ID == c.ID {
			delete(devs, c.DeviceID)
			if len(devs) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
}

func (m *ConnManager) Get(connID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[connID]
}

// SendToUser 向用户所有（或过滤后的）已绑定设备投递一个 envelope。
// 不可写（发送队列满）的 socket 跳过不等待；结果在 Report 里逐类计数。
func (m *ConnManager) SendToUser(userID int64, deviceFilter []string, env *protocol.Envelope) Report {
	body, err := encodeEnvelope(env)
	if err != nil {
		return Report{Errored: 1}
	}
	return m.SendBodyToUser(userID, deviceFilter, body)
}

func (m *ConnManager) SendBodyToUser(userID int64, deviceFilter []string, envBody []byte) Report {
	var filter map[string]struct{}
	if len(deviceFilter) > 0 {
		filter = make(map[string]struct{}, len(deviceFilter))
		for _, d := range deviceFilter {
			filter[d] = struct{}{}
		}
	}

	m.mu.RLock()
	devs := m.byUser[userID]
	targets := make([]*Conn, 0, len(devs))
	seen := make(map[string]struct{}, len(devs))
	for dev, c := range devs {
		if filter != nil {
			if _, ok := filter[dev]; !ok {
				continue
			}
		}
		targets = append(targets, c)
		seen[dev] = struct{}{}
	}
	m.mu.RUnlock()

	var rep Report
	if filter != nil {
		// 过滤名单里本地没有绑定的设备按离线计
		for dev := range filter {
			if _, ok := seen[dev]; !ok {
				rep.Offline++
			}
		}
	} else if len(targets) == 0 {
		rep.Offline++
	}

	for _, c := range targets {
		if c.State() != stateAuthenticated {
			rep.Errored++
			continue
		}
		if c.EnqueueBody(envBody) {
			rep.Delivered++
		} else {
			rep.NotWritable++
		}
	}
	return rep
}

// ConnCount 当前连接数（统计/压测用）。
func (m *ConnManager) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// CloseAll 进程退出时关闭全部连接。
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.byConn = make(map[string]*Conn)
	m.byUser = make(map[int64]map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
