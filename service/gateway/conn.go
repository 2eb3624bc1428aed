package gateway

import (
	"sync"
	"time"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/protocol"
)

// 连接状态机：UNAUTHENTICATED -> AUTHENTICATED -> CLOSED
type connState int32

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// Conn 是一条客户端连接。socket 的所有权在 Connector 进程内：
// 写入只发生在本连接的 writer goroutine 上，保证单连接写序。
type Conn struct {
	ID       string // 连接级唯一ID（绑定/解绑都以它为键）
	UserID   int64
	DeviceID string

	w    wire
	send chan []byte // writer goroutine 独占消费

	mu        sync.Mutex
	state     connState
	closeOnce sync.Once
	closed    chan struct{}

	ConnectedAt time.Time
}

func newConn(id string, w wire, sendBuf int) *Conn {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Conn{
		ID:          id,
		w:           w,
		send:        make(chan []byte, sendBuf),
		closed:      make(chan struct{}),
		ConnectedAt: time.Now(),
	}
}

func (c *Conn) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setAuthenticated(userID int64, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateAuthenticated
	c.UserID = userID
	c.DeviceID = deviceID
}

// EnqueueEnvelope encodes and queues an envelope; returns false when the send
// buffer is full (backpressure) — callers skip rather than block.
func (c *Conn) EnqueueEnvelope(env *protocol.Envelope) (bool, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return false, err
	}
	return c.EnqueueBody(body), nil
}

// EnqueueBody queues an envelope JSON body, framing per transport.
func (c *Conn) EnqueueBody(envBody []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- c.w.Encode(envBody):
		return true
	default:
		return false // 背压：跳过不可写连接
	}
}

// writeLoop 独占 socket 写端；send 关闭或写失败即退出。
func (c *Conn) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.closed:
			return
		case b, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.w.WriteRaw(b, time.Now().Add(writeTimeout)); err != nil {
				logger.Debugf("[gateway] conn %s write failed: %v", c.ID, err)
				c.Close()
				return
			}
		}
	}
}

// Close 幂等关闭；实际解绑在 server 的 cleanup 路径完成。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(c.closed)
		_ = c.w.Close()
	})
}

// Done exposes the closed signal for the read loop.
func (c *Conn) Done() <-chan struct{} { return c.closed }
