package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lamyinia/TellYou-sub000/protocol"
)

// wire 抽掉传输差异：TCP 走 8 字节头二进制分帧，WS 借 websocket 消息边界。
// 两种传输承载同一套 envelope。
type wire interface {
	// ReadEnvelope blocks up to the deadline; framing violations are fatal.
	ReadEnvelope(maxBody uint32, deadline time.Time) (*protocol.Envelope, error)
	// Encode renders an envelope JSON body into transport-level bytes.
	Encode(envBody []byte) []byte
	// WriteRaw writes pre-encoded transport bytes.
	WriteRaw(b []byte, deadline time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// ---- TCP ----

type tcpWire struct {
	c net.Conn
	r *bufio.Reader
}

func newTCPWire(c net.Conn) *tcpWire {
	return &tcpWire{c: c, r: bufio.NewReaderSize(c, 4096)}
}

func (w *tcpWire) ReadEnvelope(maxBody uint32, deadline time.Time) (*protocol.Envelope, error) {
	if err := w.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, body, err := protocol.ReadFrame(w.r, maxBody)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(body)
}

func (w *tcpWire) Encode(envBody []byte) []byte {
	return protocol.EncodeFrame(0, envBody)
}

func (w *tcpWire) WriteRaw(b []byte, deadline time.Time) error {
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := w.c.Write(b)
	return err
}

func (w *tcpWire) Close() error        { return w.c.Close() }
func (w *tcpWire) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

// ---- WebSocket ----

type wsWire struct {
	c *websocket.Conn
}

func newWSWire(c *websocket.Conn) *wsWire { return &wsWire{c: c} }

func (w *wsWire) ReadEnvelope(maxBody uint32, deadline time.Time) (*protocol.Envelope, error) {
	if maxBody == 0 {
		maxBody = protocol.DefaultMaxBody
	}
	w.c.SetReadLimit(int64(maxBody))
	if err := w.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, body, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(body)
}

func (w *wsWire) Encode(envBody []byte) []byte { return envBody }

func (w *wsWire) WriteRaw(b []byte, deadline time.Time) error {
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsWire) Close() error         { return w.c.Close() }
func (w *wsWire) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

// encodeEnvelope 序列化 envelope 供 wire.Encode 使用。
func encodeEnvelope(env *protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
