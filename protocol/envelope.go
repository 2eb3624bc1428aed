package protocol

import (
	"encoding/json"
	"time"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Envelope is the structured frame body. Exactly one payload kind is carried
// per envelope, discriminated by Type (oneof style).
const (
	TypeAuthRequest = "auth_request"
	TypeAuthOk      = "auth_ok"
	TypeAuthFail    = "auth_fail"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeDeliver     = "deliver"
	TypeError       = "error"
)

var allowedTypes = map[string]struct{}{
	TypeAuthRequest: {},
	TypeAuthOk:      {},
	TypeAuthFail:    {},
	TypePing:        {},
	TypePong:        {},
	TypeDeliver:     {},
	TypeError:       {},
}

type Envelope struct {
	V        int             `json:"v"`
	StreamID string          `json:"stream_id,omitempty"`
	TsMs     int64           `json:"ts_ms"`
	TraceID  string          `json:"trace_id,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e *Envelope) Validate() error {
	if e.V != int(Version) {
		return errs.ErrBadFrame.WithDetailf("envelope version %d", e.V)
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return errs.ErrBadFrame.WithDetailf("unknown envelope type %q", e.Type)
	}
	return nil
}

type AuthRequest struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type AuthOk struct {
	UserID           int64 `json:"user_id"`
	HeartbeatMs      int64 `json:"heartbeat_ms"`
	ServerTimeMs     int64 `json:"server_time_ms"`
	MaxIdleMs        int64 `json:"max_idle_ms"`
	RouteTTLSeconds  int64 `json:"route_ttl_seconds"`
	GatewayID        string `json:"gateway_id"`
	ConnID           string `json:"conn_id"`
}

type AuthFail struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type Ping struct {
	TsMs int64 `json:"ts_ms,omitempty"`
}

type Pong struct {
	TsMs int64 `json:"ts_ms"`
}

// Deliver carries one persisted message down to a device.
type Deliver struct {
	MsgID        int64           `json:"msg_id"`
	SessionID    int64           `json:"session_id"`
	SenderID     int64           `json:"sender_id"`
	PartitionID  int32           `json:"partition_id"`
	Seq          int64           `json:"seq"`
	MsgType      int32           `json:"msg_type"`
	Appearance   int32           `json:"appearance"`
	Content      json.RawMessage `json:"content"`
	ServerTimeMs int64           `json:"server_time_ms"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ---- 构造若干服务端回执 ----

func build(typ, traceID string, payload any) *Envelope {
	body, _ := json.Marshal(payload)
	return &Envelope{
		V:       int(Version),
		TsMs:    time.Now().UnixMilli(),
		TraceID: traceID,
		Type:    typ,
		Payload: body,
	}
}

func BuildAuthOk(p AuthOk) *Envelope          { return build(TypeAuthOk, "", p) }
func BuildAuthFail(code int, reason string) *Envelope {
	return build(TypeAuthFail, "", AuthFail{Code: code, Reason: reason})
}
func BuildPong(tsMs int64) *Envelope { return build(TypePong, "", Pong{TsMs: tsMs}) }
func BuildDeliver(traceID string, d Deliver) *Envelope {
	return build(TypeDeliver, traceID, d)
}
func BuildError(code int, msg string) *Envelope {
	return build(TypeError, "", ErrorPayload{Code: code, Message: msg})
}

// Encode serializes the envelope into a framed wire buffer.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(0, body), nil
}

// DecodeEnvelope parses and validates a frame body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(body, e); err != nil {
		return nil, errs.ErrBadFrame.WithDetailf("envelope decode: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodePayload unmarshals the payload union into the concrete type for
// e.Type. Callers switch on e.Type and assert the returned value.
func DecodePayload(e *Envelope) (any, error) {
	var dst any
	switch e.Type {
	case TypeAuthRequest:
		dst = &AuthRequest{}
	case TypeAuthOk:
		dst = &AuthOk{}
	case TypeAuthFail:
		dst = &AuthFail{}
	case TypePing:
		dst = &Ping{}
	case TypePong:
		dst = &Pong{}
	case TypeDeliver:
		dst = &Deliver{}
	case TypeError:
		dst = &ErrorPayload{}
	default:
		return nil, errs.ErrBadFrame.WithDetailf("unknown envelope type %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return dst, nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return nil, errs.ErrBadFrame.WithDetailf("payload decode: %v", err)
	}
	return dst, nil
}
