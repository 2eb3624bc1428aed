package model

import "encoding/json"

// MessagePersistedEvent 是 Outbox 与 Dispatcher 之间唯一的 broker 契约，
// topic "message-persisted"。
type MessagePersistedEvent struct {
	Event        string          `json:"event"` // EventMessagePersisted
	MsgID        int64           `json:"msg_id"`
	ClientMsgID  string          `json:"client_msg_id"`
	SessionID    int64           `json:"session_id"`
	SenderID     int64           `json:"sender_id"`
	PartitionID  int32           `json:"partition_id"`
	Seq          int64           `json:"seq"`
	MsgType      int32           `json:"msg_type"`
	Appearance   int32           `json:"appearance"`
	Content      json.RawMessage `json:"content"`
	ClientTimeMs int64           `json:"client_time_ms"`
	ServerTimeMs int64           `json:"server_time_ms"`
	TraceID      string          `json:"trace_id"`
}

const TopicMessagePersisted = "message-persisted"
