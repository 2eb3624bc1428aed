package model

// ===== 集合名 =====
const (
	MessageTableName    = "message"
	DedupTableName      = "message_dedup"
	OutboxTableName     = "outbox_event"
	UserIndexTableName  = "user_msg_index"
	FanoutTaskTableName = "fanout_task"
	ReadOffsetTableName = "session_read_offset"
	SeqTableName        = "seq_conversation"
)

// MessageModel 是一条消息的主干数据，落库后不可变。
// Seq 在 (session_id, partition_id) 内单调递增、永不复用。
type MessageModel struct {
	MsgID       int64  `bson:"msg_id"`       // 雪花ID，全局唯一、按时间可排序
	SessionID   int64  `bson:"session_id"`   // 会话ID
	SenderID    int64  `bson:"sender_id"`    // 发送者ID
	PartitionID int32  `bson:"partition_id"` // 会话内子通道（如群话题）
	Seq         int64  `bson:"seq"`          // 会话分区内自增序列
	MsgType     int32  `bson:"msg_type"`     // 业务消息类型
	Appearance  int32  `bson:"appearance"`   // 渲染提示
	Content     string `bson:"content"`      // 内容（结构化JSON字符串）
	CreatedAtMs int64  `bson:"created_at_ms"`
}

// DedupModel 以 client_msg_id 为唯一键的幂等记录；插入即占位，永不更新。
// 唯一索引: (sender_id, client_msg_id)
type DedupModel struct {
	SenderID    int64 `bson:"sender_id"`
	ClientMsgID string `bson:"client_msg_id"`
	MsgID       int64 `bson:"msg_id"`
	SessionID   int64 `bson:"session_id"`
	PartitionID int32 `bson:"partition_id"`
	Seq         int64 `bson:"seq"`
	CreatedAtMs int64 `bson:"created_at_ms"`
}

// ===== Outbox =====

const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSent       = "SENT"
	OutboxStatusFailed     = "FAILED"
)

const EventMessagePersisted = "MESSAGE_PERSISTED"

// OutboxModel 与消息同事务写入，保证“有消息必有事件”。
type OutboxModel struct {
	EventID      int64  `bson:"event_id"` // 雪花ID
	EventType    string `bson:"event_type"`
	Topic        string `bson:"topic"`         // 目标 broker topic
	PartitionKey string `bson:"partition_key"` // broker 分区键（session_id）
	Body         []byte `bson:"body"`          // 序列化后的事件体
	Status       string `bson:"status"`
	RetryCount   int32  `bson:"retry_count"`
	NextRetryAtMs int64 `bson:"next_retry_at_ms"`
	ClaimedAtMs  int64  `bson:"claimed_at_ms,omitempty"` // 可见性超时判定用
	CreatedAtMs  int64  `bson:"created_at_ms"`
	UpdatedAtMs  int64  `bson:"updated_at_ms"`
}

// UserIndexModel 写扩散产物：每个接收者一行，驱动离线拉取。
// RowID 单调（雪花），作为游标分页的行标识。
// 唯一索引: (user_id, msg_id)
type UserIndexModel struct {
	RowID     int64 `bson:"row_id"`
	UserID    int64 `bson:"user_id"`
	MsgID     int64 `bson:"msg_id"`
	SessionID int64 `bson:"session_id"`
	Seq       int64 `bson:"seq"`
	ReadState int32 `bson:"read_state"` // 0=未读,1=已读
	CreatedAtMs int64 `bson:"created_at_ms"`
}

// ===== 异步扩散任务 =====

const (
	FanoutStatusPending    = "PENDING"
	FanoutStatusProcessing = "PROCESSING"
	FanoutStatusDone       = "DONE"
	FanoutStatusFailed     = "FAILED"
)

type FanoutTaskModel struct {
	TaskID       int64  `bson:"task_id"`
	SessionID    int64  `bson:"session_id"`
	MsgID        int64  `bson:"msg_id"`
	Seq          int64  `bson:"seq"`
	Status       string `bson:"status"`
	RetryCount   int32  `bson:"retry_count"`
	NextRetryAtMs int64 `bson:"next_retry_at_ms"`
	ClaimedAtMs  int64  `bson:"claimed_at_ms,omitempty"`
	CreatedAtMs  int64  `bson:"created_at_ms"`
}

// ReadOffsetModel 每 (session,user) 一行的已读水位；只升不降。
type ReadOffsetModel struct {
	SessionID   int64 `bson:"session_id"`
	UserID      int64 `bson:"user_id"`
	LastSeq     int64 `bson:"last_seq"`
	UpdatedAtMs int64 `bson:"updated_at_ms"`
}

// SeqModel 维护某 (session,partition) 的发号水位。
type SeqModel struct {
	SessionID   int64 `bson:"session_id"`
	PartitionID int32 `bson:"partition_id"`
	IssuedSeq   int64 `bson:"issued_seq"` // 已发出的最大序号（只升不降）
	UpdatedAtMs int64 `bson:"updated_at_ms"`
}
