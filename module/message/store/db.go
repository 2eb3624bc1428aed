package store

import (
	"context"
	"errors"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
)

// DB 抽象：生产实现 Mongo（db_mongo.go），测试用内存实现（db_mem.go）。
// 唯一约束与原子占位都下沉到存储层，Message Store 实例之间无需协调。
type DB interface {
	// PersistAtomic writes the dedup record, the message, its outbox event and
	// any synchronous artifacts (fanout rows or a fanout task, plus the issued
	// seq floor) in one atomic unit. A dedup uniqueness violation aborts the
	// whole unit and surfaces ErrDupClientMsgID.
	PersistAtomic(ctx context.Context, p *PersistBatch) error
	FindDedup(ctx context.Context, senderID int64, clientMsgID string) (*model.DedupModel, error)

	// Seq floor (durable half of the allocator).
	MaxIssuedSeq(ctx context.Context, sessionID int64, partitionID int32) (int64, error)

	// Outbox claim/transition. Claim is atomic per row and skips rows already
	// claimed; PROCESSING rows older than visTimeoutMs are re-claimable.
	ClaimOutbox(ctx context.Context, nowMs, visTimeoutMs int64, max int) ([]model.OutboxModel, error)
	MarkOutboxSent(ctx context.Context, eventID, nowMs int64) error
	RescheduleOutbox(ctx context.Context, eventID int64, retryCount int32, nextRetryAtMs, nowMs int64) error
	MarkOutboxFailed(ctx context.Context, eventID int64, retryCount int32, nowMs int64) error

	// Fanout tasks, same claim discipline.
	ClaimFanoutTasks(ctx context.Context, nowMs, visTimeoutMs int64, max int) ([]model.FanoutTaskModel, error)
	MarkFanoutDone(ctx context.Context, taskID, nowMs int64) error
	RescheduleFanout(ctx context.Context, taskID int64, retryCount int32, nextRetryAtMs, nowMs int64) error
	MarkFanoutFailed(ctx context.Context, taskID int64, retryCount int32, nowMs int64) error
	UpsertUserIndexRows(ctx context.Context, rows []model.UserIndexModel) error

	// Reads used by fanout and the pull service.
	FindMessage(ctx context.Context, msgID int64) (*model.MessageModel, error)
	ListUserIndex(ctx context.Context, userID, afterRowID int64, limit int) ([]model.UserIndexModel, error)
	FindMessagesByIDs(ctx context.Context, msgIDs []int64) (map[int64]*model.MessageModel, error)
	ListSessionMessages(ctx context.Context, sessionID int64, partitionID int32, afterSeq int64, limit int) ([]model.MessageModel, error)

	// Read offsets: "$max wins", returns the authoritative value after the attempt.
	AckReadOffset(ctx context.Context, sessionID, userID, lastSeq, nowMs int64) (int64, error)
	GetReadOffsets(ctx context.Context, userID int64, sessionIDs []int64) ([]model.ReadOffsetModel, error)
}

// PersistBatch is the atomic unit of a persist call.
type PersistBatch struct {
	Dedup     *model.DedupModel
	Message   *model.MessageModel
	Outbox    *model.OutboxModel
	IndexRows []model.UserIndexModel // sync write-fanout, may be nil
	Task      *model.FanoutTaskModel // async fanout, may be nil
}

// ErrDupClientMsgID: 幂等闸门命中，调用方应回读原始结果。
var ErrDupClientMsgID = errors.New("duplicate client_msg_id")

// Sequencer allocates the next seq for a (session, partition). Monotonic,
// never reused; gaps are tolerated.
type Sequencer interface {
	Next(ctx context.Context, sessionID int64, partitionID int32) (int64, error)
}
