package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lamyinia/TellYou-sub000/logger"
	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/tools/ids"
)

// ===== 失败原因码（校验/权限类，终态，不重试） =====
const (
	ReasonBadSender      = "bad_sender"
	ReasonBadSession     = "bad_session"
	ReasonBlankClientID  = "blank_client_msg_id"
	ReasonBlankContent   = "blank_content"
	ReasonMalformed      = "content_malformed"
	ReasonContentTooBig  = "content_too_big"
)

// MaxContentBytes bounds a single message payload.
const MaxContentBytes = 64 << 10

type SendReq struct {
	SenderID     int64
	SessionID    int64
	ClientMsgID  string
	MsgType      int32
	Content      string
	PartitionID  int32
	Appearance   int32
	ClientTimeMs int64
	TraceID      string
}

type PersistResult struct {
	Persisted    bool
	Reason       string // set when Persisted=false
	MsgID        int64
	Seq          int64
	PartitionID  int32
	Appearance   int32
	ServerTimeMs int64
}

// Store 是消息入库主链路：校验 → 权限 → 发号 → 幂等闸门 → 原子落库(+同步扩散)。
type Store struct {
	db   DB
	seq  Sequencer
	sess session.Gateway
	now  func() time.Time // 可注入时钟（单测用）
}

func New(db DB, seq Sequencer, sess session.Gateway) *Store {
	return &Store{db: db, seq: seq, sess: sess, now: time.Now}
}

// Persist 持久化一条消息。重复的 clientMsgID 不是错误：返回首次持久化的结果，
// 且不产生任何新的写入。
func (s *Store) Persist(ctx context.Context, req SendReq) (PersistResult, error) {
	// (a) 入参校验，失败无任何副作用
	if reason, ok := validate(req); !ok {
		return PersistResult{Persisted: false, Reason: reason}, nil
	}

	// (b) 会话协作方：发送权限 + 扩散策略位
	perm, err := s.sess.CheckSendPermission(ctx, req.SessionID, req.SenderID, req.PartitionID)
	if err != nil {
		return PersistResult{}, err
	}
	if !perm.Allowed {
		return PersistResult{Persisted: false, Reason: perm.Reason}, nil
	}

	// (c) 全局ID + 会话分区内序列
	msgID := ids.Generate()
	seq, err := s.seq.Next(ctx, req.SessionID, req.PartitionID)
	if err != nil {
		return PersistResult{}, err
	}

	nowMs := s.now().UnixMilli()
	batch, err := s.buildBatch(ctx, req, perm.Flags, msgID, seq, nowMs)
	if err != nil {
		return PersistResult{}, err
	}

	// (d)(e)(f) 幂等闸门 + 原子落库
	if err := s.db.PersistAtomic(ctx, batch); err != nil {
		if err == ErrDupClientMsgID {
			return s.replay(ctx, req)
		}
		return PersistResult{}, err
	}

	return PersistResult{
		Persisted:    true,
		MsgID:        msgID,
		Seq:          seq,
		PartitionID:  req.PartitionID,
		Appearance:   req.Appearance,
		ServerTimeMs: nowMs,
	}, nil
}

// replay 幂等回放：并发/重试请求已持久化过该逻辑消息，回读原始结果。
func (s *Store) replay(ctx context.Context, req SendReq) (PersistResult, error) {
	d, err := s.db.FindDedup(ctx, req.SenderID, req.ClientMsgID)
	if err != nil {
		return PersistResult{}, err
	}
	if d == nil {
		// 闸门命中但记录不可见：并发事务尚未提交，按重复对待让客户端重试
		return PersistResult{}, ErrDupClientMsgID
	}
	logger.Debug("duplicate client_msg_id replayed",
		zap.Int64("sender_id", req.SenderID), zap.String("client_msg_id", req.ClientMsgID))
	return PersistResult{
		Persisted:    true,
		MsgID:        d.MsgID,
		Seq:          d.Seq,
		PartitionID:  d.PartitionID,
		Appearance:   req.Appearance,
		ServerTimeMs: d.CreatedAtMs,
	}, nil
}

func (s *Store) buildBatch(ctx context.Context, req SendReq, flags session.MessageFlags, msgID, seq, nowMs int64) (*PersistBatch, error) {
	msg := &model.MessageModel{
		MsgID:       msgID,
		SessionID:   req.SessionID,
		SenderID:    req.SenderID,
		PartitionID: req.PartitionID,
		Seq:         seq,
		MsgType:     req.MsgType,
		Appearance:  req.Appearance,
		Content:     req.Content,
		CreatedAtMs: nowMs,
	}
	evt := model.MessagePersistedEvent{
		Event:        model.EventMessagePersisted,
		MsgID:        msgID,
		ClientMsgID:  req.ClientMsgID,
		SessionID:    req.SessionID,
		SenderID:     req.SenderID,
		PartitionID:  req.PartitionID,
		Seq:          seq,
		MsgType:      req.MsgType,
		Appearance:   req.Appearance,
		Content:      json.RawMessage(req.Content),
		ClientTimeMs: req.ClientTimeMs,
		ServerTimeMs: nowMs,
		TraceID:      req.TraceID,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}

	batch := &PersistBatch{
		Dedup: &model.DedupModel{
			SenderID:    req.SenderID,
			ClientMsgID: req.ClientMsgID,
			MsgID:       msgID,
			SessionID:   req.SessionID,
			PartitionID: req.PartitionID,
			Seq:         seq,
			CreatedAtMs: nowMs,
		},
		Message: msg,
		Outbox: &model.OutboxModel{
			EventID:      ids.Generate(),
			EventType:    model.EventMessagePersisted,
			Topic:        model.TopicMessagePersisted,
			PartitionKey: strconv.FormatInt(req.SessionID, 10),
			Body:         body,
			Status:       model.OutboxStatusPending,
			CreatedAtMs:  nowMs,
			UpdatedAtMs:  nowMs,
		},
	}

	// (f) 写扩散策略由权限位决定，不在本地猜测
	if flags.WriteFanout() {
		if flags.AsyncFanout() {
			batch.Task = &model.FanoutTaskModel{
				TaskID:      ids.Generate(),
				SessionID:   req.SessionID,
				MsgID:       msgID,
				Seq:         seq,
				Status:      model.FanoutStatusPending,
				CreatedAtMs: nowMs,
			}
		} else {
			members, err := s.sess.ListActiveMembers(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			batch.IndexRows = BuildIndexRows(members, msg)
		}
	}
	return batch, nil
}

// BuildIndexRows 为每个活跃成员生成一行写扩散索引。
func BuildIndexRows(members []session.Member, msg *model.MessageModel) []model.UserIndexModel {
	rows := make([]model.UserIndexModel, 0, len(members))
	for _, m := range members {
		if !m.Active {
			continue
		}
		rows = append(rows, model.UserIndexModel{
			RowID:       ids.Generate(),
			UserID:      m.UserID,
			MsgID:       msg.MsgID,
			SessionID:   msg.SessionID,
			Seq:         msg.Seq,
			CreatedAtMs: msg.CreatedAtMs,
		})
	}
	return rows
}

func validate(req SendReq) (string, bool) {
	if req.SenderID <= 0 {
		return ReasonBadSender, false
	}
	if req.SessionID <= 0 {
		return ReasonBadSession, false
	}
	if strings.TrimSpace(req.ClientMsgID) == "" {
		return ReasonBlankClientID, false
	}
	if strings.TrimSpace(req.Content) == "" {
		return ReasonBlankContent, false
	}
	if len(req.Content) > MaxContentBytes {
		return ReasonContentTooBig, false
	}
	if !json.Valid([]byte(req.Content)) {
		return ReasonMalformed, false
	}
	return "", true
}
