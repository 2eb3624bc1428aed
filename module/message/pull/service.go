package pull

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/store"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// 服务端硬上限：无论客户端怎么传都会被钳制
const (
	MaxPageSize        = 200
	MaxLimitPerSession = 500
	DefaultPageSize    = 50
)

// Service 是离线/补偿拉取读路径，直接走持久层，不经过 broker。
type Service struct {
	db   store.DB
	sess session.Gateway
	now  func() time.Time
}

func NewService(db store.DB, sess session.Gateway) *Service {
	return &Service{db: db, sess: sess, now: time.Now}
}

// BacklogItem 是用户维度回溯的一项：索引行 + 消息本体。
type BacklogItem struct {
	SessionID   int64  `json:"session_id"`
	MsgID       int64  `json:"msg_id"`
	SenderID    int64  `json:"sender_id"`
	PartitionID int32  `json:"partition_id"`
	Seq         int64  `json:"seq"`
	MsgType     int32  `json:"msg_type"`
	Appearance  int32  `json:"appearance"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type UserBacklogPage struct {
	Messages   []BacklogItem `json:"messages"`
	NextCursor string        `json:"next_cursor"`
	IsLast     bool          `json:"is_last"`
}

// PullUserBacklog 按索引行标识升序取一页（游标稳定，不受并发插入影响）。
// 取 pageSize+1 探针行判断 isLast，避免额外 count。
func (s *Service) PullUserBacklog(ctx context.Context, userID int64, pageSize int, cursor string) (*UserBacklogPage, error) {
	if userID <= 0 {
		return nil, errs.ErrInvalidArgument.WithDetail("user_id")
	}
	pageSize = clamp(pageSize, MaxPageSize)
	afterRowID, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.ListUserIndex(ctx, userID, afterRowID, pageSize+1)
	if err != nil {
		return nil, err
	}
	isLast := len(rows) <= pageSize
	if !isLast {
		rows = rows[:pageSize]
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.MsgID)
	}
	msgs, err := s.db.FindMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &UserBacklogPage{IsLast: isLast}
	for _, r := range rows {
		m, ok := msgs[r.MsgID]
		if !ok {
			continue // 消息被保留策略清理，索引行跳过
		}
		page.Messages = append(page.Messages, toItem(m))
		page.NextCursor = encodeCursor(r.RowID)
	}
	if page.NextCursor == "" {
		page.NextCursor = cursor
	}
	return page, nil
}

type SessionPullReq struct {
	SessionID   int64 `json:"session_id"`
	PartitionID int32 `json:"partition_id"`
	AfterSeq    int64 `json:"after_seq"`
}

type SessionBacklog struct {
	SessionID    int64         `json:"session_id"`
	Messages     []BacklogItem `json:"messages"`
	NextAfterSeq int64         `json:"next_after_seq"`
	HasMore      bool          `json:"has_more"`
}

// PullSessionBacklog 按会话分区从 afterSeq 起向前补偿拉取。
// 成员资格已被撤销的会话返回空页 + hasMore=false，而不是错误。
func (s *Service) PullSessionBacklog(ctx context.Context, userID int64, reqs []SessionPullReq, limitPerSession int) ([]SessionBacklog, error) {
	if userID <= 0 {
		return nil, errs.ErrInvalidArgument.WithDetail("user_id")
	}
	limitPerSession = clampN(limitPerSession, MaxLimitPerSession, 100)

	out := make([]SessionBacklog, 0, len(reqs))
	for _, req := range reqs {
		b := SessionBacklog{SessionID: req.SessionID, NextAfterSeq: req.AfterSeq}
		active, err := s.isActiveMember(ctx, req.SessionID, userID)
		if err != nil {
			return nil, err
		}
		if !active {
			out = append(out, b) // 拉取中途被移出会话：静默空页
			continue
		}

		msgs, err := s.db.ListSessionMessages(ctx, req.SessionID, req.PartitionID, req.AfterSeq, limitPerSession+1)
		if err != nil {
			return nil, err
		}
		b.HasMore = len(msgs) > limitPerSession
		if b.HasMore {
			msgs = msgs[:limitPerSession]
		}
		for i := range msgs {
			b.Messages = append(b.Messages, toItem(&msgs[i]))
			b.NextAfterSeq = msgs[i].Seq
		}
		out = append(out, b)
	}
	return out, nil
}

type AckResult struct {
	Updated       bool  `json:"updated"`
	ServerLastSeq int64 `json:"server_last_seq"`
}

// AckReadProgress "set if greater"：并发提交永不回退，返回服务端权威值。
func (s *Service) AckReadProgress(ctx context.Context, userID, sessionID, lastSeq int64) (*AckResult, error) {
	if userID <= 0 || sessionID <= 0 || lastSeq < 0 {
		return nil, errs.ErrInvalidArgument.WithDetail("ack read progress")
	}
	serverSeq, err := s.db.AckReadOffset(ctx, sessionID, userID, lastSeq, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return &AckResult{Updated: serverSeq == lastSeq, ServerLastSeq: serverSeq}, nil
}

type SyncState struct {
	SessionID   int64 `json:"session_id"`
	LastSeq     int64 `json:"last_seq"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// BatchGetSyncState 批量读已读水位；没有记录的会话上报 lastSeq=0。
func (s *Service) BatchGetSyncState(ctx context.Context, userID int64, sessionIDs []int64) ([]SyncState, error) {
	if userID <= 0 {
		return nil, errs.ErrInvalidArgument.WithDetail("user_id")
	}
	rows, err := s.db.GetReadOffsets(ctx, userID, sessionIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.ReadOffsetModel, len(rows))
	for i := range rows {
		byID[rows[i].SessionID] = &rows[i]
	}
	out := make([]SyncState, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		st := SyncState{SessionID: sid}
		if row, ok := byID[sid]; ok {
			st.LastSeq = row.LastSeq
			st.UpdatedAtMs = row.UpdatedAtMs
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) isActiveMember(ctx context.Context, sessionID, userID int64) (bool, error) {
	members, err := s.sess.ListActiveMembers(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.UserID == userID && m.Active {
			return true, nil
		}
	}
	return false, nil
}

func toItem(m *model.MessageModel) BacklogItem {
	return BacklogItem{
		SessionID:   m.SessionID,
		MsgID:       m.MsgID,
		SenderID:    m.SenderID,
		PartitionID: m.PartitionID,
		Seq:         m.Seq,
		MsgType:     m.MsgType,
		Appearance:  m.Appearance,
		Content:     m.Content,
		CreatedAtMs: m.CreatedAtMs,
	}
}

func clamp(v, max int) int { return clampN(v, max, DefaultPageSize) }

func clampN(v, max, def int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// ---- 游标编解码：对客户端完全不透明 ----

const cursorPrefix = "v1:"

func encodeCursor(rowID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(rowID, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errs.ErrInvalidArgument.WithDetail("cursor")
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, errs.ErrInvalidArgument.WithDetail("cursor")
	}
	rowID, err := strconv.ParseInt(strings.TrimPrefix(s, cursorPrefix), 10, 64)
	if err != nil || rowID < 0 {
		return 0, errs.ErrInvalidArgument.WithDetail(fmt.Sprintf("cursor %q", cursor))
	}
	return rowID, nil
}
