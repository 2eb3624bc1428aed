package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
)

// MemDB 是 DB 的内存实现，仅用于测试与本地联调。
// 语义对齐 Mongo 实现：PersistAtomic 全有或全无，claim 原子翻转。
type MemDB struct {
	mu sync.Mutex

	msgs    map[int64]*model.MessageModel  // msg_id -> msg
	bySeq   map[string]map[int64]int64     // session|partition -> seq -> msg_id
	dedup   map[string]*model.DedupModel   // sender|cid -> dedup
	outbox  map[int64]*model.OutboxModel   // event_id -> row
	index   map[int64][]model.UserIndexModel // user_id -> rows (row_id asc)
	idxSeen map[string]struct{}            // user|msg dedup for upsert
	tasks   map[int64]*model.FanoutTaskModel
	offsets map[string]*model.ReadOffsetModel // session|user
	issued  map[string]int64                  // session|partition -> issued_seq floor

	// BeforeOutboxHook, when set, runs after the message is staged but before
	// the outbox event; an error aborts the whole unit (fault injection).
	BeforeOutboxHook func() error
}

func NewMemDB() *MemDB {
	return &MemDB{
		msgs:    make(map[int64]*model.MessageModel),
		bySeq:   make(map[string]map[int64]int64),
		dedup:   make(map[string]*model.DedupModel),
		outbox:  make(map[int64]*model.OutboxModel),
		index:   make(map[int64][]model.UserIndexModel),
		idxSeen: make(map[string]struct{}),
		tasks:   make(map[int64]*model.FanoutTaskModel),
		offsets: make(map[string]*model.ReadOffsetModel),
		issued:  make(map[string]int64),
	}
}

func keySP(sessionID int64, partitionID int32) string {
	return itoa(sessionID) + "|" + itoa(int64(partitionID))
}
func keyDedup(senderID int64, cid string) string { return itoa(senderID) + "|" + cid }
func keyUM(userID, msgID int64) string           { return itoa(userID) + "|" + itoa(msgID) }
func keySU(sessionID, userID int64) string       { return itoa(sessionID) + "|" + itoa(userID) }

func itoa(v int64) string {
	// small local helper; avoids strconv noise at call sites
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func (db *MemDB) PersistAtomic(_ context.Context, p *PersistBatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	kd := keyDedup(p.Dedup.SenderID, p.Dedup.ClientMsgID)
	if _, ok := db.dedup[kd]; ok {
		return ErrDupClientMsgID
	}
	if db.BeforeOutboxHook != nil {
		if err := db.BeforeOutboxHook(); err != nil {
			return err // nothing staged is visible
		}
	}

	d := *p.Dedup
	msg := *p.Message
	out := *p.Outbox
	db.dedup[kd] = &d
	db.msgs[msg.MsgID] = &msg
	ksp := keySP(msg.SessionID, msg.PartitionID)
	if db.bySeq[ksp] == nil {
		db.bySeq[ksp] = make(map[int64]int64)
	}
	db.bySeq[ksp][msg.Seq] = msg.MsgID
	db.outbox[out.EventID] = &out
	for _, r := range p.IndexRows {
		db.insertIndexRowLocked(r)
	}
	if p.Task != nil {
		t := *p.Task
		db.tasks[t.TaskID] = &t
	}
	if msg.Seq > db.issued[ksp] {
		db.issued[ksp] = msg.Seq
	}
	return nil
}

func (db *MemDB) insertIndexRowLocked(r model.UserIndexModel) {
	k := keyUM(r.UserID, r.MsgID)
	if _, ok := db.idxSeen[k]; ok {
		return
	}
	db.idxSeen[k] = struct{}{}
	rows := db.index[r.UserID]
	rows = append(rows, r)
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowID < rows[j].RowID })
	db.index[r.UserID] = rows
}

func (db *MemDB) FindDedup(_ context.Context, senderID int64, clientMsgID string) (*model.DedupModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.dedup[keyDedup(senderID, clientMsgID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (db *MemDB) MaxIssuedSeq(_ context.Context, sessionID int64, partitionID int32) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.issued[keySP(sessionID, partitionID)], nil
}

// ---- Outbox ----

func (db *MemDB) ClaimOutbox(_ context.Context, nowMs, visTimeoutMs int64, max int) ([]model.OutboxModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.OutboxModel
	ids := sortedKeys(db.outbox)
	for _, id := range ids {
		if len(out) >= max {
			break
		}
		row := db.outbox[id]
		if claimable(row.Status, row.NextRetryAtMs, row.ClaimedAtMs, nowMs, visTimeoutMs,
			model.OutboxStatusPending, model.OutboxStatusProcessing) {
			row.Status = model.OutboxStatusProcessing
			row.ClaimedAtMs = nowMs
			row.UpdatedAtMs = nowMs
			out = append(out, *row)
		}
	}
	return out, nil
}

func claimable(status string, nextRetryAtMs, claimedAtMs, nowMs, visTimeoutMs int64, pending, processing string) bool {
	if status == pending && nextRetryAtMs <= nowMs {
		return true
	}
	return status == processing && claimedAtMs < nowMs-visTimeoutMs
}

func (db *MemDB) MarkOutboxSent(_ context.Context, eventID, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.outbox[eventID]; ok {
		row.Status = model.OutboxStatusSent
		row.UpdatedAtMs = nowMs
	}
	return nil
}

func (db *MemDB) RescheduleOutbox(_ context.Context, eventID int64, retryCount int32, nextRetryAtMs, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.outbox[eventID]; ok {
		row.Status = model.OutboxStatusPending
		row.RetryCount = retryCount
		row.NextRetryAtMs = nextRetryAtMs
		row.UpdatedAtMs = nowMs
	}
	return nil
}

func (db *MemDB) MarkOutboxFailed(_ context.Context, eventID int64, retryCount int32, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.outbox[eventID]; ok {
		row.Status = model.OutboxStatusFailed
		row.RetryCount = retryCount
		row.UpdatedAtMs = nowMs
	}
	return nil
}

// OutboxRow returns a copy for test assertions.
func (db *MemDB) OutboxRow(eventID int64) (model.OutboxModel, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.outbox[eventID]
	if !ok {
		return model.OutboxModel{}, false
	}
	return *row, true
}

// OutboxRows returns copies of all rows, event_id ascending.
func (db *MemDB) OutboxRows() []model.OutboxModel {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.OutboxModel
	for _, id := range sortedKeys(db.outbox) {
		out = append(out, *db.outbox[id])
	}
	return out
}

// ---- Fanout tasks ----

func (db *MemDB) ClaimFanoutTasks(_ context.Context, nowMs, visTimeoutMs int64, max int) ([]model.FanoutTaskModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.FanoutTaskModel
	for _, id := range sortedKeys(db.tasks) {
		if len(out) >= max {
			break
		}
		row := db.tasks[id]
		if claimable(row.Status, row.NextRetryAtMs, row.ClaimedAtMs, nowMs, visTimeoutMs,
			model.FanoutStatusPending, model.FanoutStatusProcessing) {
			row.Status = model.FanoutStatusProcessing
			row.ClaimedAtMs = nowMs
			out = append(out, *row)
		}
	}
	return out, nil
}

func (db *MemDB) MarkFanoutDone(_ context.Context, taskID, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.tasks[taskID]; ok {
		row.Status = model.FanoutStatusDone
	}
	return nil
}

func (db *MemDB) RescheduleFanout(_ context.Context, taskID int64, retryCount int32, nextRetryAtMs, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.tasks[taskID]; ok {
		row.Status = model.FanoutStatusPending
		row.RetryCount = retryCount
		row.NextRetryAtMs = nextRetryAtMs
	}
	return nil
}

func (db *MemDB) MarkFanoutFailed(_ context.Context, taskID int64, retryCount int32, nowMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if row, ok := db.tasks[taskID]; ok {
		row.Status = model.FanoutStatusFailed
		row.RetryCount = retryCount
	}
	return nil
}

// TaskRow returns a copy for test assertions.
func (db *MemDB) TaskRow(taskID int64) (model.FanoutTaskModel, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.tasks[taskID]
	if !ok {
		return model.FanoutTaskModel{}, false
	}
	return *row, true
}

func (db *MemDB) UpsertUserIndexRows(_ context.Context, rows []model.UserIndexModel) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range rows {
		db.insertIndexRowLocked(r)
	}
	return nil
}

// ---- Reads ----

func (db *MemDB) FindMessage(_ context.Context, msgID int64) (*model.MessageModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	msg, ok := db.msgs[msgID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (db *MemDB) ListUserIndex(_ context.Context, userID, afterRowID int64, limit int) ([]model.UserIndexModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.UserIndexModel
	for _, r := range db.index[userID] {
		if r.RowID <= afterRowID {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (db *MemDB) FindMessagesByIDs(_ context.Context, msgIDs []int64) (map[int64]*model.MessageModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[int64]*model.MessageModel, len(msgIDs))
	for _, id := range msgIDs {
		if m, ok := db.msgs[id]; ok {
			cp := *m
			out[id] = &cp
		}
	}
	return out, nil
}

func (db *MemDB) ListSessionMessages(_ context.Context, sessionID int64, partitionID int32, afterSeq int64, limit int) ([]model.MessageModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seqs := db.bySeq[keySP(sessionID, partitionID)]
	var keys []int64
	for s := range seqs {
		if s > afterSeq {
			keys = append(keys, s)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out []model.MessageModel
	for _, s := range keys {
		if len(out) >= limit {
			break
		}
		out = append(out, *db.msgs[seqs[s]])
	}
	return out, nil
}

func (db *MemDB) AckReadOffset(_ context.Context, sessionID, userID, lastSeq, nowMs int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := keySU(sessionID, userID)
	row, ok := db.offsets[k]
	if !ok {
		row = &model.ReadOffsetModel{SessionID: sessionID, UserID: userID}
		db.offsets[k] = row
	}
	if lastSeq > row.LastSeq {
		row.LastSeq = lastSeq
	}
	row.UpdatedAtMs = nowMs
	return row.LastSeq, nil
}

func (db *MemDB) GetReadOffsets(_ context.Context, userID int64, sessionIDs []int64) ([]model.ReadOffsetModel, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.ReadOffsetModel
	for _, sid := range sessionIDs {
		if row, ok := db.offsets[keySU(sid, userID)]; ok {
			out = append(out, *row)
		}
	}
	return out, nil
}

// MessageCount 便于测试断言“恰好一条”。
func (db *MemDB) MessageCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.msgs)
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
