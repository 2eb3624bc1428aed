package store

import (
	"context"
	"sync"
	"testing"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/seq"
	"github.com/lamyinia/TellYou-sub000/module/session"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

func newTestStore() (*Store, *MemDB, *session.MemGateway) {
	db := NewMemDB()
	sess := session.NewMemGateway()
	sess.SetMembers(7, []session.Member{
		{UserID: 3, Active: true},
		{UserID: 4, Active: true},
		{UserID: 5, Active: false},
	})
	return New(db, seq.NewMem(), sess), db, sess
}

func sendReq(cid string) SendReq {
	return SendReq{
		SenderID:    3,
		SessionID:   7,
		ClientMsgID: cid,
		MsgType:     1,
		Content:     `{"text":"hello"}`,
	}
}

func TestPersistHappyPath(t *testing.T) {
	st, db, _ := newTestStore()
	res, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !res.Persisted || res.MsgID == 0 || res.Seq != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if db.MessageCount() != 1 {
		t.Fatalf("want 1 message, got %d", db.MessageCount())
	}
	rows := db.OutboxRows()
	if len(rows) != 1 {
		t.Fatalf("want 1 outbox row, got %d", len(rows))
	}
	if rows[0].Topic != model.TopicMessagePersisted || rows[0].Status != model.OutboxStatusPending {
		t.Fatalf("unexpected outbox row: %+v", rows[0])
	}
	if rows[0].PartitionKey != "7" {
		t.Fatalf("partition key should be session id, got %q", rows[0].PartitionKey)
	}

	// 同步写扩散：活跃成员各一行，含发送者；非活跃成员没有
	for _, uid := range []int64{3, 4} {
		idx, err := db.ListUserIndex(context.Background(), uid, 0, 10)
		if err != nil || len(idx) != 1 {
			t.Fatalf("user %d index rows = %d, err=%v", uid, len(idx), err)
		}
	}
	idx, _ := db.ListUserIndex(context.Background(), 5, 0, 10)
	if len(idx) != 0 {
		t.Fatalf("inactive member must not get index rows, got %d", len(idx))
	}
}

func TestPersistValidation(t *testing.T) {
	st, db, _ := newTestStore()
	cases := []struct {
		name   string
		mut    func(*SendReq)
		reason string
	}{
		{"bad sender", func(r *SendReq) { r.SenderID = 0 }, ReasonBadSender},
		{"bad session", func(r *SendReq) { r.SessionID = -1 }, ReasonBadSession},
		{"blank client id", func(r *SendReq) { r.ClientMsgID = "  " }, ReasonBlankClientID},
		{"blank content", func(r *SendReq) { r.Content = "" }, ReasonBlankContent},
		{"malformed content", func(r *SendReq) { r.Content = "{not json" }, ReasonMalformed},
		{"oversized content", func(r *SendReq) {
			big := make([]byte, MaxContentBytes+1)
			for i := range big {
				big[i] = 'a'
			}
			r.Content = `"` + string(big[:MaxContentBytes]) + `"`
		}, ReasonContentTooBig},
	}
	for _, tc := range cases {
		req := sendReq("c-" + tc.name)
		tc.mut(&req)
		res, err := st.Persist(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if res.Persisted || res.Reason != tc.reason {
			t.Fatalf("%s: want reason %q, got %+v", tc.name, tc.reason, res)
		}
	}
	if db.MessageCount() != 0 {
		t.Fatalf("rejected input must not write, got %d messages", db.MessageCount())
	}
}

func TestPersistPermissionDenied(t *testing.T) {
	st, db, sess := newTestStore()
	sess.SetPermission(7, session.Permission{Reason: "sender muted"})
	res, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if res.Persisted || res.Reason != "sender muted" {
		t.Fatalf("want denial reason passthrough, got %+v", res)
	}
	if db.MessageCount() != 0 || len(db.OutboxRows()) != 0 {
		t.Fatal("denied send must leave no writes")
	}
}

func TestPersistDuplicateReplaysOriginal(t *testing.T) {
	st, db, _ := newTestStore()
	first, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	second, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if !second.Persisted || second.MsgID != first.MsgID || second.Seq != first.Seq {
		t.Fatalf("duplicate must replay original: first=%+v second=%+v", first, second)
	}
	if db.MessageCount() != 1 || len(db.OutboxRows()) != 1 {
		t.Fatalf("duplicate must not write: msgs=%d outbox=%d",
			db.MessageCount(), len(db.OutboxRows()))
	}
}

func TestPersistConcurrentDuplicates(t *testing.T) {
	st, db, _ := newTestStore()
	const n = 16
	results := make([]PersistResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := st.Persist(context.Background(), sendReq("same-cid"))
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	if db.MessageCount() != 1 {
		t.Fatalf("want exactly one message, got %d", db.MessageCount())
	}
	for i, r := range results {
		if !r.Persisted || r.MsgID != results[0].MsgID {
			t.Fatalf("result %d diverged: %+v vs %+v", i, r, results[0])
		}
	}
}

// 出箱事件与消息同生同死：中途失败不能留下半个单元。
func TestPersistAtomicFaultInjection(t *testing.T) {
	st, db, _ := newTestStore()
	db.BeforeOutboxHook = func() error { return errs.ErrStoreUnavailable }
	if _, err := st.Persist(context.Background(), sendReq("c1")); err == nil {
		t.Fatal("want error from injected fault")
	}
	if db.MessageCount() != 0 || len(db.OutboxRows()) != 0 {
		t.Fatalf("partial writes leaked: msgs=%d outbox=%d",
			db.MessageCount(), len(db.OutboxRows()))
	}

	// 故障恢复后同一 client_msg_id 可以正常入库
	db.BeforeOutboxHook = nil
	res, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil || !res.Persisted {
		t.Fatalf("retry after fault: res=%+v err=%v", res, err)
	}
}

func TestPersistAsyncFanoutCreatesTask(t *testing.T) {
	st, db, sess := newTestStore()
	sess.SetPermission(7, session.Permission{
		Allowed: true,
		Flags:   session.FlagWriteFanout | session.FlagAsyncFanout,
	})
	res, err := st.Persist(context.Background(), sendReq("c1"))
	if err != nil || !res.Persisted {
		t.Fatalf("Persist: res=%+v err=%v", res, err)
	}
	tasks, err := db.ClaimFanoutTasks(context.Background(), 1, 1000, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("want 1 fanout task, got %d err=%v", len(tasks), err)
	}
	if tasks[0].MsgID != res.MsgID || tasks[0].Seq != res.Seq {
		t.Fatalf("task mismatch: %+v vs %+v", tasks[0], res)
	}
	idx, _ := db.ListUserIndex(context.Background(), 4, 0, 10)
	if len(idx) != 0 {
		t.Fatalf("async fanout must defer index rows, got %d", len(idx))
	}
}

func TestPersistSeqStrictlyIncreasing(t *testing.T) {
	st, _, _ := newTestStore()
	var last int64
	for i := 0; i < 5; i++ {
		res, err := st.Persist(context.Background(), sendReq("cid-"+string(rune('a'+i))))
		if err != nil || !res.Persisted {
			t.Fatalf("persist %d: res=%+v err=%v", i, res, err)
		}
		if res.Seq <= last {
			t.Fatalf("seq not strictly increasing: %d after %d", res.Seq, last)
		}
		last = res.Seq
	}
}
