package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
	"github.com/lamyinia/TellYou-sub000/module/message/store"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

type fakeProducer struct {
	mu        sync.Mutex
	published []string // topic|key
	failTimes int      // 前 N 次调用失败
	calls     int
}

func (f *fakeProducer) Publish(topic, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return errs.New("broker unreachable")
	}
	f.published = append(f.published, topic+"|"+key)
	return nil
}

func (f *fakeProducer) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func seedOutbox(t *testing.T, db *store.MemDB, eventID int64) {
	t.Helper()
	err := db.PersistAtomic(context.Background(), &store.PersistBatch{
		Dedup: &model.DedupModel{SenderID: 1, ClientMsgID: "c" + string(rune('0'+eventID)), MsgID: eventID},
		Message: &model.MessageModel{
			MsgID: eventID, SessionID: 7, SenderID: 1, Seq: eventID,
		},
		Outbox: &model.OutboxModel{
			EventID: eventID, EventType: model.EventMessagePersisted,
			Topic: model.TopicMessagePersisted, PartitionKey: "7",
			Body: []byte(`{"event":"message.persisted"}`), Status: model.OutboxStatusPending,
		},
	})
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
}

func TestPublisherMarksSentOnSuccess(t *testing.T) {
	db := store.NewMemDB()
	seedOutbox(t, db, 1)
	prod := &fakeProducer{}
	pub := NewPublisher(db, prod, Config{})

	pub.RunOnce(context.Background())

	if prod.publishedCount() != 1 {
		t.Fatalf("want 1 publish, got %d", prod.publishedCount())
	}
	row, _ := db.OutboxRow(1)
	if row.Status != model.OutboxStatusSent {
		t.Fatalf("want SENT, got %s", row.Status)
	}

	// SENT 是终态：后续轮次不再抢到
	pub.RunOnce(context.Background())
	if prod.publishedCount() != 1 {
		t.Fatalf("sent row republished: %d", prod.publishedCount())
	}
}

func TestPublisherReschedulesWithBackoff(t *testing.T) {
	db := store.NewMemDB()
	seedOutbox(t, db, 1)
	prod := &fakeProducer{failTimes: 1}
	pub := NewPublisher(db, prod, Config{MaxRetry: 5})

	start := time.Now().UnixMilli()
	pub.RunOnce(context.Background())

	row, _ := db.OutboxRow(1)
	if row.Status != model.OutboxStatusPending || row.RetryCount != 1 {
		t.Fatalf("want rescheduled PENDING rc=1, got %+v", row)
	}
	// 退避 min(cap, 2^1)=2s：next_retry_at 在未来
	if row.NextRetryAtMs < start+1500 {
		t.Fatalf("next retry too soon: %d (start %d)", row.NextRetryAtMs, start)
	}

	// 未到期的行不可抢占
	pub.RunOnce(context.Background())
	if prod.publishedCount() != 0 {
		t.Fatal("row claimed before backoff elapsed")
	}
}

func TestPublisherFailsTerminallyAfterMaxRetry(t *testing.T) {
	db := store.NewMemDB()
	seedOutbox(t, db, 1)
	prod := &fakeProducer{failTimes: 1 << 30}
	pub := NewPublisher(db, prod, Config{MaxRetry: 2})

	// 手动把时钟拨快跳过退避；直接注入 now
	fakeNow := time.Now()
	pub.now = func() time.Time { return fakeNow }

	pub.RunOnce(context.Background()) // rc=1, rescheduled
	fakeNow = fakeNow.Add(time.Hour)
	pub.RunOnce(context.Background()) // rc=2 >= MaxRetry → FAILED

	row, _ := db.OutboxRow(1)
	if row.Status != model.OutboxStatusFailed || row.RetryCount != 2 {
		t.Fatalf("want terminal FAILED rc=2, got %+v", row)
	}

	// FAILED 终态：不再被抢
	fakeNow = fakeNow.Add(time.Hour)
	before := prod.calls
	pub.RunOnce(context.Background())
	if prod.calls != before {
		t.Fatal("failed row was claimed again")
	}
}

func TestPublisherReclaimsStaleProcessing(t *testing.T) {
	db := store.NewMemDB()
	seedOutbox(t, db, 1)
	prod := &fakeProducer{}
	pub := NewPublisher(db, prod, Config{VisTimeout: time.Second})

	// 模拟别的进程抢占后崩溃：行停留在 PROCESSING
	rows, err := db.ClaimOutbox(context.Background(), time.Now().UnixMilli(), time.Second.Milliseconds(), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("pre-claim: rows=%d err=%v", len(rows), err)
	}

	fakeNow := time.Now().Add(2 * time.Second)
	pub.now = func() time.Time { return fakeNow }
	pub.RunOnce(context.Background())

	row, _ := db.OutboxRow(1)
	if row.Status != model.OutboxStatusSent {
		t.Fatalf("stale PROCESSING row not reclaimed: %+v", row)
	}
}

func TestBackoffCurve(t *testing.T) {
	cases := []struct {
		rc   int32
		cap  int64
		want time.Duration
	}{
		{1, 300, 2 * time.Second},
		{3, 300, 8 * time.Second},
		{10, 300, 300 * time.Second},
		{62, 300, 300 * time.Second}, // 大 retryCount 不得溢出
	}
	for _, tc := range cases {
		if got := Backoff(tc.rc, tc.cap); got != tc.want {
			t.Errorf("Backoff(%d,%d) = %s, want %s", tc.rc, tc.cap, got, tc.want)
		}
	}
}
