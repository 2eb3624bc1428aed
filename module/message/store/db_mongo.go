package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lamyinia/TellYou-sub000/module/message/model"
)

// mongoDB 是 DB 的 Mongo 实现。所有唯一性判定依赖唯一索引（EnsureIndexes）。
type mongoDB struct {
	cli *mongo.Client
	db  *mongo.Database

	msgColl    *mongo.Collection
	dedupColl  *mongo.Collection
	outboxColl *mongo.Collection
	idxColl    *mongo.Collection
	taskColl   *mongo.Collection
	offsetColl *mongo.Collection
	seqColl    *mongo.Collection
}

func NewMongoDB(cli *mongo.Client, db *mongo.Database) DB {
	return &mongoDB{
		cli:        cli,
		db:         db,
		msgColl:    db.Collection(model.MessageTableName),
		dedupColl:  db.Collection(model.DedupTableName),
		outboxColl: db.Collection(model.OutboxTableName),
		idxColl:    db.Collection(model.UserIndexTableName),
		taskColl:   db.Collection(model.FanoutTaskTableName),
		offsetColl: db.Collection(model.ReadOffsetTableName),
		seqColl:    db.Collection(model.SeqTableName),
	}
}

// EnsureIndexes 建唯一索引：幂等闸门与 seq 唯一性都靠它。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	uniq := options.Index().SetUnique(true)
	specs := []struct {
		coll string
		keys bson.D
		opts *options.IndexOptions
	}{
		{model.DedupTableName, bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}}, uniq},
		{model.MessageTableName, bson.D{{Key: "msg_id", Value: 1}}, uniq},
		{model.MessageTableName, bson.D{{Key: "session_id", Value: 1}, {Key: "partition_id", Value: 1}, {Key: "seq", Value: 1}}, uniq},
		{model.UserIndexTableName, bson.D{{Key: "user_id", Value: 1}, {Key: "msg_id", Value: 1}}, uniq},
		{model.UserIndexTableName, bson.D{{Key: "user_id", Value: 1}, {Key: "row_id", Value: 1}}, nil},
		{model.OutboxTableName, bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at_ms", Value: 1}}, nil},
		{model.FanoutTaskTableName, bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at_ms", Value: 1}}, nil},
		{model.ReadOffsetTableName, bson.D{{Key: "session_id", Value: 1}, {Key: "user_id", Value: 1}}, uniq},
		{model.SeqTableName, bson.D{{Key: "session_id", Value: 1}, {Key: "partition_id", Value: 1}}, uniq},
	}
	for _, s := range specs {
		m := mongo.IndexModel{Keys: s.keys}
		if s.opts != nil {
			m.Options = s.opts
		}
		if _, err := db.Collection(s.coll).Indexes().CreateOne(ctx, m); err != nil {
			return errors.Wrapf(err, "ensure index on %s", s.coll)
		}
	}
	return nil
}

func (m *mongoDB) PersistAtomic(ctx context.Context, p *PersistBatch) error {
	sess, err := m.cli.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// 幂等闸门：唯一索引冲突 => 整个事务放弃
		if _, err := m.dedupColl.InsertOne(sc, p.Dedup); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDupClientMsgID
			}
			return nil, err
		}
		if _, err := m.msgColl.InsertOne(sc, p.Message); err != nil {
			return nil, err
		}
		if _, err := m.outboxColl.InsertOne(sc, p.Outbox); err != nil {
			return nil, err
		}
		if len(p.IndexRows) > 0 {
			docs := make([]interface{}, 0, len(p.IndexRows))
			for i := range p.IndexRows {
				docs = append(docs, p.IndexRows[i])
			}
			if _, err := m.idxColl.InsertMany(sc, docs); err != nil {
				return nil, err
			}
		}
		if p.Task != nil {
			if _, err := m.taskColl.InsertOne(sc, p.Task); err != nil {
				return nil, err
			}
		}
		// 发号水位持久化：issued_seq 只升不降
		_, err := m.seqColl.UpdateOne(sc,
			bson.M{"session_id": p.Message.SessionID, "partition_id": p.Message.PartitionID},
			bson.M{
				"$max": bson.M{"issued_seq": p.Message.Seq},
				"$set": bson.M{"updated_at_ms": p.Message.CreatedAtMs},
			},
			options.Update().SetUpsert(true),
		)
		return nil, err
	})
	return err
}

func (m *mongoDB) FindDedup(ctx context.Context, senderID int64, clientMsgID string) (*model.DedupModel, error) {
	var d model.DedupModel
	err := m.dedupColl.FindOne(ctx, bson.M{"sender_id": senderID, "client_msg_id": clientMsgID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *mongoDB) MaxIssuedSeq(ctx context.Context, sessionID int64, partitionID int32) (int64, error) {
	var doc model.SeqModel
	err := m.seqColl.FindOne(ctx, bson.M{"session_id": sessionID, "partition_id": partitionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.IssuedSeq, nil
}

// ---- Outbox ----

// ClaimOutbox 逐行 FindOneAndUpdate 抢占：原子翻转 PENDING->PROCESSING，
// 不会阻塞在他人已抢到的行上；PROCESSING 超过可见性超时可被重新抢占。
func (m *mongoDB) ClaimOutbox(ctx context.Context, nowMs, visTimeoutMs int64, max int) ([]model.OutboxModel, error) {
	return claimRows[model.OutboxModel](ctx, m.outboxColl, nowMs, visTimeoutMs, max,
		model.OutboxStatusPending, model.OutboxStatusProcessing)
}

func (m *mongoDB) MarkOutboxSent(ctx context.Context, eventID, nowMs int64) error {
	_, err := m.outboxColl.UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{"status": model.OutboxStatusSent, "updated_at_ms": nowMs}})
	return err
}

func (m *mongoDB) RescheduleOutbox(ctx context.Context, eventID int64, retryCount int32, nextRetryAtMs, nowMs int64) error {
	_, err := m.outboxColl.UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{
			"status":           model.OutboxStatusPending,
			"retry_count":      retryCount,
			"next_retry_at_ms": nextRetryAtMs,
			"updated_at_ms":    nowMs,
		}})
	return err
}

func (m *mongoDB) MarkOutboxFailed(ctx context.Context, eventID int64, retryCount int32, nowMs int64) error {
	_, err := m.outboxColl.UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{
			"status":        model.OutboxStatusFailed,
			"retry_count":   retryCount,
			"updated_at_ms": nowMs,
		}})
	return err
}

// ---- Fanout tasks ----

func (m *mongoDB) ClaimFanoutTasks(ctx context.Context, nowMs, visTimeoutMs int64, max int) ([]model.FanoutTaskModel, error) {
	return claimRows[model.FanoutTaskModel](ctx, m.taskColl, nowMs, visTimeoutMs, max,
		model.FanoutStatusPending, model.FanoutStatusProcessing)
}

func (m *mongoDB) MarkFanoutDone(ctx context.Context, taskID, nowMs int64) error {
	_, err := m.taskColl.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{"status": model.FanoutStatusDone, "updated_at_ms": nowMs}})
	return err
}

func (m *mongoDB) RescheduleFanout(ctx context.Context, taskID int64, retryCount int32, nextRetryAtMs, nowMs int64) error {
	_, err := m.taskColl.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{
			"status":           model.FanoutStatusPending,
			"retry_count":      retryCount,
			"next_retry_at_ms": nextRetryAtMs,
			"updated_at_ms":    nowMs,
		}})
	return err
}

func (m *mongoDB) MarkFanoutFailed(ctx context.Context, taskID int64, retryCount int32, nowMs int64) error {
	_, err := m.taskColl.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{
			"status":        model.FanoutStatusFailed,
			"retry_count":   retryCount,
			"updated_at_ms": nowMs,
		}})
	return err
}

// UpsertUserIndexRows 幂等写扩散行：按 (user_id,msg_id) upsert，重复执行无副作用。
func (m *mongoDB) UpsertUserIndexRows(ctx context.Context, rows []model.UserIndexModel) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(rows))
	for i := range rows {
		r := rows[i]
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"user_id": r.UserID, "msg_id": r.MsgID}).
			SetUpdate(bson.M{"$setOnInsert": r}).
			SetUpsert(true))
	}
	_, err := m.idxColl.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// ---- Reads ----

func (m *mongoDB) FindMessage(ctx context.Context, msgID int64) (*model.MessageModel, error) {
	var msg model.MessageModel
	err := m.msgColl.FindOne(ctx, bson.M{"msg_id": msgID}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *mongoDB) ListUserIndex(ctx context.Context, userID, afterRowID int64, limit int) ([]model.UserIndexModel, error) {
	cur, err := m.idxColl.Find(ctx,
		bson.M{"user_id": userID, "row_id": bson.M{"$gt": afterRowID}},
		options.Find().SetSort(bson.D{{Key: "row_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var rows []model.UserIndexModel
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (m *mongoDB) FindMessagesByIDs(ctx context.Context, msgIDs []int64) (map[int64]*model.MessageModel, error) {
	out := make(map[int64]*model.MessageModel, len(msgIDs))
	if len(msgIDs) == 0 {
		return out, nil
	}
	cur, err := m.msgColl.Find(ctx, bson.M{"msg_id": bson.M{"$in": msgIDs}})
	if err != nil {
		return nil, err
	}
	var msgs []model.MessageModel
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		out[msgs[i].MsgID] = &msgs[i]
	}
	return out, nil
}

func (m *mongoDB) ListSessionMessages(ctx context.Context, sessionID int64, partitionID int32, afterSeq int64, limit int) ([]model.MessageModel, error) {
	cur, err := m.msgColl.Find(ctx,
		bson.M{"session_id": sessionID, "partition_id": partitionID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var msgs []model.MessageModel
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AckReadOffset: "$max wins"，并发提交永不回退；返回服务端权威值。
func (m *mongoDB) AckReadOffset(ctx context.Context, sessionID, userID, lastSeq, nowMs int64) (int64, error) {
	filter := bson.M{"session_id": sessionID, "user_id": userID}
	_, err := m.offsetColl.UpdateOne(ctx, filter,
		bson.M{
			"$max": bson.M{"last_seq": lastSeq},
			"$set": bson.M{"updated_at_ms": nowMs},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return 0, err
	}
	var doc model.ReadOffsetModel
	if err := m.offsetColl.FindOne(ctx, filter).Decode(&doc); err != nil {
		return 0, err
	}
	return doc.LastSeq, nil
}

func (m *mongoDB) GetReadOffsets(ctx context.Context, userID int64, sessionIDs []int64) ([]model.ReadOffsetModel, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	cur, err := m.offsetColl.Find(ctx, bson.M{"user_id": userID, "session_id": bson.M{"$in": sessionIDs}})
	if err != nil {
		return nil, err
	}
	var rows []model.ReadOffsetModel
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// claimRows: 共用的逐行抢占循环。
func claimRows[T any](ctx context.Context, coll *mongo.Collection, nowMs, visTimeoutMs int64, max int, pending, processing string) ([]T, error) {
	staleBefore := nowMs - visTimeoutMs
	filter := bson.M{"$or": bson.A{
		bson.M{"status": pending, "next_retry_at_ms": bson.M{"$lte": nowMs}},
		bson.M{"status": processing, "claimed_at_ms": bson.M{"$lt": staleBefore}},
	}}
	update := bson.M{"$set": bson.M{
		"status":        processing,
		"claimed_at_ms": nowMs,
		"updated_at_ms": nowMs,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out []T
	for len(out) < max {
		var row T
		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&row)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}
