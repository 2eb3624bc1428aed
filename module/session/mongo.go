package session

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

const (
	CollectionSession = "session_meta"
	CollectionMember  = "session_member"

	// 成员数达到阈值的会话改走异步扩散
	DefaultAsyncThreshold = 256
)

type SessionMeta struct {
	SessionID   int64 `bson:"session_id"`
	PartitionID int32 `bson:"partition_id"`
	MemberCount int64 `bson:"member_count"`
	Frozen      bool  `bson:"frozen"`
}

type MemberDoc struct {
	SessionID int64 `bson:"session_id"`
	UserID    int64 `bson:"user_id"`
	Active    bool  `bson:"active"`
	Muted     bool  `bson:"muted"`
}

// MongoGateway 基于会话元数据与成员表回答权限/成员两类查询。
// 会话域的写入面（建群、进退群）不在本仓库。
type MongoGateway struct {
	meta           *mongo.Collection
	member         *mongo.Collection
	asyncThreshold int64
}

func NewMongoGateway(db *mongo.Database, asyncThreshold int64) *MongoGateway {
	if asyncThreshold <= 0 {
		asyncThreshold = DefaultAsyncThreshold
	}
	return &MongoGateway{
		meta:           db.Collection(CollectionSession),
		member:         db.Collection(CollectionMember),
		asyncThreshold: asyncThreshold,
	}
}

func (g *MongoGateway) CheckSendPermission(ctx context.Context, sessionID, senderID int64, partitionID int32) (Permission, error) {
	var meta SessionMeta
	err := g.meta.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&meta)
	if err == mongo.ErrNoDocuments {
		return Permission{Reason: "session not found"}, nil
	}
	if err != nil {
		return Permission{}, errs.ErrStoreUnavailable.WithDetailf("load session %d: %v", sessionID, err)
	}
	if meta.Frozen {
		return Permission{Reason: "session frozen"}, nil
	}
	if meta.PartitionID != partitionID {
		return Permission{Reason: "partition mismatch"}, nil
	}

	var m MemberDoc
	err = g.member.FindOne(ctx, bson.M{"session_id": sessionID, "user_id": senderID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return Permission{Reason: "not a member"}, nil
	}
	if err != nil {
		return Permission{}, errs.ErrStoreUnavailable.WithDetailf("load member %d/%d: %v", sessionID, senderID, err)
	}
	if !m.Active {
		return Permission{Reason: "membership revoked"}, nil
	}
	if m.Muted {
		return Permission{Reason: "sender muted"}, nil
	}

	flags := FlagWriteFanout
	if meta.MemberCount >= g.asyncThreshold {
		flags |= FlagAsyncFanout
	}
	return Permission{Allowed: true, Flags: flags}, nil
}

func (g *MongoGateway) ListActiveMembers(ctx context.Context, sessionID int64) ([]Member, error) {
	cur, err := g.member.Find(ctx, bson.M{"session_id": sessionID, "active": true})
	if err != nil {
		return nil, errors.Wrapf(err, "list members of session %d", sessionID)
	}
	defer cur.Close(ctx)

	var out []Member
	for cur.Next(ctx) {
		var m MemberDoc
		if err := cur.Decode(&m); err != nil {
			return nil, errors.Wrap(err, "decode member")
		}
		out = append(out, Member{UserID: m.UserID, Active: true})
	}
	return out, cur.Err()
}
