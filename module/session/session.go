package session

import "context"

// MessageFlags 是权限检查返回的行为位掩码（版本化枚举，未知位忽略）。
// FlagWriteFanout: 持久化时同步写扩散（小会话）。
// FlagAsyncFanout: 改为异步任务扩散（大会话）；仅在 FlagWriteFanout 置位时有意义。
type MessageFlags uint32

const (
	FlagWriteFanout MessageFlags = 1 << 0
	FlagAsyncFanout MessageFlags = 1 << 1
)

func (f MessageFlags) WriteFanout() bool { return f&FlagWriteFanout != 0 }
func (f MessageFlags) AsyncFanout() bool { return f&FlagAsyncFanout != 0 }

// Permission is the result of a send-permission check.
type Permission struct {
	Allowed bool
	Reason  string // collaborator-supplied denial reason, empty when allowed
	Flags   MessageFlags
}

type Member struct {
	UserID int64
	Active bool
}

// Gateway is the session collaborator boundary. Membership storage and
// permission rules live outside this repo; the delivery core only consumes
// these two queries.
type Gateway interface {
	CheckSendPermission(ctx context.Context, sessionID, senderID int64, partitionID int32) (Permission, error)
	ListActiveMembers(ctx context.Context, sessionID int64) ([]Member, error)
}
