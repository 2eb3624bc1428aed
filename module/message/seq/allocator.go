package seq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// FloorStore 提供某 (session,partition) 的持久化发号下限（issued_seq）。
type FloorStore interface {
	MaxIssuedSeq(ctx context.Context, sessionID int64, partitionID int32) (int64, error)
}

// Allocator 基于 Redis INCR 发号；冷启动/丢 key 时回源 Mongo 下限再矫正。
// 保证：同一 (session,partition) 内单调递增、永不复用；允许空洞。
type Allocator struct {
	rdb        redis.UniversalClient
	floor      FloorStore
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewAllocator(rdb redis.UniversalClient, floor FloorStore) *Allocator {
	return &Allocator{
		rdb:        rdb,
		floor:      floor,
		seqPrefix:  "im:seq",
		lockPrefix: "im:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *Allocator) seqKey(sessionID int64, partitionID int32) string {
	return fmt.Sprintf("%s:%d:%d", a.seqPrefix, sessionID, partitionID)
}
func (a *Allocator) lockKey(sessionID int64, partitionID int32) string {
	return fmt.Sprintf("%s:%d:%d", a.lockPrefix, sessionID, partitionID)
}

// 只升不降：redis 值落后于持久化下限时先矫正，再 INCR 取新号
var reconcileAndNextLua = redis.NewScript(`
local k = KEYS[1]
local floor = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < floor) then
  redis.call('SET', k, floor)
end
return redis.call('INCR', k)
`)

// Next 分配下一个 seq。首次命中冷 key 时走分布式锁初始化，避免回源风暴。
func (a *Allocator) Next(ctx context.Context, sessionID int64, partitionID int32) (int64, error) {
	key := a.seqKey(sessionID, partitionID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return a.rdb.Incr(ctx, key).Result()
	}
	return a.initAndNext(ctx, sessionID, partitionID)
}

func (a *Allocator) initAndNext(ctx context.Context, sessionID int64, partitionID int32) (int64, error) {
	lock := a.lockKey(sessionID, partitionID)
	token := randToken(16)
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return 0, err
	}
	if !ok {
		// 别人正在初始化，小憩后直接走矫正路径（floor 读是幂等的）
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	} else {
		defer func() { _ = a.unlock(ctx, lock, token) }()
	}

	floor, err := a.floor.MaxIssuedSeq(ctx, sessionID, partitionID)
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WithDetailf("read seq floor: %v", err)
	}
	return reconcileAndNextLua.Run(ctx, a.rdb, []string{a.seqKey(sessionID, partitionID)}, floor).Int64()
}

var unlockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (a *Allocator) unlock(ctx context.Context, key, token string) error {
	return unlockLua.Run(ctx, a.rdb, []string{key}, token).Err()
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
