package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// 路由表：im:route:<user> 为一个 hash，field=device_id，value="<gateway_id>|<conn_id>"。
// 整个 key 带 TTL，由 Connector 心跳续期；过期即视为全端离线。
// 这里只是发现用的弱指针：socket 的归属永远以 Connector 本地内存为准。

// Route 是一个设备当前的落点。
type Route struct {
	DeviceID  string
	GatewayID string
	ConnID    string
}

type RouteStore struct {
	rdb redis.UniversalClient
}

func NewRouteStore(rdb redis.UniversalClient) *RouteStore {
	return &RouteStore{rdb: rdb}
}

func routeKey(userID int64) string { return fmt.Sprintf("im:route:%d", userID) }

func encodeRoute(gatewayID, connID string) string { return gatewayID + "|" + connID }

func decodeRoute(deviceID, v string) Route {
	r := Route{DeviceID: deviceID}
	if i := strings.IndexByte(v, '|'); i >= 0 {
		r.GatewayID = v[:i]
		r.ConnID = v[i+1:]
	} else {
		r.GatewayID = v
	}
	return r
}

// Bind 绑定 (user,device) -> gateway。last-writer-wins：新连接直接覆盖旧值。
func (s *RouteStore) Bind(ctx context.Context, userID int64, deviceID, gatewayID, connID string, ttlSec int64) error {
	key := routeKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, deviceID, encodeRoute(gatewayID, connID))
	pipe.Expire(ctx, key, secDuration(ttlSec))
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh 心跳续期整个用户的路由 key。
func (s *RouteStore) Refresh(ctx context.Context, userID int64, ttlSec int64) error {
	return s.rdb.Expire(ctx, routeKey(userID), secDuration(ttlSec)).Err()
}

// 仅当 field 仍指向本连接时才删除，避免撕掉更新的绑定
var unbindLua = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// Unbind 按具体连接解除绑定：若该 (user,device) 已被更新的连接覆盖则不动它。
func (s *RouteStore) Unbind(ctx context.Context, userID int64, deviceID, gatewayID, connID string) error {
	return unbindLua.Run(ctx, s.rdb,
		[]string{routeKey(userID)}, deviceID, encodeRoute(gatewayID, connID)).Err()
}

// ListRoutes 查询单个用户全部设备路由。
func (s *RouteStore) ListRoutes(ctx context.Context, userID int64) (map[string]Route, error) {
	vals, err := s.rdb.HGetAll(ctx, routeKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Route, len(vals))
	for dev, v := range vals {
		out[dev] = decodeRoute(dev, v)
	}
	return out, nil
}

// BatchListRoutes 批量查询多个用户的路由（pipeline，一次网络往返）。
func (s *RouteStore) BatchListRoutes(ctx context.Context, userIDs []int64) (map[int64]map[string]Route, error) {
	if len(userIDs) == 0 {
		return map[int64]map[string]Route{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make(map[int64]*redis.MapStringStringCmd, len(userIDs))
	for _, uid := range userIDs {
		cmds[uid] = pipe.HGetAll(ctx, routeKey(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]Route, len(userIDs))
	for uid, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}
		m := make(map[string]Route, len(vals))
		for dev, v := range vals {
			m[dev] = decodeRoute(dev, v)
		}
		out[uid] = m
	}
	return out, nil
}

func secDuration(sec int64) time.Duration { return time.Duration(sec) * time.Second }
