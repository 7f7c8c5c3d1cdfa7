package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
)

// ConnectionInfo 是连接在共享缓存里的记录。缓存副本只是通告性质,
// 真正的连接归持有 socket 的副本所有,记录靠心跳续期。
type ConnectionInfo struct {
	ConnectionID  uuid.UUID `json:"connection_id"`
	UserID        uuid.UUID `json:"user_id"`
	UserLogin     string    `json:"user_login"`
	SessionID     uuid.UUID `json:"session_id"`
	ReplicaID     string    `json:"replica_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RoomUser 是在线成员的展开表示,来自 room:<sid>:users 集合。
type RoomUser struct {
	UserID   uuid.UUID
	Login    string
	JoinedAt int64 // unix 毫秒
}

// Registry 维护连接记录与房间在线集合。
type Registry struct {
	rdb *redis.Client
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func userEntry(uid uuid.UUID, login string, joinedMs int64) string {
	return fmt.Sprintf("%s:%s:%d", uid, login, joinedMs)
}

// Register 写入连接记录并把连接加入房间集合。
func (r *Registry) Register(ctx context.Context, info ConnectionInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, cache.ConnectionKey(info.ConnectionID), raw, cache.ConnectionTTL)
	connKey := cache.RoomConnectionsKey(info.SessionID)
	pipe.SAdd(ctx, connKey, info.ConnectionID.String())
	pipe.Expire(ctx, connKey, cache.RoomTTL)
	usersKey := cache.RoomUsersKey(info.SessionID)
	pipe.SAdd(ctx, usersKey, userEntry(info.UserID, info.UserLogin, info.ConnectedAt.UnixMilli()))
	pipe.Expire(ctx, usersKey, cache.RoomTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat 续期连接记录与房间集合。记录已消失时返回 false,
// 调用方应当视连接为失效。
func (r *Registry) Heartbeat(ctx context.Context, cid uuid.UUID) (bool, error) {
	info, err := r.Get(ctx, cid)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	info.LastHeartbeat = time.Now()
	raw, err := json.Marshal(info)
	if err != nil {
		return false, err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, cache.ConnectionKey(cid), raw, cache.ConnectionTTL)
	pipe.Expire(ctx, cache.RoomConnectionsKey(info.SessionID), cache.RoomTTL)
	pipe.Expire(ctx, cache.RoomUsersKey(info.SessionID), cache.RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Get 读取连接记录,键不存在时返回 (nil, nil)。
func (r *Registry) Get(ctx context.Context, cid uuid.UUID) (*ConnectionInfo, error) {
	raw, err := r.rdb.Get(ctx, cache.ConnectionKey(cid)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info ConnectionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Unregister 删除连接记录并把它从房间集合里摘除,返回删除前的记录。
func (r *Registry) Unregister(ctx context.Context, cid uuid.UUID) (*ConnectionInfo, error) {
	info, err := r.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, cache.ConnectionKey(cid))
	if info != nil {
		pipe.SRem(ctx, cache.RoomConnectionsKey(info.SessionID), cid.String())
		pipe.SRem(ctx, cache.RoomUsersKey(info.SessionID),
			userEntry(info.UserID, info.UserLogin, info.ConnectedAt.UnixMilli()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return info, err
	}
	return info, nil
}

// RefreshUser 把成员在房间集合里的加入时间戳改成给定时刻,客户端
// 显式发 JOIN 控制帧时调用。
func (r *Registry) RefreshUser(ctx context.Context, cid uuid.UUID, joinedAt time.Time) error {
	info, err := r.Get(ctx, cid)
	if err != nil || info == nil {
		return err
	}
	old := userEntry(info.UserID, info.UserLogin, info.ConnectedAt.UnixMilli())
	info.ConnectedAt = joinedAt
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	usersKey := cache.RoomUsersKey(info.SessionID)
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, usersKey, old)
	pipe.SAdd(ctx, usersKey, userEntry(info.UserID, info.UserLogin, joinedAt.UnixMilli()))
	pipe.Expire(ctx, usersKey, cache.RoomTTL)
	pipe.Set(ctx, cache.ConnectionKey(cid), raw, cache.ConnectionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RoomConnections 返回房间当前登记的连接 ID。
func (r *Registry) RoomConnections(ctx context.Context, sid uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.rdb.SMembers(ctx, cache.RoomConnectionsKey(sid)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		cid, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, cid)
	}
	return out, nil
}

// RoomUsers 返回房间在线成员,按加入时间升序。
func (r *Registry) RoomUsers(ctx context.Context, sid uuid.UUID) ([]RoomUser, error) {
	members, err := r.rdb.SMembers(ctx, cache.RoomUsersKey(sid)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RoomUser, 0, len(members))
	for _, m := range members {
		u, ok := parseUserEntry(m)
		if !ok {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out, nil
}

// CleanupRoom 删除房间的在线集合。
func (r *Registry) CleanupRoom(ctx context.Context, sid uuid.UUID) error {
	return r.rdb.Del(ctx, cache.RoomConnectionsKey(sid), cache.RoomUsersKey(sid)).Err()
}

// parseUserEntry 解析 "<user_id>:<login>:<join_ts_ms>"。登录名里不允许
// 冒号,按首尾两个分隔符切开。
func parseUserEntry(s string) (RoomUser, bool) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first < 0 || last <= first {
		return RoomUser{}, false
	}
	uid, err := uuid.Parse(s[:first])
	if err != nil {
		return RoomUser{}, false
	}
	ts, err := strconv.ParseInt(s[last+1:], 10, 64)
	if err != nil {
		return RoomUser{}, false
	}
	return RoomUser{UserID: uid, Login: s[first+1 : last], JoinedAt: ts}, true
}
