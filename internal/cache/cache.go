package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 共享缓存键前缀与 TTL。所有副本约定同一套布局,任何键丢失都可以
// 从权威存储或下一次心跳重建,缓存本身不承载需要持久的状态。
const (
	HistoryTTL     = time.Hour
	ConnectionTTL  = 30 * time.Second
	RoomTTL        = 60 * time.Second
	ActivityTTL    = time.Hour
	SnapshotReqTTL = 5 * time.Minute
)

// Connect 建立 Redis 连接,带简单重试等待容器就绪。
func Connect(addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var err error
	for i := 0; i < 10; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func HistoryKey(sid uuid.UUID) string { return "msg_history:" + sid.String() }

func ConnectionKey(cid uuid.UUID) string { return "connection:" + cid.String() }

func RoomConnectionsKey(sid uuid.UUID) string {
	return fmt.Sprintf("room:%s:connections", sid)
}

func RoomUsersKey(sid uuid.UUID) string { return fmt.Sprintf("room:%s:users", sid) }

func ActivityKey(sid uuid.UUID) string { return "activity:" + sid.String() }

func SnapshotReqKey(sid, uid uuid.UUID) string {
	return fmt.Sprintf("snapshot_req:%s:%s", sid, uid)
}

func Channel(sid uuid.UUID) string { return "pubsub:" + sid.String() }
