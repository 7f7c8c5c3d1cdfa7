package snapshot

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
	"github.com/yangnaru/oeee-cafe-sub000/internal/history"
	"github.com/yangnaru/oeee-cafe-sub000/internal/metrics"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
	"github.com/yangnaru/oeee-cafe-sub000/internal/wire"
)

// PerUserThreshold 是单个用户在历史里的帧数上限,超过即索要新快照。
const PerUserThreshold = 100

// Controller 在每次历史写入后检查各用户的历史足迹。没有未决请求时,
// 向超限用户定向发布 SNAPSHOT_REQUEST;请求标志带 TTL,应答丢失也不会
// 永久抑制后续请求。
type Controller struct {
	rdb       *redis.Client
	hist      *history.Store
	pub       *pubsub.Publisher
	threshold int
}

func NewController(rdb *redis.Client, hist *history.Store, pub *pubsub.Publisher) *Controller {
	return &Controller{rdb: rdb, hist: hist, pub: pub, threshold: PerUserThreshold}
}

// Check 找出第一个超限且没有未决请求的用户,对其发出快照请求。
// 一次至多发一个请求。
func (c *Controller) Check(ctx context.Context, sid uuid.UUID) error {
	counts, err := c.hist.CountByUser(ctx, sid)
	if err != nil {
		return err
	}
	for user, n := range counts {
		if n <= c.threshold || user == uuid.Nil {
			continue
		}
		// SETNX 兼作"未决请求"判定:已有标志则早先的请求还没应答
		set, err := c.rdb.SetNX(ctx, cache.SnapshotReqKey(sid, user), "1", cache.SnapshotReqTTL).Result()
		if err != nil {
			return err
		}
		if !set {
			continue
		}
		frame := wire.NewSnapshotRequest(user)
		env := &pubsub.Envelope{
			UserID:      user,
			MessageType: frame.Type,
			Payload:     frame.Encode(),
			Timestamp:   frame.Timestamp,
		}
		if err := c.pub.Publish(ctx, sid, env); err != nil {
			// 发布失败就把标志收回,下一帧重试
			c.rdb.Del(ctx, cache.SnapshotReqKey(sid, user))
			return err
		}
		metrics.SnapshotRequestsTotal.Inc()
		log.Debug().Str("session_id", sid.String()).Str("user_id", user.String()).
			Int("frames", n).Msg("snapshot requested")
		return nil
	}
	return nil
}

// Clear 在目标用户交回快照时清除未决标志。
func (c *Controller) Clear(ctx context.Context, sid, uid uuid.UUID) error {
	return c.rdb.Del(ctx, cache.SnapshotReqKey(sid, uid)).Err()
}

// Outstanding 返回该用户是否有未决的快照请求。
func (c *Controller) Outstanding(ctx context.Context, sid, uid uuid.UUID) (bool, error) {
	n, err := c.rdb.Exists(ctx, cache.SnapshotReqKey(sid, uid)).Result()
	return n > 0, err
}
