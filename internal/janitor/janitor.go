package janitor

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
	"github.com/yangnaru/oeee-cafe-sub000/internal/history"
	"github.com/yangnaru/oeee-cafe-sub000/internal/metrics"
	"github.com/yangnaru/oeee-cafe-sub000/internal/models"
	"github.com/yangnaru/oeee-cafe-sub000/internal/presence"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
	"github.com/yangnaru/oeee-cafe-sub000/internal/service"
	"github.com/yangnaru/oeee-cafe-sub000/internal/wire"
)

const (
	sweepInterval = 5 * time.Minute
	idleTimeout   = 30 * time.Minute
	staleConnAge  = 60 * time.Second
)

// Janitor 周期清扫:活跃时间回写、回收已结束和闲置的会话、历史兜底
// 修剪、摘除失联的连接。任何一步失败都只记日志,不影响其余步骤。
type Janitor struct {
	rdb      *redis.Client
	sessions *service.SessionService
	hist     *history.Store
	registry *presence.Registry
	pub      *pubsub.Publisher

	interval   time.Duration
	idleAfter  time.Duration
	endedGrace time.Duration // 广播 SESSION_EXPIRED 后给客户端的跳转窗口
	idleGrace  time.Duration
}

func New(rdb *redis.Client, sessions *service.SessionService, hist *history.Store,
	registry *presence.Registry, pub *pubsub.Publisher) *Janitor {
	return &Janitor{
		rdb: rdb, sessions: sessions, hist: hist, registry: registry, pub: pub,
		interval:   sweepInterval,
		idleAfter:  idleTimeout,
		endedGrace: 200 * time.Millisecond,
		idleGrace:  500 * time.Millisecond,
	}
}

// Run 按固定间隔清扫,直到 ctx 取消。
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮完整清扫。
func (j *Janitor) Sweep(ctx context.Context) {
	active, err := j.sessions.ListUnended()
	if err != nil {
		log.Error().Err(err).Msg("janitor list active sessions")
		return
	}
	j.flushActivity(ctx, active)
	j.reapEnded(ctx)
	j.reapIdle(ctx)
	j.enforceCaps(ctx)
	j.sweepStaleConnections(ctx)
}

// flushActivity 把缓存里更新的活跃时间回写到会话行。
func (j *Janitor) flushActivity(ctx context.Context, active []models.Session) {
	for _, session := range active {
		raw, err := j.rdb.Get(ctx, cache.ActivityKey(session.ID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("read activity key")
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		at := time.UnixMilli(ms)
		if at.After(session.LastActivityAt) {
			if err := j.sessions.TouchActivity(session.ID, at); err != nil {
				log.Error().Err(err).Str("session_id", session.ID.String()).Msg("flush activity")
			}
		}
	}
}

// reapEnded 回收已结束会话残留的缓存键。房间里还有连接时先广播
// SESSION_EXPIRED,留一个窗口让客户端跳转。
func (j *Janitor) reapEnded(ctx context.Context) {
	ended, err := j.sessions.ListEnded()
	if err != nil {
		log.Error().Err(err).Msg("janitor list ended sessions")
		return
	}
	for _, session := range ended {
		if !j.hasCacheState(ctx, session.ID) {
			continue
		}
		conns, err := j.registry.RoomConnections(ctx, session.ID)
		if err == nil && len(conns) > 0 {
			j.publishExpired(ctx, session.ID)
			time.Sleep(j.endedGrace)
		}
		j.dropCacheState(ctx, session.ID)
	}
}

// reapIdle 结束超过闲置阈值的会话。
func (j *Janitor) reapIdle(ctx context.Context) {
	active, err := j.sessions.ListUnended()
	if err != nil {
		log.Error().Err(err).Msg("janitor list active sessions")
		return
	}
	cutoff := time.Now().Add(-j.idleAfter)
	for _, session := range active {
		if session.LastActivityAt.After(cutoff) {
			continue
		}
		j.publishExpired(ctx, session.ID)
		time.Sleep(j.idleGrace)
		if err := j.sessions.EndWithParticipants(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("expire idle session")
			continue
		}
		j.dropCacheState(ctx, session.ID)
		metrics.SessionsExpiredTotal.Inc()
		log.Info().Str("session_id", session.ID.String()).Msg("idle session expired")
	}
}

func (j *Janitor) enforceCaps(ctx context.Context) {
	active, err := j.sessions.ListUnended()
	if err != nil {
		return
	}
	for _, session := range active {
		if err := j.hist.EnforceCap(ctx, session.ID); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("enforce history cap")
		}
	}
}

// sweepStaleConnections 摘掉记录丢失或心跳过期的连接。
func (j *Janitor) sweepStaleConnections(ctx context.Context) {
	active, err := j.sessions.ListUnended()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleConnAge)
	for _, session := range active {
		conns, err := j.registry.RoomConnections(ctx, session.ID)
		if err != nil {
			continue
		}
		for _, cid := range conns {
			info, err := j.registry.Get(ctx, cid)
			if err != nil {
				continue
			}
			if info == nil || info.LastHeartbeat.Before(cutoff) {
				if _, err := j.registry.Unregister(ctx, cid); err != nil {
					log.Warn().Err(err).Str("conn_id", cid.String()).Msg("unregister stale connection")
				}
			}
		}
	}
}

func (j *Janitor) publishExpired(ctx context.Context, sid uuid.UUID) {
	frame := wire.NewSessionExpired()
	env := &pubsub.Envelope{
		MessageType: frame.Type,
		Payload:     frame.Encode(),
		Timestamp:   frame.Timestamp,
	}
	if err := j.pub.Publish(ctx, sid, env); err != nil {
		log.Error().Err(err).Str("session_id", sid.String()).Msg("publish session expired")
	}
}

func (j *Janitor) hasCacheState(ctx context.Context, sid uuid.UUID) bool {
	n, err := j.rdb.Exists(ctx,
		cache.HistoryKey(sid),
		cache.RoomConnectionsKey(sid),
		cache.RoomUsersKey(sid),
		cache.ActivityKey(sid)).Result()
	return err == nil && n > 0
}

// dropCacheState 删除会话的全部缓存键:历史、在场、活跃时间、快照标志。
func (j *Janitor) dropCacheState(ctx context.Context, sid uuid.UUID) {
	if err := j.hist.Drop(ctx, sid); err != nil {
		log.Warn().Err(err).Str("session_id", sid.String()).Msg("drop history")
	}
	if err := j.registry.CleanupRoom(ctx, sid); err != nil {
		log.Warn().Err(err).Str("session_id", sid.String()).Msg("cleanup room presence")
	}
	if err := j.rdb.Del(ctx, cache.ActivityKey(sid)).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sid.String()).Msg("drop activity key")
	}
	var cursor uint64
	pattern := "snapshot_req:" + sid.String() + ":*"
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			break
		}
		if len(keys) > 0 {
			j.rdb.Del(ctx, keys...)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
}
