package history

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
	"github.com/yangnaru/oeee-cafe-sub000/internal/wire"
)

// MaxEntries 是单个房间历史的硬上限,超出即丢弃最旧的条目。
const MaxEntries = 50000

// Store 在共享缓存里维护每个房间的有序帧日志。条目是不透明字节,
// 只有压缩时才按线格式解码。
type Store struct {
	rdb *redis.Client
	cap int64
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, cap: MaxEntries}
}

// Append 追加一帧,刷新键的 TTL,并在超过上限时裁掉最旧的条目。
func (s *Store) Append(ctx context.Context, sid uuid.UUID, frame []byte) error {
	key := cache.HistoryKey(sid)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, frame)
	pipe.Expire(ctx, key, cache.HistoryTTL)
	llen := pipe.LLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if n := llen.Val(); n > s.cap {
		return s.rdb.LTrim(ctx, key, n-s.cap, -1).Err()
	}
	return nil
}

// Range 按时间顺序返回房间的全部历史。
func (s *Store) Range(ctx context.Context, sid uuid.UUID) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, cache.HistoryKey(sid), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Compact 在用户提交了 (user, layer) 的新快照后清理被取代的条目:
// 同一 (user, layer) 的旧快照、该用户在该图层上的全部绘画帧,
// 以及该用户的全部 POINTER_UP(线格式中 POINTER_UP 不带图层字节)。
// 其余条目保持原有相对顺序。
func (s *Store) Compact(ctx context.Context, sid uuid.UUID, user uuid.UUID, layer byte) error {
	key := cache.HistoryKey(sid)
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	keep := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		raw := []byte(v)
		f, err := wire.Decode(raw)
		if err != nil {
			continue // 解不开的条目一并丢弃
		}
		if f.UserID == user {
			if l, ok := f.SnapshotLayer(); ok && l == layer {
				continue
			}
			if l, ok := f.PaintLayer(); ok && l == layer {
				continue
			}
			if f.Type == wire.TypePointerUp {
				continue
			}
		}
		keep = append(keep, raw)
	}
	if len(keep) == len(vals) {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(keep) > 0 {
		pipe.RPush(ctx, key, keep...)
		pipe.Expire(ctx, key, cache.HistoryTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Drop 删除房间的历史键。
func (s *Store) Drop(ctx context.Context, sid uuid.UUID) error {
	return s.rdb.Del(ctx, cache.HistoryKey(sid)).Err()
}

// EnforceCap 由清扫任务周期调用,兜底修剪超限的历史。
func (s *Store) EnforceCap(ctx context.Context, sid uuid.UUID) error {
	key := cache.HistoryKey(sid)
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil || n <= s.cap {
		return err
	}
	return s.rdb.LTrim(ctx, key, n-s.cap, -1).Err()
}

// CountByUser 统计历史中每个用户的帧数,供快照控制器用。
func (s *Store) CountByUser(ctx context.Context, sid uuid.UUID) (map[uuid.UUID]int, error) {
	entries, err := s.Range(ctx, sid)
	if err != nil {
		return nil, err
	}
	counts := make(map[uuid.UUID]int)
	for _, raw := range entries {
		f, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		counts[f.UserID]++
	}
	return counts, nil
}
