package pubsub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
)

// Envelope 是房间频道上的广播单元。Payload 是完整编码后的帧字节,
// 订阅方原样转发给本地连接。投递是 at-most-once,丢帧靠快照周期修复。
type Envelope struct {
	FromConnection uuid.UUID `json:"from_connection"`
	UserID         uuid.UUID `json:"user_id"`
	UserLogin      string    `json:"user_login"`
	MessageType    byte      `json:"message_type"`
	Payload        []byte    `json:"payload"`
	Timestamp      int64     `json:"timestamp"`
}

// Publisher 把信封发布到房间频道,所有订阅副本各收到一份。
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Publish(ctx context.Context, sid uuid.UUID, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, cache.Channel(sid), raw).Err()
}

// Subscriber 为单个房间维护一条专用订阅连接,把信封交给 handler。
// ctx 取消即退订,handler 在订阅 goroutine 里串行执行。
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

func (s *Subscriber) Subscribe(ctx context.Context, sid uuid.UUID, handler func(*Envelope)) {
	ps := s.rdb.Subscribe(ctx, cache.Channel(sid))
	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("session_id", sid.String()).Msg("pubsub decode envelope")
				continue
			}
			handler(&env)
		}
	}()
}
