package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/yangnaru/oeee-cafe-sub000/internal/auth"
	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
	"github.com/yangnaru/oeee-cafe-sub000/internal/history"
	"github.com/yangnaru/oeee-cafe-sub000/internal/metrics"
	"github.com/yangnaru/oeee-cafe-sub000/internal/presence"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
	"github.com/yangnaru/oeee-cafe-sub000/internal/service"
	"github.com/yangnaru/oeee-cafe-sub000/internal/snapshot"
	"github.com/yangnaru/oeee-cafe-sub000/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	maxFrame   = 1 << 20 // 1MB
	sendBuffer = 256
)

// Gateway 聚合帧路由需要的全部依赖,每个 WebSocket 升级产生一个 Client。
type Gateway struct {
	cfg      config.Config
	db       *gorm.DB
	rdb      *redis.Client
	hub      *Hub
	sessions *service.SessionService
	hist     *history.Store
	registry *presence.Registry
	pub      *pubsub.Publisher
	snap     *snapshot.Controller
}

func NewGateway(cfg config.Config, db *gorm.DB, rdb *redis.Client, hub *Hub,
	sessions *service.SessionService, hist *history.Store, registry *presence.Registry,
	pub *pubsub.Publisher, snap *snapshot.Controller) *Gateway {
	return &Gateway{cfg: cfg, db: db, rdb: rdb, hub: hub, sessions: sessions,
		hist: hist, registry: registry, pub: pub, snap: snap}
}

type Client struct {
	id        uuid.UUID
	userID    uuid.UUID
	login     string
	sessionID uuid.UUID
	ownerID   uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	g         *Gateway
	room      *Room
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 GET /collaborate/:uuid 的升级:鉴权、入会、登记在场、
// 回放历史、再进入收发循环。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := uuid.Parse(c.Param("uuid"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		user, err := auth.Authenticate(c, g.cfg, g.db)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		session, err := g.sessions.Get(sid)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		ctx := c.Request.Context()
		if err := g.sessions.Join(ctx, sid, user.ID); err != nil {
			switch err {
			case service.ErrSessionEnded:
				c.JSON(http.StatusGone, gin.H{"error": "session ended"})
			case service.ErrCapacityFull:
				c.JSON(http.StatusConflict, gin.H{"error": "session full"})
			default:
				log.Error().Err(err).Str("session_id", sid.String()).Msg("ws join")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "join failed"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Join 已提交,握手失败必须立刻还回名额,不能等清扫任务
			if lerr := g.sessions.Leave(ctx, sid, user.ID); lerr != nil {
				log.Error().Err(lerr).Str("session_id", sid.String()).Msg("leave after failed upgrade")
			}
			return
		}

		now := time.Now()
		client := &Client{
			id:        uuid.New(),
			userID:    user.ID,
			login:     user.LoginName,
			sessionID: sid,
			ownerID:   session.OwnerID,
			conn:      conn,
			send:      make(chan []byte, sendBuffer),
			done:      make(chan struct{}),
			g:         g,
		}
		info := presence.ConnectionInfo{
			ConnectionID:  client.id,
			UserID:        user.ID,
			UserLogin:     user.LoginName,
			SessionID:     sid,
			ReplicaID:     g.cfg.ReplicaID,
			ConnectedAt:   now,
			LastHeartbeat: now,
		}
		bg := context.Background()
		if err := g.registry.Register(bg, info); err != nil {
			log.Error().Err(err).Str("conn_id", client.id.String()).Msg("presence register")
			if lerr := g.sessions.Leave(bg, sid, user.ID); lerr != nil {
				log.Error().Err(lerr).Str("session_id", sid.String()).Msg("leave after failed register")
			}
			_ = conn.Close()
			return
		}

		// 回放在连接挂进 hub 之前直接写 socket,新加入者先看到全部
		// 历史,再看到成员列表,之后才开始接实时广播。
		if err := client.replay(bg); err != nil {
			log.Warn().Err(err).Str("conn_id", client.id.String()).Msg("history replay")
			client.teardown(bg)
			_ = conn.Close()
			return
		}

		client.room = g.hub.GetRoom(sid)
		client.room.add(client)
		log.Info().Str("session_id", sid.String()).Str("user_id", user.ID.String()).
			Str("conn_id", client.id.String()).Msg("painter connected")

		go client.writePump()
		client.readPump()
	}
}

// replay 把历史与合成的 JOIN_RESPONSE 按序写给新连接。
func (c *Client) replay(ctx context.Context) error {
	entries, err := c.g.hist.Range(ctx, c.sessionID)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			return err
		}
	}
	users, err := c.g.registry.RoomUsers(ctx, c.sessionID)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, wire.NewJoinResponse(rosterIDs(users)).Encode())
}

func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		c.teardown(ctx)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ok, err := c.g.registry.Heartbeat(ctx, c.id)
		if err != nil {
			log.Warn().Err(err).Str("conn_id", c.id.String()).Msg("heartbeat")
			return nil
		}
		if !ok {
			// 记录已被清扫,连接视为失效
			return websocket.ErrCloseSent
		}
		return nil
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("conn_id", c.id.String()).Msg("frame decode")
			continue
		}
		// 帧里声明的用户必须就是这条连接鉴权出的用户
		if frame.UserID != c.userID {
			log.Warn().Str("conn_id", c.id.String()).Str("claimed", frame.UserID.String()).
				Msg("user id mismatch, frame dropped")
			continue
		}
		metrics.WsFramesTotal.WithLabelValues(metrics.FrameType(frame.Type)).Inc()
		if done := c.route(ctx, frame, data); done {
			return
		}
	}
}

// route 按 §4.6 的分派表处理一帧,返回 true 表示连接应当结束。
func (c *Client) route(ctx context.Context, frame *wire.Frame, raw []byte) bool {
	switch frame.Type {
	case wire.TypeJoin:
		if err := c.g.registry.RefreshUser(ctx, c.id, time.Now()); err != nil {
			log.Warn().Err(err).Str("conn_id", c.id.String()).Msg("refresh join ts")
		}
		// 广播合成的成员列表而不是原始 JOIN,所有连接看到同一份
		c.broadcastRoster(ctx)
	case wire.TypeSnapshot:
		if layer, ok := frame.SnapshotLayer(); ok {
			if err := c.g.hist.Compact(ctx, c.sessionID, c.userID, layer); err != nil {
				log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("history compact")
			}
			if err := c.g.snap.Clear(ctx, c.sessionID, c.userID); err != nil {
				log.Warn().Err(err).Str("session_id", c.sessionID.String()).Msg("clear snapshot flag")
			}
		}
		c.storeAndBroadcast(ctx, frame, raw)
	case wire.TypeChat, wire.TypeLeave:
		c.publish(ctx, frame.Type, raw)
	case wire.TypeEndSession:
		if c.userID != c.ownerID {
			log.Warn().Str("conn_id", c.id.String()).Msg("end session by non-owner dropped")
			return false
		}
		if err := c.g.sessions.End(ctx, c.sessionID, c.userID); err != nil {
			log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("end session")
			return false
		}
		if err := c.g.hist.Drop(ctx, c.sessionID); err != nil {
			log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("drop history")
		}
		c.publish(ctx, frame.Type, raw)
		log.Info().Str("session_id", c.sessionID.String()).Msg("session ended by owner")
		return true
	default:
		c.storeAndBroadcast(ctx, frame, raw)
	}
	c.touchActivity(ctx)
	return false
}

func (c *Client) storeAndBroadcast(ctx context.Context, frame *wire.Frame, raw []byte) {
	if !wire.IsEphemeral(frame.Type) {
		if err := c.g.hist.Append(ctx, c.sessionID, raw); err != nil {
			// 历史写失败仍广播,后续快照会重建基线
			log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("history append")
		} else if err := c.g.snap.Check(ctx, c.sessionID); err != nil {
			log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("snapshot check")
		}
	}
	c.publish(ctx, frame.Type, raw)
}

func (c *Client) publish(ctx context.Context, msgType byte, payload []byte) {
	env := &pubsub.Envelope{
		FromConnection: c.id,
		UserID:         c.userID,
		UserLogin:      c.login,
		MessageType:    msgType,
		Payload:        payload,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := c.g.pub.Publish(ctx, c.sessionID, env); err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("pubsub publish")
	}
}

// broadcastRoster 发布一份无抑制的 JOIN_RESPONSE,所有连接都收到。
func (c *Client) broadcastRoster(ctx context.Context) {
	users, err := c.g.registry.RoomUsers(ctx, c.sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("room users")
		return
	}
	frame := wire.NewJoinResponse(rosterIDs(users))
	env := &pubsub.Envelope{
		UserID:      c.userID,
		UserLogin:   c.login,
		MessageType: frame.Type,
		Payload:     frame.Encode(),
		Timestamp:   frame.Timestamp,
	}
	if err := c.g.pub.Publish(ctx, c.sessionID, env); err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("roster publish")
	}
}

// rosterIDs 按加入顺序收集成员 id。同一用户开多条连接时在场集合里
// 每条连接各占一条记录,成员列表只报一次。
func rosterIDs(users []presence.RoomUser) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(users))
	seen := make(map[uuid.UUID]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u.UserID]; ok {
			continue
		}
		seen[u.UserID] = struct{}{}
		ids = append(ids, u.UserID)
	}
	return ids
}

func (c *Client) touchActivity(ctx context.Context) {
	err := c.g.rdb.Set(ctx, cache.ActivityKey(c.sessionID),
		time.Now().UnixMilli(), cache.ActivityTTL).Err()
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID.String()).Msg("touch activity")
	}
}

// teardown 是连接的统一退出路径:参与者标记离开、在场登记摘除,
// 房间里还有别的连接时再广播一条合成 LEAVE(不入历史)。
func (c *Client) teardown(ctx context.Context) {
	if err := c.g.sessions.Leave(ctx, c.sessionID, c.userID); err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("participant leave")
	}
	if _, err := c.g.registry.Unregister(ctx, c.id); err != nil {
		log.Warn().Err(err).Str("conn_id", c.id.String()).Msg("presence unregister")
	}
	if c.room != nil {
		c.room.remove(c.id)
		c.g.hub.removeIfEmpty(c.sessionID)
	}
	remaining, err := c.g.registry.RoomConnections(ctx, c.sessionID)
	if err == nil && len(remaining) > 0 {
		c.publish(ctx, wire.TypeLeave, wire.NewLeave(c.userID).Encode())
	}
	log.Info().Str("session_id", c.sessionID.String()).Str("conn_id", c.id.String()).
		Msg("painter disconnected")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
