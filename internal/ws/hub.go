package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/metrics"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
)

// Hub 管理本副本持有的房间,按会话 ID 延迟创建。连接只记房间 ID,
// 查找都走注册表,摘除是 O(1) 且不会悬挂。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*Room
	sub   *pubsub.Subscriber
}

func NewHub(sub *pubsub.Subscriber) *Hub {
	return &Hub{rooms: make(map[uuid.UUID]*Room), sub: sub}
}

// GetRoom 返回房间,未初始化则创建并为它启动一条专用订阅。
func (h *Hub) GetRoom(sid uuid.UUID) *Room {
	h.mu.RLock()
	room := h.rooms[sid]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[sid]
	if room != nil {
		return room
	}
	ctx, cancel := context.WithCancel(context.Background())
	room = &Room{sessionID: sid, clients: make(map[uuid.UUID]*Client), cancel: cancel}
	h.rooms[sid] = room
	h.sub.Subscribe(ctx, sid, room.dispatch)
	return room
}

// Online 返回房间在本副本上的连接数。
func (h *Hub) Online(sid uuid.UUID) int {
	h.mu.RLock()
	room := h.rooms[sid]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.online()
}

// removeIfEmpty 在房间最后一个本地连接退出后退订并摘除房间。
func (h *Hub) removeIfEmpty(sid uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sid]
	if room == nil || room.online() > 0 {
		return
	}
	room.cancel()
	delete(h.rooms, sid)
}

// Shutdown 给所有连接发正常关闭帧并关掉 socket,停服时调用。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, room := range h.rooms {
		room.cancel()
		room.mu.Lock()
		for _, c := range room.clients {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			_ = c.conn.Close()
		}
		room.mu.Unlock()
		delete(h.rooms, sid)
	}
}

// Room 是一个会话在本副本上的连接集合。广播一律经由 pub/sub 回来,
// dispatch 是唯一的投递入口。
type Room struct {
	sessionID uuid.UUID
	mu        sync.RWMutex
	clients   map[uuid.UUID]*Client
	cancel    context.CancelFunc
}

func (r *Room) add(c *Client) {
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	metrics.WsConnections.Inc()
}

func (r *Room) remove(cid uuid.UUID) {
	r.mu.Lock()
	c, ok := r.clients[cid]
	if ok {
		delete(r.clients, cid)
	}
	r.mu.Unlock()
	if ok {
		c.closeOnce.Do(func() { close(c.done) })
		metrics.WsConnections.Dec()
	}
}

func (r *Room) online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// dispatch 把一条信封投给本地连接。发出该信封的连接本身被抑制,
// 同副本同用户的其他连接照常投递。发不进去的连接视为卡死,直接摘掉。
func (r *Room) dispatch(env *pubsub.Envelope) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for cid, c := range r.clients {
		if cid == env.FromConnection {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- env.Payload:
		default:
			log.Warn().Str("conn_id", c.id.String()).
				Str("session_id", r.sessionID.String()).Msg("outbound channel full, dropping connection")
			r.remove(c.id)
			_ = c.conn.Close()
		}
	}
}
