package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
	"github.com/yangnaru/oeee-cafe-sub000/internal/db"
	"github.com/yangnaru/oeee-cafe-sub000/internal/history"
	"github.com/yangnaru/oeee-cafe-sub000/internal/presence"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
	"github.com/yangnaru/oeee-cafe-sub000/internal/service"
	"github.com/yangnaru/oeee-cafe-sub000/internal/snapshot"
	"github.com/yangnaru/oeee-cafe-sub000/internal/wire"
	"github.com/yangnaru/oeee-cafe-sub000/internal/ws"
)

type fakeStore struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeStore) PutPNG(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = data
	return nil
}

type fixture struct {
	router   *gin.Engine
	hub      *ws.Hub
	store    *fakeStore
	sessions *service.SessionService
	hist     *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		ReplicaID:             "test-replica",
	}

	store := &fakeStore{puts: make(map[string][]byte)}
	sessions := service.NewSessionService(gdb, store)
	users := service.NewUserService(gdb, cfg)
	registry := presence.NewRegistry(rdb)
	hist := history.NewStore(rdb)
	pub := pubsub.NewPublisher(rdb)
	sub := pubsub.NewSubscriber(rdb)
	snap := snapshot.NewController(rdb, hist, pub)
	hub := ws.NewHub(sub)
	t.Cleanup(hub.Shutdown)
	gw := ws.NewGateway(cfg, gdb, rdb, hub, sessions, hist, registry, pub, snap)

	h := NewHandler(cfg, users, sessions, registry)
	return &fixture{
		router:   NewRouter(cfg, gdb, h, gw),
		hub:      hub,
		store:    store,
		sessions: sessions,
		hist:     hist,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// signup 注册并登录,返回 access token。
func (f *fixture) signup(t *testing.T, login string) string {
	t.Helper()
	creds := map[string]string{"login_name": login, "password": "hunter22"}
	if w := f.do(t, http.MethodPost, "/api/v1/auth/register", "", creds); w.Code != http.StatusOK {
		t.Fatalf("register %s: status %d body %s", login, w.Code, w.Body.String())
	}
	w := f.do(t, http.MethodPost, "/api/v1/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", login, w.Code, w.Body.String())
	}
	return decodeJSON(t, w)["access_token"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if got := decodeJSON(t, w)["replica"]; got != "test-replica" {
		t.Errorf("replica = %v", got)
	}
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)
	creds := map[string]string{"login_name": "alice", "password": "hunter22"}

	if w := f.do(t, http.MethodPost, "/api/v1/auth/register", "", creds); w.Code != http.StatusOK {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/api/v1/auth/register", "", creds); w.Code != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/v1/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d", w.Code)
	}
	resp := decodeJSON(t, w)
	if resp["access_token"] == "" || resp["refresh_token"] == "" {
		t.Error("login response missing tokens")
	}
	var sawCookie bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "session_token" && ck.Value != "" {
			sawCookie = true
		}
	}
	if !sawCookie {
		t.Error("login did not set session_token cookie")
	}

	bad := map[string]string{"login_name": "alice", "password": "wrong"}
	if w := f.do(t, http.MethodPost, "/api/v1/auth/login", "", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status %d, want 401", w.Code)
	}

	refresh := map[string]string{"refresh_token": resp["refresh_token"].(string)}
	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refresh)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: status %d", w.Code)
	}
	// 旧 refresh token 已轮换,重放要拒绝
	if w := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refresh); w.Code != http.StatusUnauthorized {
		t.Errorf("replayed refresh: status %d, want 401", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	owner := f.signup(t, "owner")
	other := f.signup(t, "other")

	if w := f.do(t, http.MethodPost, "/collaborate/sessions", "", map[string]any{"width": 400, "height": 400}); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: status %d, want 401", w.Code)
	}

	w := f.do(t, http.MethodPost, "/collaborate/sessions", owner, map[string]any{
		"title": "sketch night", "width": 800, "height": 600, "is_public": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d body %s", w.Code, w.Body.String())
	}
	created := decodeJSON(t, w)
	sid := created["session_id"].(string)
	if !strings.HasSuffix(created["url"].(string), sid) {
		t.Errorf("url = %v, want suffix %s", created["url"], sid)
	}

	w = f.do(t, http.MethodGet, "/collaborate/sessions", other, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lobby: status %d", w.Code)
	}
	list := decodeJSON(t, w)["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("lobby entries = %d, want 1", len(list))
	}
	entry := list[0].(map[string]any)
	if entry["title"] != "sketch night" || entry["max_participants"] != float64(8) {
		t.Errorf("lobby entry = %v", entry)
	}

	w = f.do(t, http.MethodGet, "/collaborate/"+sid+"/meta", other, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("meta: status %d", w.Code)
	}
	meta := decodeJSON(t, w)
	if meta["owner_login_name"] != "owner" || meta["width"] != float64(800) {
		t.Errorf("meta = %v", meta)
	}
	if meta["current_user_count"] != float64(0) {
		t.Errorf("current_user_count = %v, want 0", meta["current_user_count"])
	}

	if w := f.do(t, http.MethodGet, "/collaborate/"+uuid.NewString()+"/meta", other, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing meta: status %d, want 404", w.Code)
	}
}

func TestSaveSession(t *testing.T) {
	f := newFixture(t)
	owner := f.signup(t, "owner")
	other := f.signup(t, "other")

	w := f.do(t, http.MethodPost, "/collaborate/sessions", owner, map[string]any{
		"title": "final piece", "width": 400, "height": 400, "is_public": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d", w.Code)
	}
	sid := decodeJSON(t, w)["session_id"].(string)
	png := []byte("\x89PNG\r\n\x1a\nfakeimagedata")

	if w := f.do(t, http.MethodPost, "/collaborate/"+sid+"/save", other, png); w.Code != http.StatusForbidden {
		t.Fatalf("non-owner save: status %d, want 403", w.Code)
	}

	w = f.do(t, http.MethodPost, "/collaborate/"+sid+"/save", owner, png)
	if w.Code != http.StatusOK {
		t.Fatalf("save: status %d body %s", w.Code, w.Body.String())
	}
	resp := decodeJSON(t, w)
	if resp["owner_login_name"] != "owner" {
		t.Errorf("owner_login_name = %v", resp["owner_login_name"])
	}
	postURL := resp["post_url"].(string)
	if !strings.HasPrefix(postURL, "/@owner/") {
		t.Errorf("post_url = %s", postURL)
	}
	if len(f.store.puts) != 1 {
		t.Errorf("blob puts = %d, want 1", len(f.store.puts))
	}

	if w := f.do(t, http.MethodPost, "/collaborate/"+sid+"/save", owner, png); w.Code != http.StatusConflict {
		t.Errorf("double save: status %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/collaborate/"+uuid.NewString()+"/save", owner, png); w.Code != http.StatusNotFound {
		t.Errorf("missing save: status %d, want 404", w.Code)
	}
}

func dialWS(t *testing.T, srvURL, sid, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "/collaborate/" + sid
	hdr := http.Header{"Cookie": {"session_token=" + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", wsURL, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// TestCollaborateWebSocket 走完整协议:第一个画手连上后画一笔,
// 第二个画手加入时先收到历史回放,再收到含两人的成员列表,
// 随后还能实时收到第一个画手的新笔画。
func TestCollaborateWebSocket(t *testing.T) {
	f := newFixture(t)
	painter := f.signup(t, "painter")
	viewer := f.signup(t, "viewer")

	w := f.do(t, http.MethodPost, "/collaborate/sessions", painter, map[string]any{
		"title": "live", "width": 400, "height": 400, "is_public": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d", w.Code)
	}
	sid := decodeJSON(t, w)["session_id"].(string)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	a := dialWS(t, srv.URL, sid, painter)

	// A 自己的回放:历史为空,只有成员列表
	first := readFrame(t, a)
	if first.Type != wire.TypeJoinResponse {
		t.Fatalf("first frame type = %#x, want JOIN_RESPONSE", first.Type)
	}
	members, err := first.JoinResponseUsers()
	if err != nil || len(members) != 1 {
		t.Fatalf("initial members = %v (err %v), want 1", members, err)
	}
	painterID := members[0]

	stroke := &wire.Frame{
		Type: wire.TypeDrawLine, UserID: painterID,
		Timestamp: time.Now().UnixMilli(),
		Body:      []byte{1, 10, 20, 30, 40},
	}
	if err := a.WriteMessage(websocket.BinaryMessage, stroke.Encode()); err != nil {
		t.Fatalf("write stroke: %v", err)
	}
	// 等路由层把笔画写进历史
	waitFor(t, func() bool {
		w := f.do(t, http.MethodGet, "/collaborate/"+sid+"/meta", painter, nil)
		return w.Code == http.StatusOK && decodeJSON(t, w)["current_user_count"] == float64(1)
	})
	time.Sleep(100 * time.Millisecond)

	b := dialWS(t, srv.URL, sid, viewer)

	replayed := readFrame(t, b)
	if replayed.Type != wire.TypeDrawLine {
		t.Fatalf("replayed type = %#x, want DRAW_LINE", replayed.Type)
	}
	if replayed.UserID != painterID || !bytes.Equal(replayed.Body, stroke.Body) {
		t.Error("replayed stroke does not match original")
	}

	roster := readFrame(t, b)
	if roster.Type != wire.TypeJoinResponse {
		t.Fatalf("post-replay type = %#x, want JOIN_RESPONSE", roster.Type)
	}
	if members, err := roster.JoinResponseUsers(); err != nil || len(members) != 2 {
		t.Fatalf("members after second join = %v (err %v), want 2", members, err)
	}

	// 实时广播:A 再画一笔,B 应当收到
	stroke2 := &wire.Frame{
		Type: wire.TypeDrawPoint, UserID: painterID,
		Timestamp: time.Now().UnixMilli(),
		Body:      []byte{0, 99},
	}
	if err := a.WriteMessage(websocket.BinaryMessage, stroke2.Encode()); err != nil {
		t.Fatalf("write second stroke: %v", err)
	}
	live := readFrame(t, b)
	if live.Type != wire.TypeDrawPoint || !bytes.Equal(live.Body, stroke2.Body) {
		t.Errorf("live frame = %#x %v, want DRAW_POINT %v", live.Type, live.Body, stroke2.Body)
	}
}

// TestPlainGetReleasesSlot 校验升级失败不占名额:普通 HTTP GET 打到
// WebSocket 路由会入会成功但握手失败,名额必须当场释放,
// 之后真正的画手仍能加入容量为 1 的会话。
func TestPlainGetReleasesSlot(t *testing.T) {
	f := newFixture(t)
	painter := f.signup(t, "painter")
	ghost := f.signup(t, "ghost")

	w := f.do(t, http.MethodPost, "/collaborate/sessions", painter, map[string]any{
		"title": "tiny", "width": 100, "height": 100, "is_public": true, "max_participants": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d", w.Code)
	}
	sid := decodeJSON(t, w)["session_id"].(string)

	// 没有升级头,upgrader 拒绝握手
	if w := f.do(t, http.MethodGet, "/collaborate/"+sid, ghost, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("plain GET: status %d, want 400", w.Code)
	}
	n, err := f.sessions.ActiveCount(uuid.MustParse(sid))
	if err != nil {
		t.Fatalf("ActiveCount() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("active participants after failed upgrade = %d, want 0", n)
	}

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	a := dialWS(t, srv.URL, sid, painter)
	if got := readFrame(t, a); got.Type != wire.TypeJoinResponse {
		t.Errorf("painter first frame = %#x, want JOIN_RESPONSE", got.Type)
	}
}

// TestSecondSocketRosterDeduped 同一用户开两条连接,成员列表里只出现一次。
func TestSecondSocketRosterDeduped(t *testing.T) {
	f := newFixture(t)
	painter := f.signup(t, "painter")

	w := f.do(t, http.MethodPost, "/collaborate/sessions", painter, map[string]any{
		"title": "dual", "width": 100, "height": 100, "is_public": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d", w.Code)
	}
	sid := decodeJSON(t, w)["session_id"].(string)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	a := dialWS(t, srv.URL, sid, painter)
	first := readFrame(t, a)
	members, err := first.JoinResponseUsers()
	if err != nil || len(members) != 1 {
		t.Fatalf("first socket members = %v (err %v), want 1", members, err)
	}

	b := dialWS(t, srv.URL, sid, painter)
	second := readFrame(t, b)
	if second.Type != wire.TypeJoinResponse {
		t.Fatalf("second socket frame = %#x, want JOIN_RESPONSE", second.Type)
	}
	want := members[0]
	members, err = second.JoinResponseUsers()
	if err != nil {
		t.Fatalf("JoinResponseUsers() error = %v", err)
	}
	if len(members) != 1 || members[0] != want {
		t.Errorf("members with two sockets = %v, want [%v]", members, want)
	}
}

// TestControlFrameDispatch 走控制帧分派表:伪造 user id 的帧被丢弃,
// 聊天只广播不入历史,非所有者的 END_SESSION 被丢弃,所有者的
// END_SESSION 结束会话、清掉历史并把帧发给同伴,之后的加入被拒。
func TestControlFrameDispatch(t *testing.T) {
	f := newFixture(t)
	painter := f.signup(t, "painter")
	viewer := f.signup(t, "viewer")

	w := f.do(t, http.MethodPost, "/collaborate/sessions", painter, map[string]any{
		"title": "finale", "width": 200, "height": 200, "is_public": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: status %d", w.Code)
	}
	sid := decodeJSON(t, w)["session_id"].(string)
	sessionID := uuid.MustParse(sid)
	ctx := context.Background()

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	a := dialWS(t, srv.URL, sid, painter)
	roster := readFrame(t, a)
	members, err := roster.JoinResponseUsers()
	if err != nil || len(members) != 1 {
		t.Fatalf("painter roster = %v (err %v)", members, err)
	}
	painterID := members[0]

	b := dialWS(t, srv.URL, sid, viewer)
	roster = readFrame(t, b)
	members, err = roster.JoinResponseUsers()
	if err != nil || len(members) != 2 {
		t.Fatalf("viewer roster = %v (err %v)", members, err)
	}
	viewerID := members[0]
	if viewerID == painterID {
		viewerID = members[1]
	}

	// 伪造成画主的笔画要被丢掉;紧跟的合法聊天是观测点:
	// 同一连接按序处理,画主先收到的必须是聊天帧
	spoof := &wire.Frame{Type: wire.TypeDrawLine, UserID: painterID,
		Timestamp: time.Now().UnixMilli(), Body: []byte{0, 1, 2}}
	if err := b.WriteMessage(websocket.BinaryMessage, spoof.Encode()); err != nil {
		t.Fatalf("write spoofed frame: %v", err)
	}
	if err := b.WriteMessage(websocket.BinaryMessage, wire.NewChat(viewerID, "hey").Encode()); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	got := readFrame(t, a)
	if got.Type != wire.TypeChat {
		t.Fatalf("painter received %#x, want CHAT (spoofed frame leaked)", got.Type)
	}
	if text, err := got.ChatText(); err != nil || text != "hey" {
		t.Errorf("chat text = %q (err %v), want hey", text, err)
	}
	if entries, err := f.hist.Range(ctx, sessionID); err != nil || len(entries) != 0 {
		t.Errorf("history after spoof+chat = %d entries (err %v), want 0", len(entries), err)
	}

	// 非所有者的 END_SESSION 被丢弃;再发一条聊天确认帧已处理完
	if err := b.WriteMessage(websocket.BinaryMessage, wire.NewEndSession(viewerID, "/nope").Encode()); err != nil {
		t.Fatalf("write non-owner end: %v", err)
	}
	if err := b.WriteMessage(websocket.BinaryMessage, wire.NewChat(viewerID, "still here").Encode()); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	if got := readFrame(t, a); got.Type != wire.TypeChat {
		t.Fatalf("painter received %#x, want CHAT (non-owner END leaked)", got.Type)
	}
	session, err := f.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.EndedAt != nil {
		t.Fatal("non-owner END_SESSION ended the session")
	}

	// 画一笔入历史,随后所有者结束会话要把它清掉
	stroke := &wire.Frame{Type: wire.TypeDrawLine, UserID: painterID,
		Timestamp: time.Now().UnixMilli(), Body: []byte{1, 5, 6}}
	if err := a.WriteMessage(websocket.BinaryMessage, stroke.Encode()); err != nil {
		t.Fatalf("write stroke: %v", err)
	}
	if got := readFrame(t, b); got.Type != wire.TypeDrawLine {
		t.Fatalf("viewer received %#x, want DRAW_LINE", got.Type)
	}
	if entries, err := f.hist.Range(ctx, sessionID); err != nil || len(entries) != 1 {
		t.Fatalf("history before end = %d entries (err %v), want 1", len(entries), err)
	}

	if err := a.WriteMessage(websocket.BinaryMessage, wire.NewEndSession(painterID, "/@painter/1").Encode()); err != nil {
		t.Fatalf("write owner end: %v", err)
	}
	ended := readFrame(t, b)
	if ended.Type != wire.TypeEndSession {
		t.Fatalf("viewer received %#x, want END_SESSION", ended.Type)
	}
	if url, err := ended.RedirectURL(); err != nil || url != "/@painter/1" {
		t.Errorf("redirect url = %q (err %v)", url, err)
	}
	waitFor(t, func() bool {
		s, err := f.sessions.Get(sessionID)
		return err == nil && s.EndedAt != nil
	})
	if entries, err := f.hist.Range(ctx, sessionID); err != nil || len(entries) != 0 {
		t.Errorf("history after end = %d entries (err %v), want 0", len(entries), err)
	}

	// 已结束的会话拒绝新的加入
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collaborate/" + sid
	hdr := http.Header{"Cookie": {"session_token=" + viewer}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err == nil {
		conn.Close()
		t.Fatal("dial after end succeeded, want 410")
	}
	if resp == nil || resp.StatusCode != http.StatusGone {
		t.Errorf("dial after end: %v, want 410", resp)
	}
}

// TestWebSocketRejections 校验升级前的 HTTP 拒绝路径。
func TestWebSocketRejections(t *testing.T) {
	f := newFixture(t)
	user := f.signup(t, "drifter")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	dialStatus := func(sid, token string) int {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collaborate/" + sid
		hdr := http.Header{}
		if token != "" {
			hdr.Set("Cookie", "session_token="+token)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
		if err == nil {
			conn.Close()
			return http.StatusSwitchingProtocols
		}
		if resp == nil {
			t.Fatalf("dial %s: %v with no response", wsURL, err)
		}
		return resp.StatusCode
	}

	if got := dialStatus(uuid.NewString(), ""); got != http.StatusUnauthorized {
		t.Errorf("anonymous dial: status %d, want 401", got)
	}
	if got := dialStatus(uuid.NewString(), user); got != http.StatusNotFound {
		t.Errorf("missing session dial: status %d, want 404", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
