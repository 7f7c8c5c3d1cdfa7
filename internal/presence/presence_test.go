package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(rdb), mr
}

func testInfo(sid uuid.UUID, login string) ConnectionInfo {
	now := time.Now().Truncate(time.Millisecond)
	return ConnectionInfo{
		ConnectionID:  uuid.New(),
		UserID:        uuid.New(),
		UserLogin:     login,
		SessionID:     sid,
		ReplicaID:     "replica-1",
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
}

func TestRegisterGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sid := uuid.New()
	info := testInfo(sid, "alice")

	if err := r.Register(ctx, info); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, err := r.Get(ctx, info.ConnectionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want record")
	}
	if got.UserID != info.UserID || got.UserLogin != "alice" || got.SessionID != sid {
		t.Errorf("Get() = %+v, want %+v", got, info)
	}

	conns, err := r.RoomConnections(ctx, sid)
	if err != nil {
		t.Fatalf("RoomConnections() error = %v", err)
	}
	if len(conns) != 1 || conns[0] != info.ConnectionID {
		t.Errorf("RoomConnections() = %v, want [%v]", conns, info.ConnectionID)
	}
}

func TestHeartbeat_Expiry(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	info := testInfo(uuid.New(), "bob")

	if err := r.Register(ctx, info); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	ok, err := r.Heartbeat(ctx, info.ConnectionID)
	if err != nil || !ok {
		t.Fatalf("Heartbeat() = (%v, %v), want (true, nil)", ok, err)
	}

	// 副本崩溃:没有心跳,记录在 TTL 后消失
	mr.FastForward(cache.ConnectionTTL + time.Second)
	ok, err = r.Heartbeat(ctx, info.ConnectionID)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if ok {
		t.Error("Heartbeat() after TTL = true, want false")
	}
}

func TestUnregister(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	sid := uuid.New()
	info := testInfo(sid, "carol")

	if err := r.Register(ctx, info); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, err := r.Unregister(ctx, info.ConnectionID)
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if got == nil || got.ConnectionID != info.ConnectionID {
		t.Fatalf("Unregister() record = %+v, want original", got)
	}
	if mr.Exists(cache.ConnectionKey(info.ConnectionID)) {
		t.Error("connection key still present")
	}
	conns, _ := r.RoomConnections(ctx, sid)
	if len(conns) != 0 {
		t.Errorf("RoomConnections() = %v, want empty", conns)
	}
	users, _ := r.RoomUsers(ctx, sid)
	if len(users) != 0 {
		t.Errorf("RoomUsers() = %v, want empty", users)
	}
}

func TestRoomUsers_SortedByJoin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sid := uuid.New()

	base := time.Now().Truncate(time.Millisecond)
	third := testInfo(sid, "third")
	third.ConnectedAt = base.Add(2 * time.Second)
	first := testInfo(sid, "first")
	first.ConnectedAt = base
	second := testInfo(sid, "second")
	second.ConnectedAt = base.Add(time.Second)

	for _, info := range []ConnectionInfo{third, first, second} {
		if err := r.Register(ctx, info); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	users, err := r.RoomUsers(ctx, sid)
	if err != nil {
		t.Fatalf("RoomUsers() error = %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("RoomUsers() len = %d, want 3", len(users))
	}
	want := []string{"first", "second", "third"}
	for i, u := range users {
		if u.Login != want[i] {
			t.Errorf("users[%d].Login = %s, want %s", i, u.Login, want[i])
		}
	}
}

func TestCleanupRoom(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	sid := uuid.New()

	if err := r.Register(ctx, testInfo(sid, "dave")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.CleanupRoom(ctx, sid); err != nil {
		t.Fatalf("CleanupRoom() error = %v", err)
	}
	if mr.Exists(cache.RoomConnectionsKey(sid)) || mr.Exists(cache.RoomUsersKey(sid)) {
		t.Error("room keys still present after CleanupRoom()")
	}
}

func TestParseUserEntry(t *testing.T) {
	uid := uuid.New()
	u, ok := parseUserEntry(userEntry(uid, "painter", 1700000000000))
	if !ok {
		t.Fatal("parseUserEntry() ok = false")
	}
	if u.UserID != uid || u.Login != "painter" || u.JoinedAt != 1700000000000 {
		t.Errorf("parseUserEntry() = %+v", u)
	}
	if _, ok := parseUserEntry("garbage"); ok {
		t.Error("parseUserEntry(garbage) ok = true, want false")
	}
}
