package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"join", &Frame{Type: TypeJoin, UserID: user, Timestamp: 1700000000000}},
		{"snapshot", &Frame{Type: TypeSnapshot, UserID: user, Timestamp: 1, Body: []byte{0x02, 0xde, 0xad, 0xbe, 0xef}}},
		{"chat", NewChat(user, "hello")},
		{"snapshot_request", NewSnapshotRequest(user)},
		{"join_response", NewJoinResponse([]uuid.UUID{user, uuid.New()})},
		{"end_session", NewEndSession(user, "/@o/p1")},
		{"session_expired", NewSessionExpired()},
		{"leave", NewLeave(user)},
		{"draw_line", &Frame{Type: TypeDrawLine, UserID: user, Timestamp: 42, Body: []byte{0x00, 1, 2, 3, 4}}},
		{"draw_point", &Frame{Type: TypeDrawPoint, UserID: user, Timestamp: 42, Body: []byte{0x01, 9}}},
		{"fill", &Frame{Type: TypeFill, UserID: user, Timestamp: 42, Body: []byte{0x03}}},
		{"pointer_up", &Frame{Type: TypePointerUp, UserID: user, Timestamp: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.frame.Encode())
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Type != tt.frame.Type {
				t.Errorf("Type = %#x, want %#x", got.Type, tt.frame.Type)
			}
			if got.UserID != tt.frame.UserID {
				t.Errorf("UserID = %v, want %v", got.UserID, tt.frame.UserID)
			}
			if got.Timestamp != tt.frame.Timestamp {
				t.Errorf("Timestamp = %d, want %d", got.Timestamp, tt.frame.Timestamp)
			}
			if !bytes.Equal(got.Body, tt.frame.Body) {
				t.Errorf("Body = %v, want %v", got.Body, tt.frame.Body)
			}
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	full := NewChat(uuid.New(), "hi").Encode()
	for n := 0; n < headerLen; n++ {
		if _, err := Decode(full[:n]); err != ErrFrameTooShort {
			t.Errorf("Decode(%d bytes) error = %v, want ErrFrameTooShort", n, err)
		}
	}
}

func TestIsEphemeral(t *testing.T) {
	ephemeral := []byte{TypeChat, TypeJoin, TypeLeave}
	for _, typ := range ephemeral {
		if !IsEphemeral(typ) {
			t.Errorf("IsEphemeral(%#x) = false, want true", typ)
		}
	}
	stored := []byte{TypeSnapshot, TypeJoinResponse, TypeEndSession, TypeDrawLine, TypeDrawPoint, TypeFill, TypePointerUp}
	for _, typ := range stored {
		if IsEphemeral(typ) {
			t.Errorf("IsEphemeral(%#x) = true, want false", typ)
		}
	}
}

func TestIsServer(t *testing.T) {
	if !IsServer(TypeSessionExpired) {
		t.Error("IsServer(SESSION_EXPIRED) = false, want true")
	}
	if IsServer(TypeDrawLine) {
		t.Error("IsServer(DRAW_LINE) = true, want false")
	}
}

func TestPaintLayer(t *testing.T) {
	f := &Frame{Type: TypeDrawLine, Body: []byte{0x02, 1, 2}}
	layer, ok := f.PaintLayer()
	if !ok || layer != 0x02 {
		t.Errorf("PaintLayer() = (%d, %v), want (2, true)", layer, ok)
	}
	// POINTER_UP 不携带图层字节
	up := &Frame{Type: TypePointerUp, Body: []byte{0x02}}
	if _, ok := up.PaintLayer(); ok {
		t.Error("PaintLayer() for POINTER_UP ok = true, want false")
	}
	empty := &Frame{Type: TypeFill}
	if _, ok := empty.PaintLayer(); ok {
		t.Error("PaintLayer() for empty body ok = true, want false")
	}
}

func TestJoinResponseUsers(t *testing.T) {
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	f := NewJoinResponse(users)
	got, err := f.JoinResponseUsers()
	if err != nil {
		t.Fatalf("JoinResponseUsers() error = %v", err)
	}
	if len(got) != len(users) {
		t.Fatalf("len = %d, want %d", len(got), len(users))
	}
	for i := range users {
		if got[i] != users[i] {
			t.Errorf("user[%d] = %v, want %v", i, got[i], users[i])
		}
	}
}

func TestJoinResponseUsers_Malformed(t *testing.T) {
	body := make([]byte, 2+16)
	binary.LittleEndian.PutUint16(body[:2], 5) // count 超出实际长度
	f := &Frame{Type: TypeJoinResponse, Body: body}
	if _, err := f.JoinResponseUsers(); err != ErrBadBody {
		t.Errorf("error = %v, want ErrBadBody", err)
	}
}

func TestChatText_Malformed(t *testing.T) {
	f := &Frame{Type: TypeChat, Body: []byte{0xff, 0xff, 'a'}}
	if _, err := f.ChatText(); err != ErrBadBody {
		t.Errorf("error = %v, want ErrBadBody", err)
	}
}
