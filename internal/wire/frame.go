package wire

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// 帧类型常量。小于 0x10 是服务端消息，0x10 起为客户端绘画操作。
const (
	TypeJoin            byte = 0x01
	TypeSnapshot        byte = 0x02
	TypeChat            byte = 0x03
	TypeSnapshotRequest byte = 0x05
	TypeJoinResponse    byte = 0x06
	TypeEndSession      byte = 0x07
	TypeSessionExpired  byte = 0x08
	TypeLeave           byte = 0x09

	TypeDrawLine  byte = 0x10
	TypeDrawPoint byte = 0x11
	TypeFill      byte = 0x12
	TypePointerUp byte = 0x13
)

// headerLen 是类型字节之后的固定头长度:16 字节用户 ID + 8 字节毫秒时间戳。
const headerLen = 1 + 16 + 8

var (
	ErrFrameTooShort = errors.New("frame shorter than fixed header")
	ErrBadBody       = errors.New("frame body malformed")
)

// Frame 是线上传输的单条二进制消息。Body 对编解码层是不透明字节,
// 上层按 Type 自行解释(绘画帧的首字节是目标图层)。
type Frame struct {
	Type      byte
	UserID    uuid.UUID
	Timestamp int64 // unix 毫秒
	Body      []byte
}

// Decode 解析一条二进制帧。帧体语义不在此校验。
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, ErrFrameTooShort
	}
	f := &Frame{Type: data[0]}
	copy(f.UserID[:], data[1:17])
	f.Timestamp = int64(binary.LittleEndian.Uint64(data[17:25]))
	if len(data) > headerLen {
		f.Body = data[headerLen:]
	}
	return f, nil
}

// Encode 序列化为线上格式。
func (f *Frame) Encode() []byte {
	out := make([]byte, headerLen+len(f.Body))
	out[0] = f.Type
	copy(out[1:17], f.UserID[:])
	binary.LittleEndian.PutUint64(out[17:25], uint64(f.Timestamp))
	copy(out[headerLen:], f.Body)
	return out
}

// IsServer 返回该类型是否属于服务端消息(type < 0x10)。
func IsServer(t byte) bool { return t < 0x10 }

// IsEphemeral 返回该帧是否只广播不入历史:聊天、进入、离开。
func IsEphemeral(t byte) bool {
	return t == TypeChat || t == TypeJoin || t == TypeLeave
}

// IsPaint 返回该类型是否为绘画操作(含 POINTER_UP)。
func IsPaint(t byte) bool { return t >= TypeDrawLine && t <= TypePointerUp }

// PaintLayer 返回绘画帧的目标图层。POINTER_UP 不携带图层字节。
func (f *Frame) PaintLayer() (byte, bool) {
	if f.Type < TypeDrawLine || f.Type > TypeFill || len(f.Body) == 0 {
		return 0, false
	}
	return f.Body[0], true
}

// SnapshotLayer 返回快照帧的图层字节。
func (f *Frame) SnapshotLayer() (byte, bool) {
	if f.Type != TypeSnapshot || len(f.Body) == 0 {
		return 0, false
	}
	return f.Body[0], true
}

// ChatText 解析聊天帧体:u16 长度 + UTF-8 内容。
func (f *Frame) ChatText() (string, error) {
	if f.Type != TypeChat {
		return "", ErrBadBody
	}
	return decodeLenString(f.Body)
}

// RedirectURL 解析 END_SESSION 帧体中的跳转地址。
func (f *Frame) RedirectURL() (string, error) {
	if f.Type != TypeEndSession {
		return "", ErrBadBody
	}
	return decodeLenString(f.Body)
}

// JoinResponseUsers 解析 JOIN_RESPONSE 帧体中的成员 ID 列表。
func (f *Frame) JoinResponseUsers() ([]uuid.UUID, error) {
	if f.Type != TypeJoinResponse || len(f.Body) < 2 {
		return nil, ErrBadBody
	}
	count := int(binary.LittleEndian.Uint16(f.Body[:2]))
	if len(f.Body) < 2+count*16 {
		return nil, ErrBadBody
	}
	users := make([]uuid.UUID, count)
	for i := 0; i < count; i++ {
		copy(users[i][:], f.Body[2+i*16:2+(i+1)*16])
	}
	return users, nil
}

func decodeLenString(body []byte) (string, error) {
	if len(body) < 2 {
		return "", ErrBadBody
	}
	n := int(binary.LittleEndian.Uint16(body[:2]))
	if len(body) < 2+n {
		return "", ErrBadBody
	}
	return string(body[2 : 2+n]), nil
}

func encodeLenString(s string) []byte {
	body := make([]byte, 2+len(s))
	binary.LittleEndian.PutUint16(body[:2], uint16(len(s)))
	copy(body[2:], s)
	return body
}
