package wire

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// 服务端合成帧的构造函数。服务端帧的 UserID 约定:JOIN_RESPONSE 和
// SESSION_EXPIRED 使用零值,SNAPSHOT_REQUEST 携带目标用户。

func nowMillis() int64 { return time.Now().UnixMilli() }

// NewJoinResponse 构造当前成员列表的 JOIN_RESPONSE 帧。
func NewJoinResponse(users []uuid.UUID) *Frame {
	body := make([]byte, 2+len(users)*16)
	binary.LittleEndian.PutUint16(body[:2], uint16(len(users)))
	for i, u := range users {
		copy(body[2+i*16:], u[:])
	}
	return &Frame{Type: TypeJoinResponse, Timestamp: nowMillis(), Body: body}
}

// NewSnapshotRequest 构造发给指定用户的快照请求帧。
// 客户端拿自己的 ID 与帧内 UserID 比对,只有目标用户应答。
func NewSnapshotRequest(target uuid.UUID) *Frame {
	return &Frame{Type: TypeSnapshotRequest, UserID: target, Timestamp: nowMillis()}
}

// NewEndSession 构造携带跳转地址的 END_SESSION 帧。
func NewEndSession(owner uuid.UUID, redirectURL string) *Frame {
	return &Frame{Type: TypeEndSession, UserID: owner, Timestamp: nowMillis(), Body: encodeLenString(redirectURL)}
}

// NewSessionExpired 构造会话过期通知帧。
func NewSessionExpired() *Frame {
	return &Frame{Type: TypeSessionExpired, Timestamp: nowMillis()}
}

// NewChat 构造聊天帧。
func NewChat(from uuid.UUID, text string) *Frame {
	return &Frame{Type: TypeChat, UserID: from, Timestamp: nowMillis(), Body: encodeLenString(text)}
}

// NewLeave 构造离开通知帧。
func NewLeave(user uuid.UUID) *Frame {
	return &Frame{Type: TypeLeave, UserID: user, Timestamp: nowMillis()}
}
