package service

import "errors"

// 业务层通用错误,handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session ended")
	ErrCapacityFull       = errors.New("session capacity full")
	ErrNotOwner           = errors.New("not session owner")
	ErrAlreadySaved       = errors.New("session already saved")
)
