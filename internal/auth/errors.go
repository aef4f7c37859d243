package auth

import "errors"

// Room registry errors. Reason maps each to its wire string.
var (
	ErrRoomExists    = errors.New("room already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrWrongPassword = errors.New("wrong password")
)
