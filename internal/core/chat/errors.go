package chat

import "errors"

var (
	// ErrInvalidMessage はメッセージが空、または長すぎることを示す
	ErrInvalidMessage = errors.New("invalid message")
)
