package service

import "errors"

var (
	ErrInvalidAction        = errors.New("invalid action")
	ErrMissingIP            = errors.New("ip_address is required")
	ErrMissingSession       = errors.New("session_id is required")
	ErrInvalidSession       = errors.New("invalid session_id")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationEnded    = errors.New("conversation has ended")
	ErrDuplicateSession     = errors.New("session_id already in use")
	ErrChatUnavailable      = errors.New("chat model is not configured")
	ErrMessageLimit         = errors.New("conversation message limit reached")
)
