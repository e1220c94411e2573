package store

import "errors"

var (
	ErrManagerClosed   = errors.New("store manager is closed")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrWriteTimeout    = errors.New("write operation timeout")
)
