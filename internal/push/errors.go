package push

import "errors"

var (
	// ErrSubscriptionGone marks a permanently invalid subscription
	// (push service answered 404/410); the only failure that mutates
	// state.
	ErrSubscriptionGone = errors.New("push subscription permanently invalid")
)
