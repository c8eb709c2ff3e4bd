package errcode

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a business error
type Error struct {
	Code       int           `json:"code"`
	Msg        string        `json:"msg"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code:       e.Code,
		Msg:        fmt.Sprintf("%s: %v", e.Msg, err),
		RetryAfter: e.RetryAfter,
	}
}

// WithRetryAfter returns a copy of the error carrying a wait hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	return &Error{Code: e.Code, Msg: e.Msg, RetryAfter: d}
}

// Is reports whether err carries the same error code as target
func Is(err error, target *Error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == target.Code
	}
	return false
}

// Common error codes
var (
	// Validation errors (1xxx)
	ErrInvalidParam       = New(1001, "invalid parameter")
	ErrEmptyMessage       = New(1002, "message is empty")
	ErrTooLong            = New(1003, "message text too long")
	ErrTooManyAttachments = New(1004, "too many attachments")
	ErrAttachmentTooLarge = New(1005, "attachment too large")
	ErrInvalidName        = New(1006, "invalid conversation name")

	// Permission errors (2xxx)
	ErrBlocked            = New(2001, "conversation is blocked")
	ErrPendingNotAccepted = New(2002, "message request not yet accepted")
	ErrNoPermission       = New(2003, "no permission to access this resource")
	ErrNotParticipant     = New(2004, "not a conversation participant")

	// Throttle errors (3xxx)
	ErrRateLimited = New(3001, "too many sends, slow down")

	// Transport errors (4xxx)
	ErrNetwork        = New(4001, "network unavailable")
	ErrPersistence    = New(4002, "persistence failed")
	ErrSendFailed     = New(4003, "message send failed")
	ErrRetryExhausted = New(4004, "retry budget exhausted")

	// Sync errors (5xxx)
	ErrSubscribeFailed   = New(5001, "subscribe failed")
	ErrSyncClosed        = New(5002, "sync stream closed")
	ErrAlreadySubscribed = New(5003, "conversation already subscribed")

	// Data errors (6xxx)
	ErrConvNotFound     = New(6001, "conversation not found")
	ErrMessageNotFound  = New(6002, "message not found")
	ErrAlreadyExists    = New(6003, "already exists")
	ErrStatusRegression = New(6004, "delivery status may not move backwards")
	ErrQueueEntryGone   = New(6005, "queued message not found")
)
