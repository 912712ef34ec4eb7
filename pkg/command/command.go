// Package command executes user-initiated mutations against the server:
// offline gating, payload validation, optimistic local application and
// rollback on failure.
package command

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
)

// Type discriminates the command union. Command subjects are derived
// from these values.
type Type string

const (
	TypeUpdateProfile            Type = "user.updateProfile"
	TypeDismissNotification      Type = "notification.dismiss"
	TypeMarkNotificationRead     Type = "notification.markRead"
	TypeMarkAllNotificationsRead Type = "notification.markAllRead"
)

// AppCommand is the request/reply unit sent to the server. Every call
// carries a freshly generated id so concurrent commands stay independent.
type AppCommand struct {
	ID        string `json:"id" cbor:"id"`
	Type      Type   `json:"type" cbor:"type"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
	Payload   any    `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// ErrorCode classifies a command failure.
type ErrorCode string

const (
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeConflict         ErrorCode = "CONFLICT"
)

// passthrough reports whether a server-supplied code is surfaced to the
// caller unchanged.
func (c ErrorCode) passthrough() bool {
	return c == CodeNotFound || c == CodePermissionDenied || c == CodeConflict
}

// CommandError is the structured failure carried inside a Result.
type CommandError struct {
	Code    ErrorCode      `json:"code" cbor:"code"`
	Message string         `json:"message" cbor:"message"`
	Details map[string]any `json:"details,omitempty" cbor:"details,omitempty"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of one Execute call.
type Result struct {
	CommandID string          `json:"commandId" cbor:"commandId"`
	Success   bool            `json:"success" cbor:"success"`
	Data      cbor.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
	Error     *CommandError   `json:"error,omitempty" cbor:"error,omitempty"`
	Timestamp int64           `json:"timestamp" cbor:"timestamp"`
}

// UpdateProfilePayload carries a partial profile edit; nil fields are
// left unchanged. At least one field must be present.
type UpdateProfilePayload struct {
	Name      *string `json:"name,omitempty" cbor:"name,omitempty" validate:"omitempty,min=1,max=255"`
	AvatarURL *string `json:"avatarUrl,omitempty" cbor:"avatarUrl,omitempty" validate:"omitempty,url"`
}

// NotificationPayload targets a single notification by id.
type NotificationPayload struct {
	NotificationID string `json:"notificationId" cbor:"notificationId" validate:"required"`
}

// newCommandID generates the per-call command id.
func newCommandID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func failure(commandID string, code ErrorCode, message string) Result {
	return Result{
		CommandID: commandID,
		Success:   false,
		Error:     &CommandError{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}
