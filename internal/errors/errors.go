package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a carchat error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrConversationClosed ErrorCode = "CONVERSATION_CLOSED" // 409
	ErrHandlerFailed      ErrorCode = "HANDLER_FAILED"      // 500
	ErrInternal           ErrorCode = "INTERNAL"            // 500
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE" // 503
)

// ChatError represents a structured error with code, status, and details.
type ChatError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ChatError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ChatError {
	return &ChatError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing entity.
func NewNotFound(kind, identifier string) *ChatError {
	return &ChatError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewConversationClosed creates a 409 error for writes against a closed conversation.
func NewConversationClosed(id string) *ChatError {
	return &ChatError{
		Code:    ErrConversationClosed,
		Status:  409,
		Message: fmt.Sprintf("conversation is closed: %s", id),
		Details: map[string]any{"conversation_id": id},
	}
}

// NewHandlerFailed creates a 500 error for a specialist handler that raised
// or returned malformed output.
func NewHandlerFailed(capability string, err error) *ChatError {
	msg := "handler failed"
	if err != nil {
		msg = err.Error()
	}
	return &ChatError{
		Code:    ErrHandlerFailed,
		Status:  500,
		Message: fmt.Sprintf("%s handler: %s", capability, msg),
		Details: map[string]any{"capability": capability},
		cause:   err,
	}
}

// NewStorageUnavailable creates a 503 error for repository failures.
func NewStorageUnavailable(err error) *ChatError {
	msg := "storage unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &ChatError{
		Code:    ErrStorageUnavailable,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ChatError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ChatError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a ChatError with the given code.
func Is(err error, code ErrorCode) bool {
	var chatErr *ChatError
	if stderrors.As(err, &chatErr) {
		return chatErr.Code == code
	}
	return false
}

// CodeOf returns the code of a ChatError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var chatErr *ChatError
	if stderrors.As(err, &chatErr) {
		return chatErr.Code
	}
	return ErrInternal
}
