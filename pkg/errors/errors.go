package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeAuthRequired        ErrorCode = "AUTH_REQUIRED"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeCreateChatFailed    ErrorCode = "UPSTREAM_CREATE_CHAT_FAILED"
	CodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	CodeTranslationError    ErrorCode = "TRANSLATION_ERROR"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// UpstreamStatus carries the upstream HTTP status for CodeUpstreamError,
	// so the surface can mirror it. Zero means unknown.
	UpstreamStatus int
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code onto the client-facing HTTP status.
// Unknown upstream statuses are capped at 502.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeCreateChatFailed:
		return http.StatusBadGateway
	case CodeUpstreamError:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 600 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the request may be retried with another identity.
// Retryability is a property of the code, not of the message text.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case CodeUpstreamError, CodeCreateChatFailed, CodeUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// NewBadRequestError 创建无效输入错误
func NewBadRequestError(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message}
}

// NewAuthRequiredError 创建缺少凭证错误
func NewAuthRequiredError(message string) *AppError {
	return &AppError{Code: CodeAuthRequired, Message: message}
}

// NewAuthInvalidError 创建凭证无效错误
func NewAuthInvalidError(message string) *AppError {
	return &AppError{Code: CodeAuthInvalid, Message: message}
}

// NewUpstreamUnavailableError 创建上游不可用错误
func NewUpstreamUnavailableError(message string) *AppError {
	return &AppError{Code: CodeUpstreamUnavailable, Message: message}
}

// NewCreateChatError 创建会话创建失败错误
func NewCreateChatError(message string, cause error) *AppError {
	return &AppError{Code: CodeCreateChatFailed, Message: message, Err: cause}
}

// NewUpstreamError wraps a non-2xx upstream completion response.
func NewUpstreamError(status int, message string) *AppError {
	return &AppError{Code: CodeUpstreamError, Message: message, UpstreamStatus: status}
}

// NewTranslationError 创建内部转换错误
func NewTranslationError(message string) *AppError {
	return &AppError{Code: CodeTranslationError, Message: message}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// As extracts an *AppError from an error chain, or wraps err as internal.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Code: CodeInternal, Message: err.Error(), Err: err}
}

// IsBadRequest 判断是否为无效输入错误
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeBadRequest
	}
	return false
}

// IsAuthError reports whether the error is an upstream authentication
// rejection (token expired or invalid). Used for immediate quarantine.
func IsAuthError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == CodeAuthInvalid {
			return true
		}
		if appErr.Code == CodeUpstreamError {
			return appErr.UpstreamStatus == http.StatusUnauthorized ||
				appErr.UpstreamStatus == http.StatusForbidden
		}
	}
	return false
}
