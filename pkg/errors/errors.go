// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeRateLimited     Code = "RATE_LIMITED"

	// 网关进程
	CodeGatewayNotReady      Code = "GATEWAY_NOT_READY"
	CodeGatewayTimedOut      Code = "GATEWAY_TIMED_OUT"
	CodeGatewayProcessExited Code = "GATEWAY_PROCESS_EXITED"
	CodeGatewayLaunchFailed  Code = "GATEWAY_LAUNCH_FAILED"

	// 合约解析
	CodeInstrumentNotFound  Code = "INSTRUMENT_NOT_FOUND"
	CodeAmbiguousInstrument Code = "AMBIGUOUS_INSTRUMENT"

	// 下单
	CodeInvalidOrderParameters Code = "INVALID_ORDER_PARAMETERS"
	CodeUnsupportedOrderType   Code = "UNSUPPORTED_ORDER_TYPE"

	// 上游
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamRejected    Code = "UPSTREAM_REJECTED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target carries the same code, so sentinel values
// such as ErrGatewayNotReady match any error built with that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault creates an error and falls back to the code as message.
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// Wrap 包装底层错误
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	msg := err.Error()
	if message != "" {
		msg = message + ": " + msg
	}
	e := New(code, msg)
	e.cause = err
	return e
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf extracts the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// From converts any error into *Error, keeping an existing one as is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "")
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeTimeout, CodeUnavailable,
		CodeGatewayNotReady, CodeUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest,
		CodeInvalidOrderParameters, CodeUnsupportedOrderType:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound, CodeInstrumentNotFound:
		return http.StatusNotFound
	case CodeAmbiguousInstrument:
		return http.StatusConflict
	case CodeUpstreamRejected:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeGatewayNotReady:
		return http.StatusServiceUnavailable
	case CodeGatewayProcessExited, CodeGatewayLaunchFailed, CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeTimeout, CodeGatewayTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam           = New(CodeInvalidParam, "invalid parameter")
	ErrGatewayNotReady        = New(CodeGatewayNotReady, "gateway not ready")
	ErrGatewayTimedOut        = New(CodeGatewayTimedOut, "gateway did not authenticate in time")
	ErrGatewayProcessExited   = New(CodeGatewayProcessExited, "gateway process exited")
	ErrGatewayLaunchFailed    = New(CodeGatewayLaunchFailed, "gateway process failed to launch")
	ErrInstrumentNotFound     = New(CodeInstrumentNotFound, "instrument not found")
	ErrAmbiguousInstrument    = New(CodeAmbiguousInstrument, "ambiguous instrument")
	ErrInvalidOrderParameters = New(CodeInvalidOrderParameters, "invalid order parameters")
	ErrUnsupportedOrderType   = New(CodeUnsupportedOrderType, "unsupported order type")
	ErrUpstreamUnavailable    = New(CodeUpstreamUnavailable, "upstream unavailable")
	ErrUpstreamRejected       = New(CodeUpstreamRejected, "upstream rejected request")
)
