package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 错误码分段：1xxx 校验，2xxx 权限，3xxx 存储/基础设施，4xxx 协议
const (
	CodeInvalidArgument  = 1001
	CodeContentMalformed = 1002
	CodePermissionDenied = 2001
	CodeStoreUnavailable = 3001
	CodeRetryExhausted   = 3002
	CodeBadFrame         = 4001
	CodeUnauthorized     = 4002
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail; the receiver is not mutated
// so package-level sentinel errors stay safe for concurrent use.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) WithDetailf(format string, args ...any) *CodeError {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Predefined errors of the delivery core.
var (
	ErrInvalidArgument  = NewCodeError(CodeInvalidArgument, "invalid argument")
	ErrContentMalformed = NewCodeError(CodeContentMalformed, "content malformed")
	ErrPermissionDenied = NewCodeError(CodePermissionDenied, "permission denied")
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "store unavailable")
	ErrRetryExhausted   = NewCodeError(CodeRetryExhausted, "retry budget exhausted")
	ErrBadFrame         = NewCodeError(CodeBadFrame, "bad frame")
	ErrUnauthorized     = NewCodeError(CodeUnauthorized, "unauthorized")
)

// New builds an ad-hoc error with fmt semantics.
func New(format string, args ...any) error {
	if len(args) == 0 {
		return errors.New(format)
	}
	return fmt.Errorf(format, args...)
}
