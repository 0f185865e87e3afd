package errs

import (
	"fmt"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error classes. Transient errors are retried with backoff, permanent
// errors fail the request immediately, resource errors surface to the
// caller of the operation that hit them.
const (
	CodeTransient = 1100
	CodePermanent = 1200
	CodeResource  = 1300
)

var (
	ErrTransient = NewCodeError(CodeTransient, "transient")
	ErrPermanent = NewCodeError(CodePermanent, "permanent")
	ErrResource  = NewCodeError(CodeResource, "resource")
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

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg clones the coded error, appends the formatted detail and
// attaches a stack.
func (e *CodeError) WrapMsg(format string, args ...any) error {
	return pkgerr.WithStack(e.WithDetail(fmt.Sprintf(format, args...)))
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !pkgerr.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// New builds an uncoded error with a stack attached.
func New(format string, args ...any) error {
	return pkgerr.New(fmt.Sprintf(format, args...))
}

func Wrap(err error) error {
	return pkgerr.WithStack(err)
}

func WrapMsg(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrapf(err, format, args...)
}

func codeOf(err error) int {
	var ce *CodeError
	if pkgerr.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsTransient reports whether err should be retried with backoff.
// Unclassified errors are treated as transient so that network-level
// failures keep their at-least-once semantics.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	c := codeOf(err)
	return c == CodeTransient || c == 0
}

func IsPermanent(err error) bool { return codeOf(err) == CodePermanent }

func IsResource(err error) bool { return codeOf(err) == CodeResource }
